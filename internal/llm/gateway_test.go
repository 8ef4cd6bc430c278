package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yomibot/backend/internal/cache"
	"github.com/yomibot/backend/pkg/retry"
)

type fakeBackend struct {
	name  string
	mu    sync.Mutex
	calls int
	errs  []error
	resp  *Response
}

func (f *fakeBackend) Name() string     { return f.name }
func (f *fakeBackend) Provider() string { return "fake" }

func (f *fakeBackend) Generate(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.resp != nil {
		r := *f.resp
		return &r, nil
	}
	return &Response{Text: "answer from " + f.name}, nil
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func rateLimited(model string) error {
	return &BackendError{Model: model, Kind: KindRateLimited, Status: 429, Err: errors.New("quota")}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestGateway(t *testing.T, backends ...Backend) (*Gateway, *UsageTable, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	usage := NewUsageTable(nil)
	usage.now = clk.now

	g, err := NewGateway(GatewayConfig{
		Cooldown: 15 * time.Minute,
		Timeout:  time.Second,
		Retry:    retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, usage, backends...)
	require.NoError(t, err)
	return g, usage, clk
}

func TestGatewaySubstitutesOnRateLimit(t *testing.T) {
	primary := &fakeBackend{name: "gemini-2.5-flash", errs: []error{rateLimited("gemini-2.5-flash")}}
	secondary := &fakeBackend{name: "gemini-2.5-flash-lite"}
	g, usage, clk := newTestGateway(t, primary, secondary)

	text, err := g.GenerateText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "answer from gemini-2.5-flash-lite", text)

	snap := usage.Snapshot([]string{"gemini-2.5-flash", "gemini-2.5-flash-lite"})
	first := snap["gemini-2.5-flash"]
	assert.True(t, first.RateLimited)
	assert.Equal(t, clk.t.Add(15*time.Minute), first.RateLimitedUntil)
	assert.Equal(t, 1, first.Requests)
	assert.Equal(t, 1, snap["gemini-2.5-flash-lite"].Requests)

	// The cooling model is skipped without a call.
	_, err = g.GenerateText(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 2, secondary.Calls())
}

func TestGatewayCooldownExpiresLazily(t *testing.T) {
	primary := &fakeBackend{name: "a", errs: []error{rateLimited("a")}}
	secondary := &fakeBackend{name: "b"}
	g, usage, clk := newTestGateway(t, primary, secondary)

	_, err := g.GenerateText(context.Background(), "q")
	require.NoError(t, err)

	clk.t = clk.t.Add(15 * time.Minute)
	text, err := g.GenerateText(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "answer from a", text)
	assert.False(t, usage.Snapshot([]string{"a"})["a"].RateLimited)
}

func TestGatewayAllModelsUnavailable(t *testing.T) {
	a := &fakeBackend{name: "a"}
	b := &fakeBackend{name: "b"}
	g, usage, clk := newTestGateway(t, a, b)

	usage.MarkUnavailable("a", 10*time.Minute)
	usage.MarkUnavailable("b", 4*time.Minute)
	clk.t = clk.t.Add(time.Minute)

	_, err := g.GenerateText(context.Background(), "q")
	var all *AllModelsUnavailableError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, 3*time.Minute, all.RetryAfter)
	assert.True(t, IsExhausted(err))
	assert.Zero(t, a.Calls()+b.Calls())
}

func TestGatewayBothRateLimitedInOneCall(t *testing.T) {
	a := &fakeBackend{name: "a", errs: []error{rateLimited("a")}}
	b := &fakeBackend{name: "b", errs: []error{&BackendError{Model: "b", Kind: KindUnavailable, Status: 503, Err: errors.New("down")}}}
	g, _, _ := newTestGateway(t, a, b)

	_, err := g.GenerateText(context.Background(), "q")
	var all *AllModelsUnavailableError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, 15*time.Minute, all.RetryAfter)
}

func TestGatewayPinnedModelPropagates(t *testing.T) {
	a := &fakeBackend{name: "a", errs: []error{&BackendError{Model: "a", Kind: KindRateLimited, Status: 429, RetryAfter: 42 * time.Second, Err: errors.New("slow down")}}}
	b := &fakeBackend{name: "b"}
	g, usage, _ := newTestGateway(t, a, b)

	_, err := g.GenerateText(context.Background(), "q", WithModel("a"))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 42*time.Second, rl.RetryAfter)
	assert.Zero(t, b.Calls())
	assert.True(t, usage.Snapshot([]string{"a"})["a"].RateLimited)

	_, err = g.GenerateText(context.Background(), "q", WithModel("a"))
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 15*time.Minute, rl.RetryAfter)
}

func TestGatewayPinnedUnavailable(t *testing.T) {
	a := &fakeBackend{name: "a", errs: []error{&BackendError{Model: "a", Kind: KindUnavailable, Status: 503, Err: errors.New("overloaded")}}}
	g, _, _ := newTestGateway(t, a)

	_, err := g.GenerateText(context.Background(), "q", WithModel("a"))
	var su *ServiceUnavailableError
	require.ErrorAs(t, err, &su)
	assert.Equal(t, DefaultUnavailableRetry, su.RetryAfter)
}

func TestGatewaySkipsUnsupportedTools(t *testing.T) {
	a := &fakeBackend{name: "local", errs: []error{&BackendError{Model: "local", Kind: KindUnsupportedTools, Status: 400, Err: errors.New("incompatible tool format")}}}
	b := &fakeBackend{name: "b", resp: &Response{ToolCalls: []ToolCall{{Name: "t", Args: []byte(`{"x":1}`)}}}}
	g, usage, _ := newTestGateway(t, a, b)

	resp, err := g.GenerateWithTools(context.Background(), "q", []Tool{{Name: "t", Parameters: Object(nil)}})
	require.NoError(t, err)
	call, ok := resp.FirstCall()
	require.True(t, ok)
	assert.Equal(t, "t", call.Name)
	assert.Equal(t, "b", resp.Model)
	assert.False(t, usage.Snapshot([]string{"local"})["local"].RateLimited)
}

func TestGatewayRetriesTransientOnSameModel(t *testing.T) {
	a := &fakeBackend{name: "a", errs: []error{&BackendError{Model: "a", Kind: KindTransient, Status: 502, Err: errors.New("bad gateway")}}}
	g, usage, _ := newTestGateway(t, a)

	text, err := g.GenerateText(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "answer from a", text)
	assert.Equal(t, 2, a.Calls())
	assert.Equal(t, 2, usage.Snapshot([]string{"a"})["a"].Requests)
}

func TestGatewayOtherErrorsPropagate(t *testing.T) {
	bad := errors.New("invalid request")
	a := &fakeBackend{name: "a", errs: []error{&BackendError{Model: "a", Kind: KindOther, Status: 400, Err: bad}}}
	b := &fakeBackend{name: "b"}
	g, _, _ := newTestGateway(t, a, b)

	_, err := g.GenerateText(context.Background(), "q")
	require.ErrorIs(t, err, bad)
	assert.False(t, IsExhausted(err))
	assert.Zero(t, b.Calls())
}

func TestGatewayUnknownPriority(t *testing.T) {
	_, err := NewGateway(GatewayConfig{Priority: []string{"missing"}}, nil, &fakeBackend{name: "a"})
	assert.Error(t, err)
}

func TestGatewayStatus(t *testing.T) {
	a := &fakeBackend{name: "a", errs: []error{rateLimited("a")}}
	b := &fakeBackend{name: "b"}
	g, _, _ := newTestGateway(t, a, b)

	_, err := g.GenerateText(context.Background(), "q")
	require.NoError(t, err)

	status := g.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].Name)
	assert.False(t, status[0].Available)
	assert.Equal(t, 15*time.Minute, status[0].CooldownRemaining)
	assert.True(t, status[1].Available)
	assert.Equal(t, 1, status[1].Requests)
}

func TestUsageTablePersistsAcrossRestart(t *testing.T) {
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)

	first := NewUsageTable(store)
	first.RecordRequest("a")
	until := first.MarkUnavailable("a", 15*time.Minute)

	second := NewUsageTable(store)
	require.NoError(t, second.Load(context.Background()))
	ok, wait := second.Available("a")
	assert.False(t, ok)
	assert.InDelta(t, time.Until(until).Seconds(), wait.Seconds(), 2)
	assert.Equal(t, 1, second.Snapshot([]string{"a"})["a"].Requests)
}

func TestUsageTableConcurrentUpdates(t *testing.T) {
	usage := NewUsageTable(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			usage.RecordRequest("a")
		}()
		go func() {
			defer wg.Done()
			_, _ = usage.Select([]string{"a", "b"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, usage.Snapshot([]string{"a"})["a"].Requests)
}

func TestParseRetryDelay(t *testing.T) {
	cases := map[string]time.Duration{
		`{"retryDelay": "37s"}`:                       37 * time.Second,
		"Rate limit reached. Please try again in 20s": 20 * time.Second,
		"please try again in 1.5m":                    90 * time.Second,
		"Retry-After: 120":                            120 * time.Second,
		"quota exceeded":                              0,
	}
	for msg, want := range cases {
		assert.Equal(t, want, parseRetryDelay(msg), msg)
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindRateLimited, classifyStatus("m", 429, "", nil).Kind)
	assert.Equal(t, KindRateLimited, classifyStatus("m", 400, "RESOURCE_EXHAUSTED", nil).Kind)
	assert.Equal(t, KindUnavailable, classifyStatus("m", 503, "", nil).Kind)
	assert.Equal(t, KindTransient, classifyStatus("m", 502, "", nil).Kind)
	assert.Equal(t, KindUnsupportedTools, classifyStatus("m", 400, "This model does not support tools", nil).Kind)
	assert.Equal(t, KindOther, classifyStatus("m", 401, "bad key", nil).Kind)
}
