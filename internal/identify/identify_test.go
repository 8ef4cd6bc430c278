package identify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/yomibot/backend/internal/catalog"
	"github.com/yomibot/backend/internal/llm"
)

type fakeGen struct {
	mu         sync.Mutex
	prompts    []string
	toolResp   *llm.Response
	toolErr    error
	imageText  string
	imageErr   error
	imageCalls int
}

func (f *fakeGen) GenerateWithTools(ctx context.Context, prompt string, tools []llm.Tool, opts ...llm.Option) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.toolResp, f.toolErr
}

func (f *fakeGen) GenerateWithImages(ctx context.Context, prompt string, images []llm.Image, opts ...llm.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCalls++
	return f.imageText, f.imageErr
}

type fakeImages struct{ n int }

func (f fakeImages) Load(ctx context.Context, urls []string) []llm.Image {
	return make([]llm.Image, f.n)
}

func toolResponse(t *testing.T, name string, args any) *llm.Response {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &llm.Response{Model: "fake", ToolCalls: []llm.ToolCall{{Name: name, Args: raw}}}
}

func TestIdentifyWikiOnly(t *testing.T) {
	gen := &fakeGen{toolResp: toolResponse(t, IdentificationTool.Name, map[string]any{
		"mentioned_players": []string{},
		"wiki_pages":        []string{"Vorkath"},
		"metrics":           []string{},
		"search_queries":    []string{},
	})}

	res, err := New(gen, nil).Identify(context.Background(), Input{Query: "What's the best gear for Vorkath?"})
	require.NoError(t, err)
	assert.Empty(t, res.MentionedPlayers)
	assert.Equal(t, []string{"Vorkath"}, res.WikiPages)
	assert.Empty(t, res.Metrics)
	assert.Equal(t, ScopeNone, res.Scope)
}

func TestIdentifyPlayersClearMetrics(t *testing.T) {
	gen := &fakeGen{toolResp: toolResponse(t, IdentificationTool.Name, map[string]any{
		"mentioned_players": []string{"alice", "Bob", "ALICE"},
		"wiki_pages":        []string{},
		"metrics":           []string{"slayer"},
		"search_queries":    []string{},
	})}

	res, err := New(gen, nil).Identify(context.Background(), Input{
		Query:     "Compare my Slayer level to Bob's",
		Members:   []string{"Alice", "Bob", "Carol"},
		Requester: "Alice",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, res.MentionedPlayers)
	assert.Empty(t, res.Metrics)
	assert.Equal(t, ScopeSpecific, res.Scope)
	assert.Contains(t, gen.prompts[0], "REQUESTER NAME: Alice")
	assert.Contains(t, gen.prompts[0], "Alice, Bob, Carol")
}

func TestIdentifyClanMetrics(t *testing.T) {
	gen := &fakeGen{toolResp: toolResponse(t, IdentificationTool.Name, map[string]any{
		"mentioned_players": []string{},
		"wiki_pages":        []string{"Dizana's quiver"},
		"metrics":           []string{"sol_heredit", "not_a_metric", "cox"},
		"search_queries":    []string{"a", "b", "c", "d"},
	})}

	res, err := New(gen, nil).Identify(context.Background(), Input{Query: "who has a quiver"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sol_heredit", "chambers_of_xeric"}, res.Metrics)
	assert.Equal(t, ScopeAll, res.Scope)
	assert.Equal(t, []string{"Dizana's_quiver"}, res.WikiPages)
	assert.Len(t, res.SearchQueries, MaxQueries)
}

func TestIdentifyDegradesToDefault(t *testing.T) {
	cases := map[string]*fakeGen{
		"no tool call": {toolResp: &llm.Response{Text: "sure"}},
		"wrong tool":   {toolResp: &llm.Response{ToolCalls: []llm.ToolCall{{Name: "other", Args: json.RawMessage(`{}`)}}}},
		"bad json":     {toolResp: &llm.Response{ToolCalls: []llm.ToolCall{{Name: IdentificationTool.Name, Args: json.RawMessage(`{"wiki_pages": 3`)}}}},
		"plain error":  {toolErr: errors.New("boom")},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := New(gen, nil).Identify(context.Background(), Input{Query: "hi"})
			require.NoError(t, err)
			assert.Equal(t, ScopeNone, res.Scope)
			assert.Empty(t, res.WikiPages)
			assert.Empty(t, res.MentionedPlayers)
		})
	}
}

func TestIdentifyPropagatesExhaustion(t *testing.T) {
	gen := &fakeGen{toolErr: &llm.AllModelsUnavailableError{RetryAfter: 3 * time.Minute}}
	_, err := New(gen, nil).Identify(context.Background(), Input{Query: "hi"})

	var all *llm.AllModelsUnavailableError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, 3*time.Minute, all.RetryAfter)
}

func TestIdentifyAppendsImageEntities(t *testing.T) {
	gen := &fakeGen{
		imageText: "Dragon_scimitar, Abyssal whip,not a page!",
		toolResp: toolResponse(t, IdentificationTool.Name, map[string]any{
			"wiki_pages": []string{"Dragon_scimitar"},
		}),
	}

	res, err := New(gen, fakeImages{n: 1}).Identify(context.Background(), Input{
		Query:     "what is this?",
		ImageURLs: []string{"https://cdn.example.com/a.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Dragon_scimitar", "Abyssal_whip"}, res.ImageEntities)
	assert.Contains(t, gen.prompts[0], "what is this?\nItems in images: Dragon_scimitar, Abyssal_whip")
	assert.Contains(t, gen.prompts[0], "IMAGE CONTEXT")
}

func TestIdentifySkipsImageCallWithoutImages(t *testing.T) {
	gen := &fakeGen{toolResp: toolResponse(t, IdentificationTool.Name, map[string]any{})}
	_, err := New(gen, fakeImages{n: 0}).Identify(context.Background(), Input{
		Query:     "what is this?",
		ImageURLs: []string{"https://cdn.example.com/a.txt"},
	})
	require.NoError(t, err)
	assert.Zero(t, gen.imageCalls)
}

func TestScopeInvariant(t *testing.T) {
	names := []string{"Alice", "Bob", "Carol", "Zezima", ""}
	metricPool := append(catalog.All()[:20], "nonsense", "cox", "tob")
	pages := []string{"Vorkath", "Dragon scimitar", "Bad/Page", "Chest_(Tombs_of_Amascut)", ""}

	rapid.Check(t, func(t *rapid.T) {
		raw := &Result{
			MentionedPlayers: rapid.SliceOfN(rapid.SampledFrom(names), 0, 14).Draw(t, "players"),
			Metrics:          rapid.SliceOfN(rapid.SampledFrom(metricPool), 0, 6).Draw(t, "metrics"),
			WikiPages:        rapid.SliceOfN(rapid.SampledFrom(pages), 0, 14).Draw(t, "pages"),
		}
		res := Sanitize(raw, names)

		if len(res.MentionedPlayers) > 0 && len(res.Metrics) > 0 {
			t.Fatalf("players %v with metrics %v", res.MentionedPlayers, res.Metrics)
		}
		if res.Scope != DeriveScope(res.MentionedPlayers, res.Metrics) {
			t.Fatalf("scope %s does not match derived scope", res.Scope)
		}
		if len(res.MentionedPlayers) > MaxPlayers || len(res.WikiPages) > MaxPages {
			t.Fatalf("limits exceeded: %d players, %d pages", len(res.MentionedPlayers), len(res.WikiPages))
		}
		for _, m := range res.Metrics {
			if !catalog.IsMetric(m) {
				t.Fatalf("metric %q is not in the catalog", m)
			}
		}
		for _, p := range res.WikiPages {
			if pageTitle(p) != p {
				t.Fatalf("page %q is not canonical", p)
			}
		}
	})
}

func TestDeriveScope(t *testing.T) {
	assert.Equal(t, ScopeSpecific, DeriveScope([]string{"a"}, []string{"vorkath"}))
	assert.Equal(t, ScopeAll, DeriveScope(nil, []string{"vorkath"}))
	assert.Equal(t, ScopeNone, DeriveScope(nil, nil))
}

func TestClassify(t *testing.T) {
	gen := &fakeGen{toolResp: toolResponse(t, ClassifyTool.Name, map[string]any{
		"is_prohibited": false, "is_player_only": false, "needs_web_search": false,
	})}
	id := New(gen, nil)

	ok, err := id.Sufficient(context.Background(), "Vorkath weakness", "Vorkath is weak to stab.")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = id.Sufficient(context.Background(), "Vorkath weakness", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, gen.prompts, 1, "empty wiki content skips the model call")

	gen.toolResp = &llm.Response{}
	ok, err = id.Sufficient(context.Background(), "Vorkath weakness", "text")
	require.NoError(t, err)
	assert.False(t, ok, "no tool call requests a web search")

	gen.toolErr = &llm.RateLimitedError{Model: "m", RetryAfter: time.Hour}
	_, err = id.Sufficient(context.Background(), "Vorkath weakness", "text")
	assert.True(t, llm.IsExhausted(err))
}

func TestImageFetcher(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.png":
			_, _ = w.Write(png)
		case "/note.txt":
			_, _ = w.Write([]byte("just text"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	images := NewImageFetcher(srv.Client()).Load(context.Background(), []string{
		srv.URL + "/a.png", srv.URL + "/note.txt", srv.URL + "/missing.png",
	})
	require.Len(t, images, 1)
	assert.Equal(t, "image/png", images[0].MIMEType)
	assert.Equal(t, png, images[0].Data)
}

func TestParseEntities(t *testing.T) {
	assert.Equal(t, []string{"Dragon_scimitar", "Lumbridge_Castle"},
		ParseEntities(`"Dragon_scimitar, Lumbridge Castle, dragon_scimitar"`))
	assert.Empty(t, ParseEntities("I cannot see any items."))
	assert.Equal(t, []string{"Tumeken's_shadow", "TzKal-Zuk"}, ParseEntities("Tumeken's shadow, TzKal-Zuk"))
}

func TestSanitizeKeepsWikiTitles(t *testing.T) {
	res := Sanitize(&Result{WikiPages: []string{
		"Kree'arra", "TzKal-Zuk", "Vorkath", "Dharok's greataxe",
		"Chambers_of_Xeric/Strategies", "dragon scimitar", "  ", "Bad|Page", "Null\x00byte",
		strings.Repeat("a", maxPageName+1),
	}}, nil)

	assert.Equal(t, []string{
		"Kree'arra", "TzKal-Zuk", "Vorkath", "Dharok's_greataxe",
		"Chambers_of_Xeric/Strategies", "Dragon_scimitar",
	}, res.WikiPages)
}
