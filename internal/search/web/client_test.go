package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/yomibot/backend/internal/cache"
)

type searchServer struct {
	*httptest.Server
	searches  atomic.Int32
	pages     atomic.Int32
	throttled atomic.Int32
	mu        sync.Mutex
	query     string
}

func newSearchServer(t *testing.T) *searchServer {
	t.Helper()
	s := &searchServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		s.searches.Add(1)
		if s.throttled.Load() > 0 {
			s.throttled.Add(-1)
			w.Header().Set("X-RateLimit-Reset", "2, 1000")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		s.mu.Lock()
		s.query = r.URL.Query().Get("q")
		s.mu.Unlock()

		base := "http://" + r.Host
		fmt.Fprintf(w, `{"web": {"results": [
			{"title": "Vorkath guide", "url": "%[1]s/page/guide"},
			{"title": "Vorkath - OSRS Wiki", "url": "https://oldschool.runescape.wiki/w/Vorkath"},
			{"title": "Fandom", "url": "https://runescape.fandom.com/wiki/Vorkath"},
			{"title": "RS3 wiki", "url": "https://runescape.wiki/w/Vorkath"},
			{"title": "Empty", "url": "%[1]s/page/empty"},
			{"title": "Broken", "url": "%[1]s/page/missing"},
			{"title": "Gold", "url": "https://www.g2g.com/osrs-gold"}
		]}}`, base)
	})
	mux.HandleFunc("/page/guide", func(w http.ResponseWriter, r *http.Request) {
		s.pages.Add(1)
		fmt.Fprint(w, `<html><head><style>p{}</style><script>var x;</script></head>
			<body><h1>Vorkath</h1><p>Use   ranged.</p><noscript>enable js</noscript></body></html>`)
	})
	mux.HandleFunc("/page/empty", func(w http.ResponseWriter, r *http.Request) {
		s.pages.Add(1)
		fmt.Fprint(w, `<html><body><script>only()</script></body></html>`)
	})
	mux.HandleFunc("/page/missing", func(w http.ResponseWriter, r *http.Request) {
		s.pages.Add(1)
		http.NotFound(w, r)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *searchServer) lastQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

func newTestClient(t *testing.T, srv *searchServer) *Client {
	t.Helper()
	SetMinInterval(0)
	t.Cleanup(func() { SetMinInterval(time.Second) })

	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := NewClient(Config{
		Endpoint:  srv.URL + "/search",
		APIKey:    "key",
		UserAgent: "test",
	}, srv.Client(), store)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestSearchFiltersAndExtracts(t *testing.T) {
	srv := newSearchServer(t)
	c := newTestClient(t, srv)

	results := c.Search(context.Background(), "vorkath")
	require.Len(t, results, 2)
	assert.Equal(t, "Vorkath guide", results[0].Title)
	assert.Equal(t, "Vorkath\nUse ranged.", results[0].Content)
	assert.Equal(t, "osrs vorkath", srv.lastQuery())
	assert.Equal(t, int32(3), srv.pages.Load())
}

type hostRecorder struct {
	next  http.RoundTripper
	mu    sync.Mutex
	hosts []string
}

func (h *hostRecorder) RoundTrip(r *http.Request) (*http.Response, error) {
	h.mu.Lock()
	h.hosts = append(h.hosts, r.URL.Hostname())
	h.mu.Unlock()
	return h.next.RoundTrip(r)
}

func TestSearchLeavesWikiHitsUnfetched(t *testing.T) {
	srv := newSearchServer(t)
	c := newTestClient(t, srv)
	rec := &hostRecorder{next: srv.Client().Transport}
	c.http = &http.Client{Transport: rec}

	results := c.Search(context.Background(), "vorkath")

	require.Len(t, results, 2)
	assert.Equal(t, Result{Title: "Vorkath - OSRS Wiki", URL: "https://oldschool.runescape.wiki/w/Vorkath"}, results[1])
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NotContains(t, rec.hosts, "oldschool.runescape.wiki")
	assert.Equal(t, int32(3), srv.pages.Load())
}

func TestIsWikiURL(t *testing.T) {
	assert.True(t, IsWikiURL("https://oldschool.runescape.wiki/w/Vorkath"))
	assert.True(t, IsWikiURL("https://OldSchool.RuneScape.wiki/w/Zulrah"))
	assert.False(t, IsWikiURL("https://prices.runescape.wiki/osrs/item/4151"))
	assert.False(t, IsWikiURL("https://www.reddit.com/r/2007scape"))
}

func TestSearchCached(t *testing.T) {
	srv := newSearchServer(t)
	c := newTestClient(t, srv)

	first := c.Search(context.Background(), "Vorkath")
	second := c.Search(context.Background(), "vorkath")
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), srv.searches.Load())
}

func TestSearchExpiredCacheRefetches(t *testing.T) {
	srv := newSearchServer(t)
	c := newTestClient(t, srv)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Search(context.Background(), "vorkath")
	now = now.Add(25 * time.Hour)
	c.Search(context.Background(), "vorkath")
	assert.Equal(t, int32(2), srv.searches.Load())
}

func TestSearchHonoursRateLimitReset(t *testing.T) {
	srv := newSearchServer(t)
	c := newTestClient(t, srv)
	srv.throttled.Store(2)

	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	results := c.Search(context.Background(), "vorkath")
	assert.Len(t, results, 1)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, waits)
	assert.Equal(t, int32(3), srv.searches.Load())
}

func TestSearchGivesUpAfterRetries(t *testing.T) {
	srv := newSearchServer(t)
	c := newTestClient(t, srv)
	srv.throttled.Store(10)

	assert.Empty(t, c.Search(context.Background(), "vorkath"))
	assert.Equal(t, int32(3), srv.searches.Load())
}

func TestSearchDisabledWithoutKey(t *testing.T) {
	srv := newSearchServer(t)
	c := newTestClient(t, srv)
	c.cfg.APIKey = ""

	assert.Empty(t, c.Search(context.Background(), "vorkath"))
	assert.Zero(t, srv.searches.Load())
}

func TestResetHint(t *testing.T) {
	c := NewClient(Config{}, http.DefaultClient, nil)
	assert.Equal(t, 3*time.Second, c.resetHint("3, 86400"))
	assert.Equal(t, 5*time.Second, c.resetHint(""))
	assert.Equal(t, 5*time.Second, c.resetHint("soon"))
	assert.Equal(t, 30*time.Second, c.resetHint("600"))
	assert.Equal(t, time.Second, c.resetHint("0"))
}

func TestSharedGateSpacesRequests(t *testing.T) {
	SetMinInterval(50 * time.Millisecond)
	t.Cleanup(func() { SetMinInterval(time.Second) })

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, waitGate(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestAllowed(t *testing.T) {
	cases := map[string]bool{
		"https://oldschool.runescape.wiki/w/Vorkath":      true,
		"https://prices.runescape.wiki/osrs/item/4151":    true,
		"https://runescape.wiki/w/Vorkath":                false,
		"https://secure.runescape.wiki/w/Vorkath":         false,
		"https://runescape.fandom.com/wiki/Vorkath":       false,
		"https://www.reddit.com/r/2007scape/comments/abc": true,
		"https://www.playerauctions.com/osrs-gold/":       false,
		"https://dreambot.org/forums/":                    false,
		"not a url":                                       false,
	}
	for raw, want := range cases {
		assert.Equal(t, want, Allowed(raw), raw)
	}
}

func TestAllowedProperties(t *testing.T) {
	hosts := []string{
		"oldschool.runescape.wiki", "prices.runescape.wiki", "runescape.wiki",
		"secure.runescape.wiki", "runescape.fandom.com", "www.reddit.com",
		"www.g2g.com", "osbot.org", "example.com",
	}
	rapid.Check(t, func(t *rapid.T) {
		host := rapid.SampledFrom(hosts).Draw(t, "host")
		path := rapid.StringMatching(`[a-zA-Z0-9_/]{0,20}`).Draw(t, "path")
		raw := "https://" + host + "/" + path

		if !Allowed(raw) {
			return
		}
		lower := strings.ToLower(raw)
		for _, b := range Blocklist {
			if strings.Contains(lower, b) {
				t.Fatalf("%s passed the filter but contains %q", raw, b)
			}
		}
		if strings.HasSuffix(host, wikiDomain) {
			found := false
			for _, a := range WikiAllowlist {
				found = found || a == host
			}
			if !found {
				t.Fatalf("%s is a wiki URL outside the allowlist", raw)
			}
		}
	})
}

func TestTruncate(t *testing.T) {
	short := "Vorkath is a dragon."
	assert.Equal(t, short, Truncate(short, 2000))

	long := strings.Repeat("Vorkath breathes fire at the player. ", 100)
	out := Truncate(long, 200)
	assert.True(t, strings.HasSuffix(out, truncatedMarker))
	body := strings.TrimSuffix(out, truncatedMarker)
	assert.LessOrEqual(t, len(body), 200)
	assert.True(t, strings.HasSuffix(body, "player."), body)

	runes := strings.Repeat("é", 50)
	assert.True(t, strings.HasSuffix(Truncate(runes, 11), truncatedMarker))
}

func TestFormatResults(t *testing.T) {
	assert.Equal(t, "No search results found.", FormatResults(nil))

	out := FormatResults([]Result{{Title: "Guide", URL: "https://example.com/g", Content: "Use ranged."}})
	assert.Contains(t, out, "=== WEB SEARCH RESULTS ===")
	assert.Contains(t, out, "--- RESULT 1: Guide ---\nSource: https://example.com/g\n\nUse ranged.")
	assert.Contains(t, out, strings.Repeat("=", 50))
}
