package wom

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yomibot/backend/internal/cache"
)

const aliceJSON = `{
	"id": 1, "username": "alice", "displayName": "Alice", "type": "ironman",
	"combatLevel": 110, "exp": 123456789,
	"updatedAt": "2026-03-01T10:00:00Z", "lastChangedAt": "2026-03-01T09:00:00Z",
	"latestSnapshot": {"data": {
		"skills": {
			"overall": {"metric": "overall", "level": 1800, "experience": 123456789},
			"slayer": {"metric": "slayer", "level": 91, "experience": 6000000},
			"sailing": {"metric": "sailing", "level": -1, "experience": -1}
		},
		"activities": {"clue_scrolls_all": {"score": -1}},
		"bosses": {
			"vorkath": {"kills": 250},
			"chambers_of_xeric_challenge_mode": {"kills": 12},
			"zulrah": {"kills": -1}
		}
	}}
}`

type womServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
	fail atomic.Bool
}

func newWOMServer(t *testing.T) *womServer {
	t.Helper()
	s := &womServer{hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()

		if s.fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))

		switch {
		case r.URL.Path == "/groups/3773":
			_, _ = io.WriteString(w, `{"memberships": [
				{"role": "member", "player": {"displayName": "Alice", "type": "ironman",
					"updatedAt": "2026-03-01T10:00:00Z", "lastChangedAt": "2026-03-01T09:00:00Z"}},
				{"role": "member", "player": {"displayName": "Bob", "type": "regular"}}
			]}`)
		case r.URL.Path == "/groups/3773/hiscores":
			assert.Equal(t, "500", r.URL.Query().Get("limit"))
			switch r.URL.Query().Get("metric") {
			case "slayer":
				_, _ = io.WriteString(w, `[
					{"player": {"displayName": "Bob"}, "data": {"level": -1, "experience": -1}},
					{"player": {"displayName": "Alice"}, "data": {"level": 91, "experience": 6000000}}
				]`)
			case "vorkath":
				_, _ = io.WriteString(w, `[
					{"player": {"displayName": "Bob"}, "data": {"kills": 10}},
					{"player": {"displayName": "Alice"}, "data": {"kills": 250}},
					{"player": {"displayName": "Carl"}, "data": {"kills": -1}}
				]`)
			}
		case r.URL.Path == "/players/Alice":
			_, _ = io.WriteString(w, aliceJSON)
		case r.URL.Path == "/players/Bob":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *womServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newTestClient(t *testing.T, srv *womServer) *Client {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewClient(Config{
		BaseURL: srv.URL,
		GroupID: 3773,
		APIKey:  "secret",
	}, srv.Client(), store)
}

func TestPlayerNormalizesSentinels(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)

	p, err := c.Player(context.Background(), "Alice", nil)
	require.NoError(t, err)
	data := p.LatestSnapshot.Data
	assert.Equal(t, 1, data.Skills["sailing"].Level)
	assert.Equal(t, int64(0), data.Skills["sailing"].Experience)
	assert.Equal(t, 0, data.Bosses["zulrah"].Kills)
	assert.Equal(t, 0, data.Activities["clue_scrolls_all"].Score)
	assert.Equal(t, 250, data.Bosses["vorkath"].Kills)
}

func TestPlayerCacheHitSkipsHTTP(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.Player(ctx, "Alice", nil)
	require.NoError(t, err)
	_, err = c.Player(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Hits("/players/Alice"))
}

func TestPlayerCacheValidatedByRoster(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.Player(ctx, "Alice", nil)
	require.NoError(t, err)

	// Past the TTL, but the roster shows no newer update.
	c.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	roster, err := c.Roster(ctx)
	require.NoError(t, err)
	_, err = c.Player(ctx, "Alice", FindMember(roster, "alice"))
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Hits("/players/Alice"))

	// A newer roster timestamp forces a refetch.
	member := *FindMember(roster, "Alice")
	newer := member.Player.UpdatedAt.Add(time.Hour)
	member.Player.UpdatedAt = &newer
	_, err = c.Player(ctx, "Alice", &member)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Hits("/players/Alice"))
}

func TestPlayerNotFound(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)

	p, err := c.Player(context.Background(), "ghost", nil)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestPlayerStaleFallback(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	_, err := c.Player(ctx, "Alice", nil)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	srv.fail.Store(true)
	p, err := c.Player(ctx, "Alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
}

func TestPlayersPartialFailure(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)

	players := c.Players(context.Background(), []string{"Alice", "Bob"}, nil)
	require.Len(t, players, 2)
	require.NotNil(t, players[0])
	assert.Equal(t, "Alice", players[0].DisplayName)
	assert.Nil(t, players[1])
}

func TestRosterStaleFallback(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	roster, err := c.Roster(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, Names(roster))

	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	srv.fail.Store(true)
	roster, err = c.Roster(ctx)
	require.NoError(t, err)
	assert.Len(t, roster, 2)
	assert.Equal(t, 2, srv.Hits("/groups/3773"))
}

func TestHiscoresSortedAndNormalized(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	slayer, err := c.Hiscores(ctx, "slayer")
	require.NoError(t, err)
	assert.Equal(t, []HiscoreEntry{{Name: "Alice", Value: 91}, {Name: "Bob", Value: 1}}, slayer)

	vork, err := c.Hiscores(ctx, "vorkath")
	require.NoError(t, err)
	assert.Equal(t, []HiscoreEntry{{"Alice", 250}, {"Bob", 10}, {"Carl", 0}}, vork)

	_, err = c.Hiscores(ctx, "vorkath")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Hits("/groups/3773/hiscores"))

	_, err = c.Hiscores(ctx, "not_a_metric")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestFormatPlayer(t *testing.T) {
	srv := newWOMServer(t)
	c := newTestClient(t, srv)

	p, err := c.Player(context.Background(), "Alice", nil)
	require.NoError(t, err)

	text, ok := FormatPlayer(p, c.PlayerURL("Alice"))
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(text, "Source URL: https://wiseoldman.net/players/alice\n\nPlayer: Alice\n"))
	assert.Contains(t, text, "Account type: Ironman")
	assert.Contains(t, text, "Combat Level: 110")
	assert.Contains(t, text, "===== SKILL LEVELS =====")
	assert.Contains(t, text, fmt.Sprintf("%-15s %-10d %-15d", "Slayer", 91, 6000000))
	assert.Contains(t, text, fmt.Sprintf("%-15s %-10d %-15d", "Sailing", 1, 0))
	assert.Contains(t, text, "Chambers Of Xeric (CM)")
	assert.Less(t, strings.Index(text, "Overall"), strings.Index(text, "Slayer"))

	_, ok = FormatPlayer(&Player{DisplayName: "x"}, "u")
	assert.False(t, ok)
}

func TestFormatMetrics(t *testing.T) {
	roster := []Membership{
		{Player: Player{DisplayName: "Alice", Type: "hardcore"}},
		{Player: Player{DisplayName: "Bob", Type: "regular"}},
	}
	text := FormatMetrics([]MetricBoard{
		{Metric: "slayer", Entries: []HiscoreEntry{{"Alice", 99}, {"Bob", 80}}},
		{Metric: "the_corrupted_gauntlet", Entries: []HiscoreEntry{{"bob", 5}}},
	}, roster)

	assert.Equal(t, "CLAN METRICS FOR 2 MEMBERS\n\n**Slayer**\n"+
		"1. (Hardcore Ironman) Alice: Level 99\n"+
		"2. (Main) Bob: Level 80\n\n"+
		"**Corrupted Gauntlet**\n"+
		"1. (Main) bob: 5 KC", text)

	assert.Equal(t, "No metrics data available.", FormatMetrics(nil, nil))
}

func TestURLs(t *testing.T) {
	c := NewClient(Config{GroupID: 3773}, http.DefaultClient, nil)
	assert.Equal(t, "https://wiseoldman.net/players/iron_man_btw", c.PlayerURL("Iron Man BTW"))
	assert.Equal(t, "https://wiseoldman.net/groups/3773/hiscores?metric=vorkath", c.HiscoresURL("vorkath"))
}
