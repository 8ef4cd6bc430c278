package wom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/yomibot/backend/internal/cache"
	"github.com/yomibot/backend/internal/catalog"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/circuitbreaker"
	"github.com/yomibot/backend/pkg/logger"
)

var (
	errNotFound       = errors.New("not found")
	ErrPlayerNotFound = errors.New("player not found")
	ErrUnknownMetric  = errors.New("unknown metric")
)

type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wise old man %s: status %d", e.Path, e.Status)
}

type Config struct {
	BaseURL   string
	SiteURL   string
	GroupID   int
	APIKey    string
	UserAgent string
	PlayerTTL time.Duration
	RosterTTL time.Duration
	MetricTTL time.Duration
}

type Client struct {
	cfg   Config
	http  *http.Client
	store cache.Store
	cb    *circuitbreaker.CircuitBreaker
	sf    singleflight.Group
	now   func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, store cache.Store) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.wiseoldman.net/v2"
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = "https://wiseoldman.net"
	}
	if cfg.PlayerTTL <= 0 {
		cfg.PlayerTTL = time.Hour
	}
	if cfg.RosterTTL <= 0 {
		cfg.RosterTTL = 15 * time.Minute
	}
	if cfg.MetricTTL <= 0 {
		cfg.MetricTTL = 15 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")

	cb := circuitbreaker.NewCircuitBreaker("wom", circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errNotFound)
		},
		Logger: logger.GetLogger(),
	})

	return &Client{cfg: cfg, http: httpClient, store: store, cb: cb, now: time.Now}
}

func (c *Client) PlayerURL(name string) string {
	return c.cfg.SiteURL + "/players/" + cacheName(name)
}

func (c *Client) HiscoresURL(metric string) string {
	return fmt.Sprintf("%s/groups/%d/hiscores?metric=%s", c.cfg.SiteURL, c.cfg.GroupID, metric)
}

// cacheName is the lowercased, underscored player name used for cache keys
// and profile URLs.
func cacheName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	start := time.Now()
	err := c.cb.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", c.cfg.UserAgent)
		}
		if c.cfg.APIKey != "" {
			req.Header.Set("x-api-key", c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to call wise old man: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return errNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{Path: path, Status: resp.StatusCode}
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return nil
	})

	metrics.FetchDuration.WithLabelValues("wom").Observe(time.Since(start).Seconds())
	outcome := "ok"
	switch {
	case errors.Is(err, errNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	metrics.FetchOutcomes.WithLabelValues("wom", outcome).Inc()
	return err
}

// Roster returns the clan memberships, cached for RosterTTL. A stale cache
// is served when the API fails.
func (c *Client) Roster(ctx context.Context) ([]Membership, error) {
	v, err, _ := c.sf.Do("roster", func() (any, error) {
		key := fmt.Sprintf("group_%d", c.cfg.GroupID)

		var cached []Membership
		entry, ok := cache.LoadValue(ctx, c.store, cache.KindRoster, key, &cached)
		if ok && entry.Fresh(c.now(), c.cfg.RosterTTL) {
			return cached, nil
		}

		var group struct {
			Memberships []Membership `json:"memberships"`
		}
		if err := c.get(ctx, fmt.Sprintf("/groups/%d", c.cfg.GroupID), &group); err != nil {
			if ok {
				logger.Warn("Serving stale roster", zap.Error(err))
				return cached, nil
			}
			return nil, fmt.Errorf("failed to fetch roster: %w", err)
		}

		if err := cache.SaveValue(ctx, c.store, cache.KindRoster, key, c.now(), group.Memberships); err != nil {
			logger.Warn("Failed to cache roster", zap.Error(err))
		}
		logger.Debug("Roster fetched", zap.Int("members", len(group.Memberships)))
		return group.Memberships, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Membership), nil
}

// Names returns the display names of a roster, in roster order.
func Names(roster []Membership) []string {
	names := make([]string, 0, len(roster))
	for _, m := range roster {
		names = append(names, m.Player.DisplayName)
	}
	return names
}

// Player returns a player's snapshot. A cached snapshot is reused when the
// roster entry shows no newer update, otherwise while younger than
// PlayerTTL. On API failure a stale snapshot is served if one exists. An
// unknown player yields ErrPlayerNotFound and leaves the cache untouched.
func (c *Client) Player(ctx context.Context, name string, member *Membership) (*Player, error) {
	key := cacheName(name)

	v, err, _ := c.sf.Do("player:"+key, func() (any, error) {
		var cached Player
		entry, ok := cache.LoadValue(ctx, c.store, cache.KindPlayer, key, &cached)
		if ok && c.cacheUsable(entry, &cached, member) {
			logger.Debug("Player cache hit", zap.String("player", name))
			return &cached, nil
		}

		var fresh Player
		err := c.get(ctx, "/players/"+url.PathEscape(strings.ReplaceAll(name, " ", "_")), &fresh)
		if errors.Is(err, errNotFound) {
			return nil, ErrPlayerNotFound
		}
		if err != nil {
			if ok {
				logger.Warn("Serving stale player snapshot", zap.String("player", name), zap.Error(err))
				return &cached, nil
			}
			return nil, fmt.Errorf("failed to fetch player %s: %w", name, err)
		}

		if err := cache.SaveValue(ctx, c.store, cache.KindPlayer, key, c.now(), &fresh); err != nil {
			logger.Warn("Failed to cache player", zap.String("player", name), zap.Error(err))
		}
		return &fresh, nil
	})
	if err != nil {
		return nil, err
	}

	// Normalize a copy so shared singleflight results stay untouched.
	p := clonePlayer(v.(*Player))
	Normalize(p)
	return p, nil
}

func (c *Client) cacheUsable(entry *cache.Entry, cached *Player, member *Membership) bool {
	if member != nil {
		cur := member.Player
		if cur.UpdatedAt != nil && cur.LastChangedAt != nil && cached.UpdatedAt != nil && cached.LastChangedAt != nil {
			return !cur.UpdatedAt.After(*cached.UpdatedAt) && !cur.LastChangedAt.After(*cached.LastChangedAt)
		}
	}
	return entry.Fresh(c.now(), c.cfg.PlayerTTL)
}

// Players fetches names concurrently. The result is aligned with names; a
// failed or unknown player is nil and never affects the others.
func (c *Client) Players(ctx context.Context, names []string, roster []Membership) []*Player {
	out := make([]*Player, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(5)

	for i, name := range names {
		g.Go(func() error {
			p, err := c.Player(gctx, name, FindMember(roster, name))
			if err != nil {
				logger.Warn("Player fetch failed", zap.String("player", name), zap.Error(err))
				return nil
			}
			out[i] = p
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type hiscoreRow struct {
	Player struct {
		DisplayName string `json:"displayName"`
	} `json:"player"`
	Data struct {
		Kills *int64 `json:"kills"`
		Level *int64 `json:"level"`
		Score *int64 `json:"score"`
		Value *int64 `json:"value"`
	} `json:"data"`
}

// value picks the first field present in kills, level, score, value order.
func (r hiscoreRow) value() (int64, bool) {
	d := r.Data
	switch {
	case d.Kills != nil:
		return max(*d.Kills, 0), true
	case d.Level != nil:
		if *d.Level < 0 {
			return 1, true
		}
		return *d.Level, true
	case d.Score != nil:
		return max(*d.Score, 0), true
	case d.Value != nil:
		return max(*d.Value, 0), true
	}
	return 0, false
}

// Hiscores returns the clan scoreboard for one catalog metric, sorted by
// value descending and cached for MetricTTL.
func (c *Client) Hiscores(ctx context.Context, metric string) ([]HiscoreEntry, error) {
	if !catalog.IsMetric(metric) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}

	v, err, _ := c.sf.Do("metric:"+metric, func() (any, error) {
		var cached []HiscoreEntry
		entry, ok := cache.LoadValue(ctx, c.store, cache.KindMetric, metric, &cached)
		if ok && entry.Fresh(c.now(), c.cfg.MetricTTL) {
			return cached, nil
		}

		var rows []hiscoreRow
		path := fmt.Sprintf("/groups/%d/hiscores?metric=%s&limit=500", c.cfg.GroupID, url.QueryEscape(metric))
		if err := c.get(ctx, path, &rows); err != nil {
			if ok {
				logger.Warn("Serving stale hiscores", zap.String("metric", metric), zap.Error(err))
				return cached, nil
			}
			return nil, fmt.Errorf("failed to fetch hiscores for %s: %w", metric, err)
		}

		board := make([]HiscoreEntry, 0, len(rows))
		for _, r := range rows {
			if val, ok := r.value(); ok {
				board = append(board, HiscoreEntry{Name: r.Player.DisplayName, Value: val})
			}
		}
		sort.SliceStable(board, func(i, j int) bool { return board[i].Value > board[j].Value })

		if err := cache.SaveValue(ctx, c.store, cache.KindMetric, metric, c.now(), board); err != nil {
			logger.Warn("Failed to cache hiscores", zap.String("metric", metric), zap.Error(err))
		}
		return board, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]HiscoreEntry), nil
}

// Boards fetches several metrics concurrently, keeping metric order and
// dropping the ones that fail.
func (c *Client) Boards(ctx context.Context, metrics []string) []MetricBoard {
	boards := make([]*MetricBoard, len(metrics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, metric := range metrics {
		g.Go(func() error {
			entries, err := c.Hiscores(gctx, metric)
			if err != nil {
				logger.Warn("Hiscores fetch failed", zap.String("metric", metric), zap.Error(err))
				return nil
			}
			boards[i] = &MetricBoard{Metric: metric, Entries: entries}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]MetricBoard, 0, len(boards))
	for _, b := range boards {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}

func clonePlayer(p *Player) *Player {
	cp := *p
	if p.LatestSnapshot == nil || p.LatestSnapshot.Data == nil {
		return &cp
	}
	snap := *p.LatestSnapshot
	data := *p.LatestSnapshot.Data
	data.Skills = cloneMap(data.Skills)
	data.Bosses = cloneMap(data.Bosses)
	data.Activities = cloneMap(data.Activities)
	snap.Data = &data
	cp.LatestSnapshot = &snap
	return &cp
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
