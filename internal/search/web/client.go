package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/yomibot/backend/internal/cache"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/circuitbreaker"
	"github.com/yomibot/backend/pkg/logger"
	"github.com/yomibot/backend/pkg/utils"
)

var errRateLimited = errors.New("search rate limited")

// gate spaces outbound search requests across every Client in the process.
var (
	gateMu sync.Mutex
	gate   = rate.NewLimiter(rate.Every(time.Second), 1)
)

// SetMinInterval changes the spacing of the shared search gate.
func SetMinInterval(d time.Duration) {
	gateMu.Lock()
	defer gateMu.Unlock()
	if d <= 0 {
		gate.SetLimit(rate.Inf)
		return
	}
	gate.SetLimit(rate.Every(d))
}

func waitGate(ctx context.Context) error {
	gateMu.Lock()
	l := gate
	gateMu.Unlock()
	return l.Wait(ctx)
}

type Config struct {
	Endpoint        string
	APIKey          string
	UserAgent       string
	Prefix          string
	Count           int
	MaxRetries      int
	DefaultReset    time.Duration
	MaxReset        time.Duration
	MaxContentChars int
	TTL             time.Duration
}

// Result is one kept search hit. Content is empty for OSRS wiki articles,
// which are left for the wiki client to fetch.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type Client struct {
	cfg   Config
	http  *http.Client
	store cache.Store
	cb    *circuitbreaker.CircuitBreaker
	sf    singleflight.Group
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, httpClient *http.Client, store cache.Store) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "osrs "
	}
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultReset <= 0 {
		cfg.DefaultReset = 5 * time.Second
	}
	if cfg.MaxReset <= 0 {
		cfg.MaxReset = 30 * time.Second
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 2000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	cb := circuitbreaker.NewCircuitBreaker("search", circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errRateLimited)
		},
		Logger: logger.GetLogger(),
	})

	return &Client{
		cfg:   cfg,
		http:  httpClient,
		store: store,
		cb:    cb,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

// Search returns the filtered, extracted results for term. Failures are
// logged and yield an empty slice; a search never fails the caller.
func (c *Client) Search(ctx context.Context, term string) []Result {
	term = strings.TrimSpace(term)
	if term == "" || !c.Enabled() {
		return nil
	}
	v, _, _ := c.sf.Do(strings.ToLower(term), func() (any, error) {
		return c.search(ctx, term), nil
	})
	results := v.([]Result)
	out := make([]Result, len(results))
	copy(out, results)
	return out
}

func (c *Client) search(ctx context.Context, term string) []Result {
	key := strings.ToLower(term)

	var cached []Result
	if entry, ok := cache.LoadValue(ctx, c.store, cache.KindSearch, key, &cached); ok && entry.Fresh(c.now(), c.cfg.TTL) {
		logger.Debug("Search cache hit", zap.String("term", term))
		return cached
	}

	hits, err := c.query(ctx, term)
	if err != nil {
		logger.Warn("Web search failed", zap.String("term", term), zap.Error(err))
		return nil
	}

	kept := make([]hit, 0, len(hits))
	for _, h := range hits {
		if Allowed(h.URL) {
			kept = append(kept, h)
		}
	}

	results := c.extractAll(ctx, kept)
	if len(results) > 0 {
		if err := cache.SaveValue(ctx, c.store, cache.KindSearch, key, c.now(), results); err != nil {
			logger.Warn("Failed to cache search results", zap.Error(err))
		}
	}

	logger.Info("Web search completed",
		zap.String("term", term),
		zap.Int("hits", len(hits)),
		zap.Int("results", len(results)))
	return results
}

type hit struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// query calls the search API, honouring X-RateLimit-Reset on 429 for up to
// MaxRetries attempts.
func (c *Client) query(ctx context.Context, term string) ([]hit, error) {
	params := url.Values{}
	params.Set("q", c.cfg.Prefix+term)
	params.Set("count", strconv.Itoa(c.cfg.Count))
	endpoint := c.cfg.Endpoint + "?" + params.Encode()

	for attempt := 0; ; attempt++ {
		if err := waitGate(ctx); err != nil {
			return nil, err
		}

		var reset time.Duration
		var hits []hit
		start := time.Now()
		err := c.cb.Execute(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("X-Subscription-Token", c.cfg.APIKey)
			if c.cfg.UserAgent != "" {
				req.Header.Set("User-Agent", c.cfg.UserAgent)
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("failed to search: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusTooManyRequests {
				reset = c.resetHint(resp.Header.Get("X-RateLimit-Reset"))
				return errRateLimited
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("search returned status %d", resp.StatusCode)
			}

			var body struct {
				Web struct {
					Results []hit `json:"results"`
				} `json:"web"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
			hits = body.Web.Results
			return nil
		})
		metrics.FetchDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.FetchOutcomes.WithLabelValues("search", "ok").Inc()
			return hits, nil
		case errors.Is(err, errRateLimited):
			metrics.FetchOutcomes.WithLabelValues("search", "rate_limited").Inc()
			if attempt+1 >= c.cfg.MaxRetries {
				return nil, fmt.Errorf("gave up after %d rate limited attempts: %w", attempt+1, err)
			}
			logger.Warn("Search rate limited",
				zap.Duration("reset", reset),
				zap.Int("attempt", attempt+1))
			if err := c.sleep(ctx, reset); err != nil {
				return nil, err
			}
		default:
			metrics.FetchOutcomes.WithLabelValues("search", "error").Inc()
			return nil, err
		}
	}
}

// resetHint reads the first window of a comma separated X-RateLimit-Reset
// header (seconds), capped at MaxReset.
func (c *Client) resetHint(header string) time.Duration {
	first, _, _ := strings.Cut(header, ",")
	secs, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || secs < 0 {
		return c.cfg.DefaultReset
	}
	d := time.Duration(secs) * time.Second
	if d == 0 {
		d = time.Second
	}
	return min(d, c.cfg.MaxReset)
}

func (c *Client) extractAll(ctx context.Context, hits []hit) []Result {
	texts := make([]string, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hits {
		if IsWikiURL(h.URL) {
			continue
		}
		g.Go(func() error {
			text, err := c.pageText(gctx, h.URL)
			if err != nil {
				logger.Debug("Dropping search result", zap.String("url", h.URL), zap.Error(err))
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, len(hits))
	for i, h := range hits {
		if texts[i] == "" && !IsWikiURL(h.URL) {
			continue
		}
		results = append(results, Result{Title: h.Title, URL: h.URL, Content: texts[i]})
	}
	return results
}

// pageText fetches and extracts readable text from a result page, cached for
// TTL under the md5 of its URL.
func (c *Client) pageText(ctx context.Context, pageURL string) (string, error) {
	key := utils.HashString(pageURL)

	var cached string
	if entry, ok := cache.LoadValue(ctx, c.store, cache.KindPage, key, &cached); ok && entry.Fresh(c.now(), c.cfg.TTL) {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	text, err := ExtractText(resp.Body)
	if err != nil {
		return "", err
	}
	text = Truncate(text, c.cfg.MaxContentChars)
	if text == "" {
		return "", nil
	}

	if err := cache.SaveValue(ctx, c.store, cache.KindPage, key, c.now(), text); err != nil {
		logger.Warn("Failed to cache page text", zap.Error(err))
	}
	return text, nil
}
