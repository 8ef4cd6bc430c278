// Package wiki fetches and extracts OSRS Wiki articles with a redirect cache
// and a content cache, both judged fresh by timestamp.
package wiki

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yomibot/backend/internal/cache"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/circuitbreaker"
	"github.com/yomibot/backend/pkg/logger"
)

var (
	ErrPageNotFound = errors.New("page not found")
	ErrPageBlocked  = errors.New("page blocked by anti-automation")
	ErrPageRejected = errors.New("page has no substantive content")
)

// FetchError is any other failure for one page.
type FetchError struct {
	Page   string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("wiki page %s: status %d", e.Page, e.Status)
	}
	return fmt.Sprintf("wiki page %s: %v", e.Page, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Config struct {
	BaseURL        string
	UserAgent      string
	TTL            time.Duration
	MaxConcurrency int
}

// Page is one fetched article. Name is the final title after redirects.
type Page struct {
	Requested string
	Name      string
	URL       string
	Content   string
}

func (p *Page) Redirected() bool {
	return p.Requested != p.Name
}

type Client struct {
	cfg   Config
	host  string
	http  *http.Client
	store cache.Store
	cb    *circuitbreaker.CircuitBreaker
	sf    singleflight.Group
	now   func() time.Time
}

type contentRecord struct {
	HTML string `json:"html"`
}

type redirectRecord struct {
	Final string `json:"final"`
}

func NewClient(cfg Config, httpClient *http.Client, store cache.Store) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://oldschool.runescape.wiki"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "YomiBot/2.0 (OSRS clan Discord assistant)"
	}

	host := ""
	if u, err := url.Parse(cfg.BaseURL); err == nil {
		host = u.Host
	}

	cb := circuitbreaker.NewCircuitBreaker("wiki", circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 8,
		SuccessThreshold: 1,
		IsFailure: func(err error) bool {
			return !errors.Is(err, ErrPageNotFound)
		},
		Logger: logger.GetLogger(),
	})

	return &Client{cfg: cfg, host: host, http: httpClient, store: store, cb: cb, now: time.Now}
}

// NormalizeName converts a page name to the underscore form used for cache
// keys and URLs.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, "[]")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = strings.Join(strings.Fields(strings.ReplaceAll(name, "_", " ")), "_")
	if name == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}

var urlPathEscaper = strings.NewReplacer("?", "%3F", "#", "%23", " ", "_")

func (c *Client) PageURL(name string) string {
	return c.cfg.BaseURL + "/w/" + urlPathEscaper.Replace(name)
}

// PageFromURL returns the page name for an article URL on this wiki.
func (c *Client) PageFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Host, c.host) {
		return "", false
	}
	rest, ok := strings.CutPrefix(u.Path, "/w/")
	if !ok || rest == "" {
		return "", false
	}
	for _, ns := range []string{"Special:", "File:", "Category:", "Template:", "User:", "Talk:"} {
		if strings.HasPrefix(rest, ns) {
			return "", false
		}
	}
	name := NormalizeName(rest)
	return name, name != ""
}

// Fetch returns the extracted article for name. Outcomes: ErrPageNotFound,
// ErrPageBlocked, ErrPageRejected (the returned Page is still set so callers
// can record the final name), or *FetchError.
func (c *Client) Fetch(ctx context.Context, name string) (*Page, error) {
	name = NormalizeName(name)
	if name == "" {
		return nil, &FetchError{Page: name, Err: errors.New("empty page name")}
	}

	type result struct {
		page *Page
		err  error
	}
	v, _, _ := c.sf.Do(name, func() (any, error) {
		page, err := c.fetch(ctx, name)
		return result{page, err}, nil
	})
	r := v.(result)
	if r.page == nil {
		return nil, r.err
	}
	cp := *r.page
	return &cp, r.err
}

func (c *Client) fetch(ctx context.Context, requested string) (*Page, error) {
	start := time.Now()
	now := c.now()
	final := requested

	var redirect redirectRecord
	if entry, ok := cache.LoadValue(ctx, c.store, cache.KindRedirect, requested, &redirect); ok && entry.Fresh(now, c.cfg.TTL) && redirect.Final != "" {
		final = redirect.Final
		logger.Debug("Redirect cache hit", zap.String("page", requested), zap.String("final", final))
	}

	entry, record, ok := c.loadContent(ctx, requested, final)
	if ok && entry.Fresh(now, c.cfg.TTL) {
		c.observe(start, "cache")
		return c.build(requested, final, record.HTML)
	}

	html, final, err := c.download(ctx, requested, final, entry, record)
	if err != nil {
		if ok && !errors.Is(err, ErrPageNotFound) {
			logger.Warn("Serving stale wiki page", zap.String("page", final), zap.Error(err))
			c.observe(start, "stale")
			return c.build(requested, final, record.HTML)
		}
		switch {
		case errors.Is(err, ErrPageNotFound):
			c.observe(start, "not_found")
		case errors.Is(err, ErrPageBlocked):
			c.observe(start, "blocked")
		default:
			c.observe(start, "error")
		}
		return nil, err
	}

	c.observe(start, "fetched")
	return c.build(requested, final, html)
}

// loadContent picks the content entry for final, or for requested when that
// one is newer.
func (c *Client) loadContent(ctx context.Context, requested, final string) (*cache.Entry, contentRecord, bool) {
	var rec contentRecord
	entry, ok := cache.LoadValue(ctx, c.store, cache.KindWiki, final, &rec)
	if final == requested {
		return entry, rec, ok
	}

	var origRec contentRecord
	orig, origOK := cache.LoadValue(ctx, c.store, cache.KindWiki, requested, &origRec)
	if origOK && (!ok || orig.Timestamp.After(entry.Timestamp)) {
		return orig, origRec, true
	}
	return entry, rec, ok
}

// download fetches final, honouring conditional headers from a stale entry,
// and follows a wiki redirect at most once.
func (c *Client) download(ctx context.Context, requested, final string, stale *cache.Entry, staleRec contentRecord) (string, string, error) {
	resp, err := c.get(ctx, final, stale)
	if err != nil {
		return "", final, err
	}

	if resp.status == http.StatusNotModified {
		if stale == nil {
			return "", final, &FetchError{Page: final, Status: resp.status}
		}
		refreshed := *stale
		refreshed.Timestamp = c.now()
		c.save(ctx, final, &refreshed)
		return staleRec.HTML, final, nil
	}

	target, inline := detectRedirect(resp.doc, final)
	if target != "" {
		logger.Info("Wiki redirect", zap.String("page", requested), zap.String("final", target))
		if err := cache.SaveValue(ctx, c.store, cache.KindRedirect, requested, c.now(), redirectRecord{Final: target}); err != nil {
			logger.Warn("Failed to cache redirect", zap.String("page", requested), zap.Error(err))
		}
		final = target

		if !inline {
			resp, err = c.get(ctx, final, nil)
			if err != nil {
				return "", final, err
			}
		}
	}

	entry, err := cache.NewEntry(c.now(), contentRecord{HTML: resp.body})
	if err == nil {
		entry.ETag = resp.etag
		entry.LastModified = resp.lastModified
		c.save(ctx, final, entry)
	}
	return resp.body, final, nil
}

func (c *Client) save(ctx context.Context, name string, entry *cache.Entry) {
	if err := c.store.Save(ctx, cache.KindWiki, name, entry); err != nil {
		logger.Warn("Failed to cache wiki page", zap.String("page", name), zap.Error(err))
	}
}

type httpResult struct {
	status       int
	body         string
	doc          *goquery.Document
	etag         string
	lastModified string
}

var blockMarkers = []string{
	"cf-browser-verification",
	"challenge-platform",
	"Just a moment...",
	"Attention Required! | Cloudflare",
}

func (c *Client) get(ctx context.Context, name string, stale *cache.Entry) (*httpResult, error) {
	var out *httpResult
	err := c.cb.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PageURL(name), nil)
		if err != nil {
			return &FetchError{Page: name, Err: err}
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		if stale != nil {
			if stale.ETag != "" {
				req.Header.Set("If-None-Match", stale.ETag)
			}
			if stale.LastModified != "" {
				req.Header.Set("If-Modified-Since", stale.LastModified)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &FetchError{Page: name, Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			out = &httpResult{status: resp.StatusCode}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return ErrPageNotFound
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			return ErrPageBlocked
		case resp.StatusCode != http.StatusOK:
			return &FetchError{Page: name, Status: resp.StatusCode}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return &FetchError{Page: name, Err: err}
		}
		for _, marker := range blockMarkers {
			if bytes.Contains(body, []byte(marker)) {
				return ErrPageBlocked
			}
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return &FetchError{Page: name, Err: fmt.Errorf("failed to parse html: %w", err)}
		}

		out = &httpResult{
			status:       resp.StatusCode,
			body:         string(body),
			doc:          doc,
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil, &FetchError{Page: name, Err: err}
	}
	return out, err
}

// detectRedirect reports the canonical title when it differs from name.
// inline is true when the body already holds the target's content.
func detectRedirect(doc *goquery.Document, name string) (target string, inline bool) {
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if t := titleFromHref(href); t != "" && t != name {
			return t, true
		}
	}
	if href, ok := doc.Find("div.redirectMsg a").First().Attr("href"); ok {
		if t := titleFromHref(href); t != "" && t != name {
			return t, false
		}
	}
	return "", false
}

func titleFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	_, rest, ok := strings.Cut(u.Path, "/w/")
	if !ok {
		return ""
	}
	return NormalizeName(rest)
}

func (c *Client) build(requested, final, html string) (*Page, error) {
	page := &Page{Requested: requested, Name: final, URL: c.PageURL(final)}

	article, err := Extract(html, final)
	if err != nil {
		return page, &FetchError{Page: final, Err: err}
	}
	if article.Rejected() {
		logger.Debug("Wiki page rejected", zap.String("page", final))
		return page, ErrPageRejected
	}
	page.Content = article.Render()
	return page, nil
}

func (c *Client) observe(start time.Time, outcome string) {
	metrics.FetchDuration.WithLabelValues("wiki").Observe(time.Since(start).Seconds())
	metrics.FetchOutcomes.WithLabelValues("wiki", outcome).Inc()
}
