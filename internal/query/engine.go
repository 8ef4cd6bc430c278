package query

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/citation"
	"github.com/yomibot/backend/internal/evaluation"
	"github.com/yomibot/backend/internal/identify"
	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/internal/search/web"
	"github.com/yomibot/backend/internal/storage/models"
	"github.com/yomibot/backend/internal/wiki"
	"github.com/yomibot/backend/internal/wom"
	"github.com/yomibot/backend/pkg/logger"
)

var ErrEmptyQuery = errors.New("empty query")

type Identifier interface {
	Identify(ctx context.Context, in identify.Input) (*identify.Result, error)
	Sufficient(ctx context.Context, query, wikiContent string) (bool, error)
}

type WikiFetcher interface {
	FetchBatch(ctx context.Context, names []string) *wiki.BatchResult
	PageFromURL(raw string) (string, bool)
}

type PlayerFetcher interface {
	Roster(ctx context.Context) ([]wom.Membership, error)
	Players(ctx context.Context, names []string, roster []wom.Membership) []*wom.Player
	Boards(ctx context.Context, metrics []string) []wom.MetricBoard
	PlayerURL(name string) string
	HiscoresURL(metric string) string
}

type Searcher interface {
	Search(ctx context.Context, term string) []web.Result
}

type Generator interface {
	GenerateText(ctx context.Context, prompt string, opts ...llm.Option) (string, error)
	GenerateWithTools(ctx context.Context, prompt string, tools []llm.Tool, opts ...llm.Option) (*llm.Response, error)
}

type HistoryStore interface {
	RecordQuery(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error
}

type Config struct {
	// EscalationThreshold is the identified page count below which the web
	// is searched.
	EscalationThreshold  int
	MaxLength            int
	CitationBudget       int
	MaxIterations        int
	SynthesisTemperature float32
}

func (c *Config) setDefaults() {
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = 5
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 1900
	}
	if c.CitationBudget <= 0 {
		c.CitationBudget = citation.DefaultBudget
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.SynthesisTemperature == 0 {
		c.SynthesisTemperature = 0.3
	}
}

type Deps struct {
	Identifier Identifier
	Wiki       WikiFetcher
	Players    PlayerFetcher
	Search     Searcher
	Generator  Generator
	// History is optional.
	History HistoryStore
}

type Engine struct {
	cfg       Config
	deps      Deps
	evaluator *evaluation.Evaluator
	log       *zap.Logger
	now       func() time.Time
}

// StatusFunc receives short progress lines such as "Fetching wiki data...".
type StatusFunc func(status string)

type Request struct {
	Query     string
	UserID    string
	Requester string
	ImageURLs []string
	// RepliedTo is the text of the message the user replied to, if any.
	RepliedTo string
	Agentic   bool
	Status    StatusFunc
}

type Response struct {
	ID            string                 `json:"id"`
	Query         string                 `json:"query"`
	Response      string                 `json:"response"`
	Sources       []citation.Source      `json:"sources"`
	Scope         identify.Scope         `json:"player_scope"`
	Players       []string               `json:"players"`
	WikiPages     []string               `json:"wiki_pages"`
	Metrics       []string               `json:"metrics"`
	WebSearchUsed bool                   `json:"web_search_used"`
	Iterations    []AgenticIteration     `json:"iterations,omitempty"`
	Violations    []evaluation.Violation `json:"violations,omitempty"`
	LatencyMS     int                    `json:"latency_ms"`
}

func NewEngine(cfg Config, deps Deps) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		evaluator: evaluation.NewEvaluator(cfg.CitationBudget),
		log:       logger.Named("query"),
		now:       time.Now,
	}
}

// Process answers one query. Only gateway exhaustion is returned as an
// error; every fetch failure degrades to partial data.
func (e *Engine) Process(ctx context.Context, req Request) (*Response, error) {
	start := e.now()
	queryID := uuid.New().String()
	mode := "direct"
	if req.Agentic {
		mode = "agentic"
	}
	log := e.log.With(zap.String("query_id", queryID), zap.String("mode", mode))

	if strings.TrimSpace(req.Query) == "" && len(req.ImageURLs) == 0 {
		metrics.QueryTotal.WithLabelValues("rejected").Inc()
		return nil, ErrEmptyQuery
	}

	log.Info("Processing query",
		zap.String("query", req.Query),
		zap.String("requester", req.Requester),
		zap.Int("images", len(req.ImageURLs)),
	)

	status := newReporter(req.Status)
	status.report("Analyzing query...")

	roster, err := e.deps.Players.Roster(ctx)
	if err != nil {
		log.Warn("Roster unavailable, continuing without members", zap.Error(err))
	}

	ident, err := e.deps.Identifier.Identify(ctx, identify.Input{
		Query:     req.Query,
		Members:   wom.Names(roster),
		ImageURLs: req.ImageURLs,
		Requester: req.Requester,
	})
	if err != nil {
		return nil, e.fail(log, "identify", err)
	}
	log.Info("Query identified",
		zap.Strings("players", ident.MentionedPlayers),
		zap.Strings("wiki_pages", ident.WikiPages),
		zap.Strings("metrics", ident.Metrics),
		zap.Strings("search_queries", ident.SearchQueries),
		zap.String("scope", string(ident.Scope)),
	)

	var (
		st         *state
		iterations []AgenticIteration
	)
	if req.Agentic {
		st, iterations, err = e.runAgentic(ctx, req, status, ident, roster)
	} else {
		st, err = e.gather(ctx, req, status, ident, roster)
	}
	if err != nil {
		return nil, e.fail(log, "fetch", err)
	}

	status.report("Generating response...")
	sources := st.sources()
	answer, err := e.synthesize(ctx, req, st)
	if err != nil {
		return nil, e.fail(log, "synthesize", err)
	}
	answer = e.finish(answer, sources)

	eval := e.evaluator.Check(answer, sources)
	evaluation.Observe(queryID, eval)

	latency := e.now().Sub(start)
	resp := &Response{
		ID:            queryID,
		Query:         req.Query,
		Response:      answer,
		Sources:       sources,
		Scope:         ident.Scope,
		Players:       st.playerNames(),
		WikiPages:     st.pageNames(),
		Metrics:       ident.Metrics,
		WebSearchUsed: st.webSearchUsed,
		Iterations:    iterations,
		Violations:    eval.Violations,
		LatencyMS:     int(latency.Milliseconds()),
	}

	e.record(ctx, log, req, resp)

	metrics.QueryDuration.WithLabelValues(mode).Observe(latency.Seconds())
	metrics.QueryTotal.WithLabelValues("success").Inc()
	log.Info("Query processed successfully",
		zap.Int("sources", len(sources)),
		zap.Int("length", len(answer)),
		zap.Bool("web_search", st.webSearchUsed),
		zap.Duration("latency", latency),
	)
	return resp, nil
}

func (e *Engine) fail(log *zap.Logger, stage string, err error) error {
	status := "error"
	if llm.IsExhausted(err) {
		status = "exhausted"
	}
	metrics.QueryTotal.WithLabelValues(status).Inc()
	log.Error("Query failed", zap.String("stage", stage), zap.Error(err))
	return err
}

func (e *Engine) record(ctx context.Context, log *zap.Logger, req Request, resp *Response) {
	if e.deps.History == nil {
		return
	}
	rec := &models.QueryRecord{
		ID:            resp.ID,
		UserID:        req.UserID,
		Requester:     req.Requester,
		QueryText:     req.Query,
		Response:      resp.Response,
		Scope:         string(resp.Scope),
		PlayerCount:   len(resp.Players),
		WikiPageCount: len(resp.WikiPages),
		WebSearchUsed: resp.WebSearchUsed,
		Agentic:       req.Agentic,
		Iterations:    len(resp.Iterations),
		Violations:    len(resp.Violations),
		LatencyMS:     resp.LatencyMS,
		CreatedAt:     e.now(),
	}
	sources := make([]models.QuerySource, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		sources = append(sources, models.QuerySource{QueryID: resp.ID, Kind: string(s.Kind), Name: s.Name, URL: s.URL})
	}
	if err := e.deps.History.RecordQuery(ctx, rec, sources); err != nil {
		log.Warn("Failed to record query", zap.Error(err))
	}
}

// reporter serialises status callbacks coming from concurrent fetches.
type reporter struct {
	mu sync.Mutex
	fn StatusFunc
}

func newReporter(fn StatusFunc) *reporter {
	return &reporter{fn: fn}
}

func (r *reporter) report(status string) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fn(status)
}
