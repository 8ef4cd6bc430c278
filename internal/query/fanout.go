package query

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yomibot/backend/internal/citation"
	"github.com/yomibot/backend/internal/identify"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/internal/search/web"
	"github.com/yomibot/backend/internal/wom"
)

// gather runs the player, clan metric and wiki/web fetches concurrently.
// Each branch absorbs its own failures; only gateway exhaustion from the
// sufficiency check aborts.
func (e *Engine) gather(ctx context.Context, req Request, status *reporter, ident *identify.Result, roster []wom.Membership) (*state, error) {
	st := newState(roster)

	var (
		fetched []*wom.Player
		boards  []wom.MetricBoard
	)

	g, gctx := errgroup.WithContext(ctx)
	if len(ident.MentionedPlayers) > 0 {
		g.Go(func() error {
			status.report("Fetching player data...")
			fetched = e.deps.Players.Players(gctx, ident.MentionedPlayers, roster)
			return nil
		})
	}
	if ident.Scope == identify.ScopeAll {
		g.Go(func() error {
			status.report("Fetching clan metrics...")
			boards = e.deps.Players.Boards(gctx, ident.Metrics)
			return nil
		})
	}
	// only this branch touches the wiki and web fields of st
	g.Go(func() error {
		return e.fetchKnowledge(gctx, req, status, ident, st)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st.addPlayers(ident.MentionedPlayers, fetched, e.deps.Players.PlayerURL)
	st.addBoards(boards, e.deps.Players.HiscoresURL)

	e.log.Debug("Fan-out complete",
		zap.Int("players", len(st.players)),
		zap.Int("boards", len(st.boards)),
		zap.Int("wiki_sources", len(st.wikiSrc)),
		zap.Int("web_sources", len(st.webSrc)),
	)
	return st, nil
}

func (e *Engine) fetchKnowledge(ctx context.Context, req Request, status *reporter, ident *identify.Result, st *state) error {
	if len(ident.WikiPages) > 0 {
		status.report("Fetching wiki data...")
		e.fetchPages(ctx, st, ident.WikiPages)
	}

	if !e.shouldEscalate(ident) {
		return nil
	}
	sufficient, err := e.deps.Identifier.Sufficient(ctx, req.Query, st.wikiContent())
	if err != nil {
		return err
	}
	if sufficient {
		e.log.Debug("Wiki content sufficient, skipping web search")
		return nil
	}

	status.report("Searching the web...")
	metrics.WebSearchTriggered.Inc()
	e.searchWeb(ctx, st, searchTerms(req, ident))
	return nil
}

// shouldEscalate applies the page budget rule. Queries about members only
// never search the web.
func (e *Engine) shouldEscalate(ident *identify.Result) bool {
	if e.deps.Search == nil || len(ident.WikiPages) >= e.cfg.EscalationThreshold {
		return false
	}
	memberOnly := len(ident.WikiPages) == 0 && (len(ident.MentionedPlayers) > 0 || len(ident.Metrics) > 0)
	return !memberOnly
}

func searchTerms(req Request, ident *identify.Result) []string {
	if len(ident.SearchQueries) > 0 {
		return ident.SearchQueries
	}
	if q := strings.TrimSpace(req.Query); q != "" {
		return []string{q}
	}
	if len(ident.ImageEntities) > 0 {
		return []string{strings.ReplaceAll(ident.ImageEntities[0], "_", " ")}
	}
	return nil
}

func (e *Engine) fetchPages(ctx context.Context, st *state, names []string) {
	batch := e.deps.Wiki.FetchBatch(ctx, names)
	st.addWiki(names, batch)
}

// searchWeb runs the searches in order. Results on the wiki become extra
// page fetches; the rest are web sources.
func (e *Engine) searchWeb(ctx context.Context, st *state, terms []string) {
	st.webSearchUsed = true

	seen := map[string]bool{}
	var extra []string
	var generic []web.Result
	for _, term := range terms {
		for _, r := range e.deps.Search.Search(ctx, term) {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true

			if name, ok := e.deps.Wiki.PageFromURL(r.URL); ok {
				if !st.seenPage(name) && !containsFold(extra, name) && len(extra) < identify.MaxPages {
					extra = append(extra, name)
				}
				continue
			}
			if r.Content == "" {
				continue
			}
			generic = append(generic, r)
		}
	}

	if len(extra) > 0 {
		e.log.Debug("Fetching wiki pages found by search", zap.Strings("pages", extra))
		e.fetchPages(ctx, st, extra)
	}
	if len(generic) > 0 {
		st.webContent = web.FormatResults(generic)
		for _, r := range generic {
			st.webSrc = append(st.webSrc, citation.Source{Kind: citation.KindWeb, Name: r.Title, URL: r.URL})
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
