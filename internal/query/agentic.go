package query

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yomibot/backend/internal/identify"
	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/internal/wom"
)

const (
	maxRequestItems = 5
	// agentExcerpt bounds the gathered text shown on each iteration.
	agentExcerpt = 6000
)

type AgenticIteration struct {
	Number    int      `json:"number"`
	WikiPages []string `json:"wiki_pages"`
	Players   []string `json:"players"`
	Summary   string   `json:"summary"`
}

type AgentState int

const (
	StateIdentifying AgentState = iota
	StateIterating
	StateFinalizing
)

func (s AgentState) String() string {
	switch s {
	case StateIdentifying:
		return "identifying"
	case StateIterating:
		return "iterating"
	default:
		return "finalizing"
	}
}

var RequestMoreInfoTool = llm.Tool{
	Name: "agent_request_more_info",
	Description: "Request more wiki pages or player data before answering. Only request items that " +
		"have not been fetched yet.",
	Parameters: llm.Object(map[string]*llm.Schema{
		"additional_wiki_pages": llm.StringArray("Additional OSRS wiki page names using underscores (max 5).", maxRequestItems),
		"additional_players":    llm.StringArray("Additional clan member names to fetch (max 5).", maxRequestItems),
		"reasoning":             llm.String("Why this information is needed, in one sentence."),
	}, "reasoning"),
}

var CompleteTool = llm.Tool{
	Name:        "agent_complete",
	Description: "Signal that the gathered information is enough to answer the query.",
	Parameters: llm.Object(map[string]*llm.Schema{
		"summary": llm.String("A short summary of what was gathered."),
	}, "summary"),
}

type moreInfoArgs struct {
	WikiPages []string `json:"additional_wiki_pages"`
	Players   []string `json:"additional_players"`
	Reasoning string   `json:"reasoning"`
}

type completeArgs struct {
	Summary string `json:"summary"`
}

// runAgentic fetches the identified data, then lets the model request more
// until it completes, asks for nothing new, makes no tool call or runs out of
// iterations. The initial fetch counts as the first iteration.
func (e *Engine) runAgentic(ctx context.Context, req Request, status *reporter, ident *identify.Result, roster []wom.Membership) (*state, []AgenticIteration, error) {
	log := e.log.With(zap.String("mode", "agentic"))
	agent := StateIdentifying
	log.Debug("Agent state", zap.Stringer("state", agent))

	st, err := e.gather(ctx, req, status, ident, roster)
	if err != nil {
		return nil, nil, err
	}
	iterations := []AgenticIteration{{
		Number:    1,
		WikiPages: st.pageNames(),
		Players:   st.playerNames(),
		Summary:   initialSummary(st),
	}}

	agent = StateIterating
	log.Debug("Agent state", zap.Stringer("state", agent))
	members := wom.Names(roster)
	for len(iterations) < e.cfg.MaxIterations {
		n := len(iterations)
		status.report(fmt.Sprintf("[Iteration %d/%d] Analyzing gathered information...", n, e.cfg.MaxIterations))

		resp, err := e.deps.Generator.GenerateWithTools(ctx, iterationPrompt(req, st, iterations),
			[]llm.Tool{RequestMoreInfoTool, CompleteTool}, llm.WithTemperature(0))
		if err != nil {
			if llm.IsExhausted(err) {
				return nil, nil, err
			}
			log.Warn("Agent step failed, finalizing with gathered data", zap.Error(err))
			break
		}

		call, ok := resp.FirstCall()
		if !ok {
			log.Debug("No tool call, completing")
			break
		}
		if call.Name == CompleteTool.Name {
			var args completeArgs
			_ = call.Decode(&args)
			log.Debug("Agent complete", zap.String("summary", args.Summary))
			break
		}
		if call.Name != RequestMoreInfoTool.Name {
			log.Warn("Unexpected agent tool", zap.String("tool", call.Name))
			break
		}

		var args moreInfoArgs
		if err := call.Decode(&args); err != nil {
			log.Warn("Agent arguments unparseable", zap.Error(err))
			break
		}
		pages, players := newRequests(st, args, members)
		if len(pages) == 0 && len(players) == 0 {
			log.Debug("Nothing new requested, completing")
			break
		}

		status.report(fmt.Sprintf("[Iteration %d/%d] %s...", n+1, e.cfg.MaxIterations, fetchSummary(pages, players)))
		e.fetchMore(ctx, st, pages, players)
		iterations = append(iterations, AgenticIteration{
			Number:    n + 1,
			WikiPages: pages,
			Players:   players,
			Summary:   args.Reasoning,
		})
	}

	agent = StateFinalizing
	log.Info("Agentic loop finished",
		zap.Stringer("state", agent),
		zap.Int("iterations", len(iterations)),
		zap.Int("wiki_pages", len(st.wikiSrc)),
		zap.Int("players", len(st.players)),
	)
	return st, iterations, nil
}

// newRequests keeps the requested pages and players that are valid and not
// fetched yet.
func newRequests(st *state, args moreInfoArgs, members []string) (pages, players []string) {
	clean := identify.Sanitize(&identify.Result{
		MentionedPlayers: args.Players,
		WikiPages:        args.WikiPages,
	}, members)

	for _, p := range clean.WikiPages {
		if !st.seenPage(p) && len(pages) < maxRequestItems {
			pages = append(pages, p)
		}
	}
	for _, p := range clean.MentionedPlayers {
		if !st.hasPlayer(p) && len(players) < maxRequestItems {
			players = append(players, p)
		}
	}
	return pages, players
}

func (e *Engine) fetchMore(ctx context.Context, st *state, pages, players []string) {
	var fetched []*wom.Player
	g, gctx := errgroup.WithContext(ctx)
	if len(players) > 0 {
		g.Go(func() error {
			fetched = e.deps.Players.Players(gctx, players, st.roster)
			return nil
		})
	}
	if len(pages) > 0 {
		g.Go(func() error {
			e.fetchPages(gctx, st, pages)
			return nil
		})
	}
	_ = g.Wait()
	st.addPlayers(players, fetched, e.deps.Players.PlayerURL)
}

func fetchSummary(pages, players []string) string {
	var parts []string
	if len(pages) > 0 {
		parts = append(parts, fmt.Sprintf("Fetching %d wiki page(s)", len(pages)))
	}
	if len(players) > 0 {
		parts = append(parts, fmt.Sprintf("Fetching %d player(s)", len(players)))
	}
	return strings.Join(parts, ", ")
}

func initialSummary(st *state) string {
	var parts []string
	if len(st.wikiSrc) > 0 {
		parts = append(parts, fmt.Sprintf("%d wiki page(s)", len(st.wikiSrc)))
	}
	if len(st.players) > 0 {
		parts = append(parts, fmt.Sprintf("%d player(s)", len(st.players)))
	}
	if len(st.boards) > 0 {
		parts = append(parts, fmt.Sprintf("%d clan metric(s)", len(st.boards)))
	}
	if len(st.webSrc) > 0 {
		parts = append(parts, fmt.Sprintf("%d web result(s)", len(st.webSrc)))
	}
	if len(parts) == 0 {
		return "Initial identification found nothing to fetch."
	}
	return "Initial fetch: " + strings.Join(parts, ", ") + "."
}

func iterationPrompt(req Request, st *state, iterations []AgenticIteration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are gathering information to answer an Old School RuneScape question.\n\nUser Query: %s\n", req.Query)
	if req.Requester != "" {
		fmt.Fprintf(&b, "Requester: %s\n", req.Requester)
	}

	b.WriteString("\nProgress so far:\n")
	for _, it := range iterations {
		fmt.Fprintf(&b, "Iteration %d:\n", it.Number)
		fetched := append(append([]string{}, it.WikiPages...), it.Players...)
		if len(fetched) > 0 {
			fmt.Fprintf(&b, "  - Fetched: %s\n", strings.Join(fetched, ", "))
		}
		if it.Summary != "" {
			fmt.Fprintf(&b, "  - Summary: %s\n", it.Summary)
		}
	}

	fmt.Fprintf(&b, "\nAlready fetched wiki pages: %s\n", listOrNone(st.pageNames()))
	fmt.Fprintf(&b, "Already fetched players: %s\n", listOrNone(st.playerNames()))

	if players := st.playerContext(); players != "" {
		b.WriteString("\nPlayer Data:\n")
		b.WriteString(excerpt(players, agentExcerpt/2))
	}
	if knowledge := st.knowledge(); knowledge != "" {
		b.WriteString("\nGathered Information:\n")
		b.WriteString(excerpt(knowledge, agentExcerpt))
	}

	b.WriteString("\n\nIf important information is still missing, call agent_request_more_info with pages or " +
		"players that were NOT fetched yet. Otherwise call agent_complete.")
	return b.String()
}

func listOrNone(list []string) string {
	if len(list) == 0 {
		return "none"
	}
	return strings.Join(list, ", ")
}

func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "") + "\n... (truncated)"
}
