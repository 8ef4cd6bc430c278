package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yomibot/backend/internal/citation"
	"github.com/yomibot/backend/internal/evaluation"
	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/internal/wom"
)

var ErrEmptyResponse = errors.New("model returned an empty response")

const systemPrompt = `You are an Old School RuneScape (OSRS) expert assistant for a clan Discord server. You answer questions using:
1. Player data from Wise Old Man when provided
2. OSRS Wiki information when available
3. Web search results when necessary

Notes:
1. "Quiver" or "colosseum" means the sol_heredit metric, the boss that drops Dizana's quiver.
2. "Infernal cape" means the tzkal_zuk metric, the boss that drops the infernal cape.
3. Sailing is a released skill.

Content rules:
1. Use only the provided information when possible and do not speculate beyond it
2. Analyse player data thoroughly for player-specific questions
3. Use wiki and web information for game mechanic questions
4. Combine player data with wiki information when both are present
5. Put the key information first, in short clear sections`

const formattingRules = `

Follow these formatting rules:
1. Start with a **Section Header**
2. Use "- " for every list item
3. Bold ONLY player names, item names, monster and boss names, location names and section headers
4. Never bold drop rates, prices, combat stats, kill counts or any other number
5. Write numbers over a million with commas (1,234,567)
6. Keep the whole answer under 1,900 characters
7. End with a "Sources:" line followed by one "- <URL>" line per source actually used:

Sources:
- <https://oldschool.runescape.wiki/w/Abyssal_whip>
- <https://wiseoldman.net/players/playername>

   Do not repeat a URL, do not add labels before URLs and leave the Sources section out entirely when no source was used.
`

const dateLayout = "Monday January 02, 2006"

func buildPrompt(req Request, st *state, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today's date is: %s\n\n", now.Format(dateLayout))
	if req.Requester != "" {
		fmt.Fprintf(&b, "Requester: %s (\"I\", \"me\" and \"my\" refer to this player)\n\n", req.Requester)
	}
	if reply := strings.TrimSpace(req.RepliedTo); reply != "" {
		fmt.Fprintf(&b, "The user is replying to this earlier message:\n\"\"\"\n%s\n\"\"\"\n\n", reply)
	}
	fmt.Fprintf(&b, "User Query: %s\n", req.Query)

	if len(st.players) > 0 {
		b.WriteString("\nPlayer Data:\n")
		b.WriteString(st.playerContext())
	}
	if len(st.boards) > 0 {
		b.WriteString("\nClan Metrics Data:\n")
		b.WriteString(wom.FormatMetrics(st.boards, st.roster))
		b.WriteString("\n")
	}
	knowledge := st.knowledge()
	if knowledge != "" {
		b.WriteString("\nOSRS Wiki and Web Information:\n")
		b.WriteString(knowledge)
		b.WriteString("\n")
	}

	switch {
	case len(st.players) > 0 && knowledge == "":
		b.WriteString("\nThis query can be answered using ONLY the player data provided. Do not speculate about information not present in it.\n")
	case len(st.boards) > 0 && knowledge == "":
		b.WriteString("\nThis query is about clan-wide metrics. Answer from the metrics data only.\n")
	case len(st.players) == 0 && len(st.boards) == 0 && knowledge == "":
		b.WriteString("\nNo external data could be fetched for this query. Answer from general OSRS knowledge and say so briefly.\n")
	}

	b.WriteString(formattingRules)
	return b.String()
}

func (e *Engine) synthesize(ctx context.Context, req Request, st *state) (string, error) {
	prompt := buildPrompt(req, st, e.now())
	text, err := e.deps.Generator.GenerateText(ctx, prompt,
		llm.WithSystem(systemPrompt),
		llm.WithTemperature(e.cfg.SynthesisTemperature),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// finish applies the output contract to a synthesized answer and reconciles
// its citations with what was fetched.
func (e *Engine) finish(text string, sources []citation.Source) string {
	text = NormalizeBullets(strings.TrimSpace(text))
	text = UnboldNumbers(text)
	text = EnforceLength(text, e.cfg.MaxLength)
	return citation.Reconcile(text, sources, e.cfg.CitationBudget)
}

var (
	bulletMarker = regexp.MustCompile(`(?m)^([ \t]*)[*•·+][ \t]+`)
	boldSpan     = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
)

// NormalizeBullets rewrites "*", "+" and "•" list markers to "- ".
func NormalizeBullets(text string) string {
	return bulletMarker.ReplaceAllString(text, "${1}- ")
}

// UnboldNumbers removes bold from spans that are only a value.
func UnboldNumbers(text string) string {
	return boldSpan.ReplaceAllStringFunc(text, func(m string) string {
		inner := m[2 : len(m)-2]
		if evaluation.IsNumeric(inner) {
			return inner
		}
		return m
	})
}

const lengthMarker = "\n(Response length exceeded)"

// EnforceLength cuts text longer than limit characters at the last line or
// word boundary and appends the length marker. A Sources block is dropped
// before measuring; reconciliation rebuilds it.
func EnforceLength(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	body := citation.StripSources(text)
	if utf8.RuneCountInString(body) <= limit {
		return body
	}

	cut := string([]rune(body)[:limit])
	if i := strings.LastIndexByte(cut, '\n'); i > len(cut)/2 {
		cut = cut[:i]
	} else if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \t\n") + lengthMarker
}
