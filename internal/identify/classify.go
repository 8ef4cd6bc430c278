package identify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/llm"
)

const classifyExcerpt = 1000

type Classification struct {
	Prohibited     bool `json:"is_prohibited"`
	PlayerOnly     bool `json:"is_player_only"`
	NeedsWebSearch bool `json:"needs_web_search"`
}

func defaultClassification() *Classification {
	return &Classification{NeedsWebSearch: true}
}

// Classify asks the model whether the wiki content already answers the
// query. Anything short of gateway exhaustion yields the conservative
// default, which requests a web search.
func (id *Identifier) Classify(ctx context.Context, query, wikiContent string) (*Classification, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this query about OSRS and classify it.\n\nQuery: %q\n", query)
	if wikiContent != "" {
		excerpt := wikiContent
		if len(excerpt) > classifyExcerpt {
			excerpt = strings.ToValidUTF8(excerpt[:classifyExcerpt], "") + "..."
		}
		fmt.Fprintf(&b, "\nWiki content available (first %d chars): %s\n", classifyExcerpt, excerpt)
	}
	b.WriteString("\nUse the classify_query function.")

	resp, err := id.gen.GenerateWithTools(ctx, b.String(), []llm.Tool{ClassifyTool},
		llm.WithToolChoice(ClassifyTool.Name), llm.WithTemperature(0))
	if err != nil {
		if llm.IsExhausted(err) {
			return nil, err
		}
		id.log.Warn("Classification failed", zap.Error(err))
		return defaultClassification(), nil
	}

	call, ok := resp.FirstCall()
	if !ok || call.Name != ClassifyTool.Name {
		return defaultClassification(), nil
	}
	c := defaultClassification()
	if err := call.Decode(c); err != nil {
		id.log.Warn("Classification arguments unparseable", zap.Error(err))
		return defaultClassification(), nil
	}
	id.log.Debug("Query classified",
		zap.Bool("prohibited", c.Prohibited),
		zap.Bool("player_only", c.PlayerOnly),
		zap.Bool("needs_web_search", c.NeedsWebSearch))
	return c, nil
}

// Sufficient reports whether wiki content alone answers the query.
func (id *Identifier) Sufficient(ctx context.Context, query, wikiContent string) (bool, error) {
	if strings.TrimSpace(wikiContent) == "" {
		return false, nil
	}
	c, err := id.Classify(ctx, query, wikiContent)
	if err != nil {
		return false, err
	}
	return !c.NeedsWebSearch, nil
}
