// Package evaluation checks a finished answer against the output contract:
// header first, "- " bullets, no bold numbers, one wrapped URL per source
// and the length ceiling.
package evaluation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/citation"
	"github.com/yomibot/backend/internal/metrics"
	"github.com/yomibot/backend/pkg/logger"
)

type Rule string

const (
	RuleHeader         Rule = "section_header"
	RuleBullets        Rule = "bullet_style"
	RuleNumericBold    Rule = "numeric_bold"
	RuleUnwrappedURL   Rule = "unwrapped_url"
	RuleDuplicateURL   Rule = "duplicate_url"
	RuleOrphanSources  Rule = "orphan_sources"
	RuleUncitedSources Rule = "uncited_sources"
	RuleLength         Rule = "length"
)

type Violation struct {
	Rule   Rule   `json:"rule"`
	Detail string `json:"detail"`
}

type Result struct {
	Violations []Violation `json:"violations"`
}

func (r *Result) OK() bool { return len(r.Violations) == 0 }

func (r *Result) Rules() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, string(v.Rule))
	}
	return out
}

type Evaluator struct {
	maxLength int
}

func NewEvaluator(maxLength int) *Evaluator {
	if maxLength <= 0 {
		maxLength = citation.DefaultBudget
	}
	return &Evaluator{maxLength: maxLength}
}

var (
	headerFirst = regexp.MustCompile(`^\*\*[^*\n]+\*\*`)
	badBullet   = regexp.MustCompile(`(?m)^[ \t]*(?:[*+•·]|\d+\))[ \t]+\S`)
	boldSpan    = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	numericOnly = regexp.MustCompile(`(?i)^[~+\-]?\d[\d.,]*\s*(?:%|k|m|b|gp|kc|xp|hp|ms|s)?(?:\s*/\s*\d[\d.,]*)?$`)
	anyURL      = regexp.MustCompile(`https?://[^\s<>"]+`)
	sourcesLine = regexp.MustCompile(`(?m)^Sources:$`)
)

// IsNumeric reports whether a bolded span is a bare value such as "1/128",
// "45%" or "5,000,000 gp".
func IsNumeric(span string) bool {
	return numericOnly.MatchString(strings.TrimSpace(span))
}

// Check runs every rule against text. sources are the records that were
// fetched for the query.
func (e *Evaluator) Check(text string, sources []citation.Source) *Result {
	res := &Result{}
	add := func(rule Rule, format string, args ...any) {
		res.Violations = append(res.Violations, Violation{Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	trimmed := strings.TrimSpace(text)
	if !headerFirst.MatchString(trimmed) {
		add(RuleHeader, "answer does not open with a bold header")
	}

	body := citation.StripSources(trimmed)
	if m := badBullet.FindString(body); m != "" {
		add(RuleBullets, "list item %q", strings.TrimSpace(m))
	}
	for _, m := range boldSpan.FindAllStringSubmatch(body, -1) {
		if IsNumeric(m[1]) {
			add(RuleNumericBold, "bold value %q", m[1])
		}
	}

	for _, loc := range anyURL.FindAllStringIndex(trimmed, -1) {
		if loc[0] == 0 || trimmed[loc[0]-1] != '<' {
			add(RuleUnwrappedURL, "%s", trimmed[loc[0]:loc[1]])
		}
	}

	cited := map[string]int{}
	for _, u := range wrappedURLs(trimmed) {
		cited[u]++
	}
	for u, n := range cited {
		if n > 1 {
			add(RuleDuplicateURL, "%s cited %d times", u, n)
		}
	}

	hasHeader := sourcesLine.MatchString(trimmed)
	if hasHeader && !strings.Contains(trimmed[len(body):], "<http") {
		add(RuleOrphanSources, "Sources header without entries")
	}
	if hasHeader && len(sources) == 0 {
		add(RuleOrphanSources, "Sources header with nothing fetched")
	}
	var missing []string
	for _, s := range citation.Dedupe(sources) {
		if cited[s.URL] == 0 {
			missing = append(missing, s.URL)
		}
	}
	if len(missing) > 0 {
		add(RuleUncitedSources, "%d fetched sources not cited", len(missing))
	}

	if n := utf8.RuneCountInString(trimmed); n > e.maxLength {
		add(RuleLength, "%d characters", n)
	}

	return res
}

// Observe logs and counts the violations of one answer.
func Observe(queryID string, res *Result) {
	for _, v := range res.Violations {
		metrics.ContractViolations.WithLabelValues(string(v.Rule)).Inc()
	}
	if !res.OK() {
		logger.Warn("Answer broke output rules",
			zap.String("query_id", queryID),
			zap.Strings("rules", res.Rules()),
		)
	}
}

// wrappedURLs returns every <url> occurrence, duplicates included.
func wrappedURLs(text string) []string {
	var out []string
	for rest := text; ; {
		i := strings.Index(rest, "<http")
		if i < 0 {
			return out
		}
		rest = rest[i+1:]
		j := strings.IndexByte(rest, '>')
		if j < 0 {
			return out
		}
		out = append(out, rest[:j])
		rest = rest[j+1:]
	}
}
