// Package identify turns a user query into the set of players, wiki pages,
// clan metrics and web searches needed to answer it, in one tool call.
package identify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/catalog"
	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/internal/wiki"
	"github.com/yomibot/backend/pkg/logger"
)

type Scope string

const (
	ScopeSpecific Scope = "specific_members"
	ScopeAll      Scope = "all_members"
	ScopeNone     Scope = "no_members"
)

// DeriveScope is the authoritative scope rule: named players win, then clan
// metrics, else nobody.
func DeriveScope(players, metrics []string) Scope {
	switch {
	case len(players) > 0:
		return ScopeSpecific
	case len(metrics) > 0:
		return ScopeAll
	default:
		return ScopeNone
	}
}

type Result struct {
	MentionedPlayers []string      `json:"mentioned_players"`
	WikiPages        []string      `json:"wiki_pages"`
	Metrics          []string      `json:"metrics"`
	SearchQueries    []string      `json:"search_queries"`
	Scope            Scope         `json:"player_scope"`
	ImageEntities    []string      `json:"image_entities,omitempty"`
	Elapsed          time.Duration `json:"-"`
}

// Default is the safe fallback used when the model's answer is unusable.
func Default() *Result {
	return &Result{
		MentionedPlayers: []string{},
		WikiPages:        []string{},
		Metrics:          []string{},
		SearchQueries:    []string{},
		Scope:            ScopeNone,
	}
}

type Input struct {
	Query     string
	Members   []string
	ImageURLs []string
	Requester string
}

// Generator is the slice of the model gateway this package needs.
type Generator interface {
	GenerateWithTools(ctx context.Context, prompt string, tools []llm.Tool, opts ...llm.Option) (*llm.Response, error)
	GenerateWithImages(ctx context.Context, prompt string, images []llm.Image, opts ...llm.Option) (string, error)
}

// ImageLoader downloads attachment URLs for the image entity step.
type ImageLoader interface {
	Load(ctx context.Context, urls []string) []llm.Image
}

type Identifier struct {
	gen    Generator
	images ImageLoader
	log    *zap.Logger
}

func New(gen Generator, images ImageLoader) *Identifier {
	return &Identifier{gen: gen, images: images, log: logger.Named("identify")}
}

// Identify classifies the query. Gateway exhaustion is returned as is; any
// other failure degrades to Default.
func (id *Identifier) Identify(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	query := in.Query

	var entities []string
	if len(in.ImageURLs) > 0 && id.images != nil {
		var err error
		entities, err = id.ImageEntities(ctx, in.ImageURLs)
		if err != nil {
			return nil, err
		}
		if len(entities) > 0 {
			query += "\nItems in images: " + strings.Join(entities, ", ")
		}
	}

	resp, err := id.gen.GenerateWithTools(ctx, buildPrompt(query, in), []llm.Tool{IdentificationTool},
		llm.WithToolChoice(IdentificationTool.Name), llm.WithTemperature(0))
	if err != nil {
		if llm.IsExhausted(err) {
			return nil, err
		}
		id.log.Warn("Identification call failed, using defaults", zap.Error(err))
		return id.fallback(entities, start), nil
	}

	call, ok := resp.FirstCall()
	if !ok || call.Name != IdentificationTool.Name {
		id.log.Warn("Identification returned no tool call, using defaults", zap.String("model", resp.Model))
		return id.fallback(entities, start), nil
	}

	var raw Result
	if err := call.Decode(&raw); err != nil {
		id.log.Warn("Identification arguments unparseable, using defaults", zap.Error(err))
		return id.fallback(entities, start), nil
	}

	res := Sanitize(&raw, in.Members)
	res.ImageEntities = entities
	res.Elapsed = time.Since(start)

	id.log.Info("Query identified",
		zap.String("scope", string(res.Scope)),
		zap.Strings("players", res.MentionedPlayers),
		zap.Strings("wiki_pages", res.WikiPages),
		zap.Strings("metrics", res.Metrics),
		zap.Strings("search_queries", res.SearchQueries),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (id *Identifier) fallback(entities []string, start time.Time) *Result {
	res := Default()
	res.ImageEntities = entities
	res.Elapsed = time.Since(start)
	return res
}

func buildPrompt(query string, in Input) string {
	requester := in.Requester
	if requester == "" {
		requester = "Unknown"
	}

	var b strings.Builder
	b.WriteString("You are an OSRS clan bot assistant. Identify what information is needed to answer the query.\n\n")
	fmt.Fprintf(&b, "CLAN MEMBERS: %s\n", strings.Join(in.Members, ", "))
	fmt.Fprintf(&b, "REQUESTER NAME: %s\n\n", requester)
	fmt.Fprintf(&b, "USER QUERY: %s\n\n", query)
	if len(in.ImageURLs) > 0 {
		b.WriteString("IMAGE CONTEXT: the user attached images that may contain OSRS items.\n\n")
	}
	b.WriteString("ABBREVIATIONS: " + abbreviations + "\n\n")
	b.WriteString("Use the unified_identification function now.")
	return b.String()
}

const maxPageName = 100

// pageTitle returns name in the wiki's underscore form, or "" when it cannot
// be an article title.
func pageTitle(name string) string {
	name = wiki.NormalizeName(name)
	if name == "" || utf8.RuneCountInString(name) > maxPageName {
		return ""
	}
	if strings.ContainsFunc(name, func(r rune) bool {
		return unicode.IsControl(r) || strings.ContainsRune("#<>[]{}|", r)
	}) {
		return ""
	}
	return name
}

// Sanitize enforces the result invariants: catalog-only metrics, bounded
// deduplicated lists, underscore page names, roster spelling for members and
// no metrics when players are named.
func Sanitize(raw *Result, members []string) *Result {
	res := Default()

	for _, p := range raw.MentionedPlayers {
		p = canonicalMember(strings.TrimSpace(p), members)
		if p == "" || containsFold(res.MentionedPlayers, p) {
			continue
		}
		if len(res.MentionedPlayers) == MaxPlayers {
			break
		}
		res.MentionedPlayers = append(res.MentionedPlayers, p)
	}

	for _, page := range raw.WikiPages {
		page = pageTitle(page)
		if page == "" || containsFold(res.WikiPages, page) {
			continue
		}
		if len(res.WikiPages) == MaxPages {
			break
		}
		res.WikiPages = append(res.WikiPages, page)
	}

	if len(res.MentionedPlayers) == 0 {
		for _, m := range raw.Metrics {
			metric, ok := catalog.Resolve(m)
			if !ok || contains(res.Metrics, metric) {
				continue
			}
			res.Metrics = append(res.Metrics, metric)
		}
	}

	for _, q := range raw.SearchQueries {
		q = strings.TrimSpace(q)
		if q == "" || containsFold(res.SearchQueries, q) {
			continue
		}
		if len(res.SearchQueries) == MaxQueries {
			break
		}
		res.SearchQueries = append(res.SearchQueries, q)
	}

	res.Scope = DeriveScope(res.MentionedPlayers, res.Metrics)
	return res
}

func canonicalMember(name string, members []string) string {
	for _, m := range members {
		if strings.EqualFold(strings.TrimSpace(m), name) {
			return m
		}
	}
	return name
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
