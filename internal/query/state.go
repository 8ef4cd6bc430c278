package query

import (
	"fmt"
	"strings"

	"github.com/yomibot/backend/internal/catalog"
	"github.com/yomibot/backend/internal/citation"
	"github.com/yomibot/backend/internal/wiki"
	"github.com/yomibot/backend/internal/wom"
)

type playerData struct {
	name  string
	block string
}

// state accumulates everything fetched for one query.
type state struct {
	roster []wom.Membership

	players   []playerData
	playerSrc []citation.Source

	boards    []wom.MetricBoard
	metricSrc []citation.Source

	wikiBlocks []string
	wikiSrc    []citation.Source
	// queried holds lowercased page names already requested or resolved.
	queried map[string]bool

	webContent    string
	webSrc        []citation.Source
	webSearchUsed bool
}

func newState(roster []wom.Membership) *state {
	return &state{roster: roster, queried: map[string]bool{}}
}

func pageKey(name string) string {
	return strings.ToLower(wiki.NormalizeName(name))
}

func (s *state) seenPage(name string) bool {
	return s.queried[pageKey(name)]
}

func (s *state) hasPlayer(name string) bool {
	for _, p := range s.players {
		if strings.EqualFold(p.name, name) {
			return true
		}
	}
	return false
}

// addPlayers keeps the players that came back with snapshot data. fetched is
// aligned with names.
func (s *state) addPlayers(names []string, fetched []*wom.Player, profileURL func(string) string) {
	for i, p := range fetched {
		if p == nil {
			continue
		}
		name := p.DisplayName
		if name == "" {
			name = names[i]
		}
		if s.hasPlayer(name) {
			continue
		}
		url := profileURL(names[i])
		block, ok := wom.FormatPlayer(p, url)
		if !ok {
			continue
		}
		s.players = append(s.players, playerData{name: name, block: block})
		s.playerSrc = append(s.playerSrc, citation.Source{Kind: citation.KindPlayer, Name: name, URL: url})
	}
}

func (s *state) addBoards(boards []wom.MetricBoard, hiscoresURL func(string) string) {
	for _, b := range boards {
		s.boards = append(s.boards, b)
		s.metricSrc = append(s.metricSrc, citation.Source{
			Kind: citation.KindMetric,
			Name: catalog.DisplayName(b.Metric),
			URL:  hiscoresURL(b.Metric),
		})
	}
}

// addWiki records a batch. Rejected stubs are remembered so they are not
// requested again, but never cited.
func (s *state) addWiki(requested []string, batch *wiki.BatchResult) {
	for _, n := range requested {
		s.queried[pageKey(n)] = true
	}
	for _, final := range batch.Redirects {
		s.queried[pageKey(final)] = true
	}
	for _, n := range batch.Rejected {
		s.queried[pageKey(n)] = true
	}
	if batch.Content != "" {
		s.wikiBlocks = append(s.wikiBlocks, batch.Content)
	}
	for _, p := range batch.Pages {
		s.queried[pageKey(p.Name)] = true
		s.wikiSrc = append(s.wikiSrc, citation.Source{Kind: citation.KindWiki, Name: p.Name, URL: p.URL})
	}
}

func (s *state) wikiContent() string {
	return strings.Join(s.wikiBlocks, wiki.PageSeparator)
}

// knowledge is the wiki and web text handed to synthesis.
func (s *state) knowledge() string {
	parts := make([]string, 0, 2)
	if c := s.wikiContent(); c != "" {
		parts = append(parts, c)
	}
	if s.webContent != "" {
		parts = append(parts, s.webContent)
	}
	return strings.Join(parts, "\n\n")
}

func (s *state) playerContext() string {
	var b strings.Builder
	for _, p := range s.players {
		fmt.Fprintf(&b, "\n===== %s DATA =====\n%s\n", p.name, p.block)
	}
	return b.String()
}

// sources lists every citable record: players, clan metrics, wiki, web.
func (s *state) sources() []citation.Source {
	all := make([]citation.Source, 0, len(s.playerSrc)+len(s.metricSrc)+len(s.wikiSrc)+len(s.webSrc))
	all = append(all, s.playerSrc...)
	all = append(all, s.metricSrc...)
	all = append(all, s.wikiSrc...)
	all = append(all, s.webSrc...)
	return citation.Dedupe(all)
}

func (s *state) playerNames() []string {
	out := make([]string, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p.name)
	}
	return out
}

func (s *state) pageNames() []string {
	out := make([]string, 0, len(s.wikiSrc))
	for _, src := range s.wikiSrc {
		out = append(out, src.Name)
	}
	return out
}
