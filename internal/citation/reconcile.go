// Package citation makes the Sources block of an answer match what was
// actually fetched and wraps every URL for link-preview suppression.
package citation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultBudget is the platform message ceiling the Sources block must fit.
const DefaultBudget = 2000

const header = "Sources:"

type Kind string

const (
	KindWiki   Kind = "wiki"
	KindPlayer Kind = "player"
	KindMetric Kind = "metric"
	KindWeb    Kind = "web"
)

type Source struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Dedupe keeps the first source for each URL.
func Dedupe(sources []Source) []Source {
	seen := make(map[string]bool, len(sources))
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		key := urlKey(s.URL)
		if s.URL == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func urlKey(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}

var (
	headerLine = regexp.MustCompile(`(?im)^[ \t]*(?:[#>*_]+[ \t]*)*sources?[ \t]*:?[ \t]*[*_]*[ \t]*:?[ \t]*$`)
	wrappedURL = regexp.MustCompile(`<(https?://[^\s<>]+)>`)
)

// Reconcile rewrites text so that its Sources block lists each fetched
// source at most once, URLs are wrapped and the whole text stays within
// budget. An existing block is normalised in place: bullet markers are
// fixed, duplicates and URLs that were never fetched are dropped, and fetched
// sources not cited anywhere are appended while they fit. Without a block,
// one is appended from the uncited sources. A block that ends up empty is
// removed along with its header.
func Reconcile(text string, sources []Source, budget int) string {
	if budget <= 0 {
		budget = DefaultBudget
	}
	sources = Dedupe(sources)
	text = WrapURLs(strings.TrimSpace(text))

	body, section, hasSection := splitSources(text)

	fetched := make(map[string]bool, len(sources))
	for _, s := range sources {
		fetched[urlKey(s.URL)] = true
	}

	var entries []string
	listed := map[string]bool{}
	if hasSection {
		for _, line := range strings.Split(section, "\n") {
			for _, m := range wrappedURL.FindAllStringSubmatch(line, -1) {
				key := urlKey(m[1])
				if !fetched[key] || listed[key] {
					continue
				}
				listed[key] = true
				entries = append(entries, m[1])
			}
		}
	}

	cited := func(u string) bool {
		return listed[urlKey(u)] || strings.Contains(body, "<"+u+">")
	}

	out := strings.TrimRight(body, " \t\n")
	block := ""
	for _, e := range entries {
		block += "\n- <" + e + ">"
	}
	for _, s := range sources {
		if cited(s.URL) {
			continue
		}
		line := "\n- <" + s.URL + ">"
		if utf8.RuneCountInString(assemble(out, block+line)) > budget {
			break
		}
		block += line
	}

	return assemble(out, block)
}

func assemble(body, block string) string {
	if block == "" {
		return body
	}
	if body == "" {
		return header + block
	}
	return body + "\n\n" + header + block
}

// splitSources separates the text at the first Sources header.
func splitSources(text string) (body, section string, ok bool) {
	loc := headerLine.FindStringIndex(text)
	if loc == nil {
		return text, "", false
	}
	return text[:loc[0]], text[loc[1]:], true
}

// StripSources removes the Sources block, for surfaces that list sources
// separately.
func StripSources(text string) string {
	body, _, _ := splitSources(text)
	return strings.TrimRight(body, " \t\n")
}

// URLs returns the distinct wrapped URLs in text, in order.
func URLs(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range wrappedURL.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
