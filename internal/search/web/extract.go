package web

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
)

const truncatedMarker = "... (content truncated)"

// ExtractText returns the visible text of an HTML page, one text run per
// line with blank runs dropped.
func ExtractText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript, template, svg").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var lines []string
	var walk func(sel *goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, n *goquery.Selection) {
			if goquery.NodeName(n) == "#text" {
				if t := strings.Join(strings.Fields(n.Text()), " "); t != "" {
					lines = append(lines, t)
				}
				return
			}
			walk(n)
		})
	}
	walk(root)

	return strings.Join(lines, "\n"), nil
}

// Truncate bounds text to limit bytes. When it must cut, it keeps whole
// sentences if they cover at least half the budget and appends a marker.
func Truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || len(text) <= limit {
		return text
	}

	head := strings.ToValidUTF8(text[:limit], "")

	cut := head
	if doc, err := prose.NewDocument(head,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false)); err == nil {
		sentences := doc.Sentences()
		if len(sentences) > 1 {
			// the last sentence is the one the cut split
			last := sentences[len(sentences)-2].Text
			if i := strings.LastIndex(head, last); i >= 0 && i+len(last) >= limit/2 {
				cut = head[:i+len(last)]
			}
		}
	}

	return strings.TrimSpace(cut) + truncatedMarker
}

// FormatResults renders results as the web block handed to synthesis.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No search results found."
	}

	var b strings.Builder
	b.WriteString("\n\n=== WEB SEARCH RESULTS ===\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "--- RESULT %d: %s ---\n", i+1, r.Title)
		fmt.Fprintf(&b, "Source: %s\n\n", r.URL)
		b.WriteString(r.Content)
		b.WriteString("\n\n" + strings.Repeat("=", 50) + "\n\n")
	}
	return b.String()
}
