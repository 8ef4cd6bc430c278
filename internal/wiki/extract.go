package wiki

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const minSubstantiveChars = 200

var basicInfoKeys = []string{"Members", "Tradeable", "Equipable", "High alch", "Weight", "Buy limit"}

var skippedSections = map[string]bool{
	"Combat stats":                  true,
	"Used in recommended equipment": true,
	"Gallery":                       true,
	"Gallery (historical)":          true,
	"References":                    true,
	"Sound effects":                 true,
	"Transcript":                    true,
}

type bonusSection struct {
	Title  string
	Labels []string
	Values []string
}

// Article is the structured result of extracting one wiki page.
type Article struct {
	Name        string
	Info        map[string]string
	Bonuses     []bonusSection
	Description string
	stub        bool
}

// Rejected reports a page that exists but carries no usable content.
func (a *Article) Rejected() bool {
	if a.stub || strings.Contains(a.Description, "Nothing interesting happens") {
		return true
	}
	return len(a.Info) == 0 && len(a.Bonuses) == 0 && len([]rune(substantive(a.Description))) < minSubstantiveChars
}

func substantive(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "===") {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

// Render produces the text block handed to the model.
func (a *Article) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s Information ===\n\n", a.Name)
	for _, key := range basicInfoKeys {
		if v, ok := a.Info[key]; ok {
			fmt.Fprintf(&b, "%s: %s\n", key, v)
		}
	}
	if v, ok := a.Info["Exchange"]; ok {
		fmt.Fprintf(&b, "Grand Exchange (GE) Price: %s\n", v)
	}
	b.WriteString("\n===Combat Stats===\n")
	for _, section := range a.Bonuses {
		fmt.Fprintf(&b, "\n%s:\n", section.Title)
		for i, label := range section.Labels {
			fmt.Fprintf(&b, "  %s: %5s\n", label, section.Values[i])
		}
	}
	b.WriteString("\n===Description===\n")
	b.WriteString(a.Description)
	return strings.TrimRight(b.String(), "\n")
}

// Extract parses article HTML. title is used when the page has no infobox
// header.
func Extract(html, title string) (*Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	article := &Article{
		Name: strings.ReplaceAll(title, "_", " "),
		Info: map[string]string{},
	}

	content := doc.Find("#mw-content-text").First()
	if content.Length() == 0 {
		return nil, errors.New("no article content")
	}
	if content.Find(".noarticletext").Length() > 0 {
		article.stub = true
	}

	extractInfobox(content, article)
	extractBonuses(content, article)

	root := content.Find(".mw-parser-output").First()
	if root.Length() == 0 {
		root = content
	}
	w := &descriptionWriter{}
	w.walk(root)
	article.Description = w.b.String()

	return article, nil
}

func extractInfobox(content *goquery.Selection, article *Article) {
	infobox := content.Find("table.infobox").Not(".infobox-bonuses").First()
	if infobox.Length() == 0 {
		return
	}
	if header := cleanText(infobox.Find("th.infobox-header").First().Text()); header != "" {
		article.Name = header
	}
	infobox.Find("tr").Each(func(_ int, row *goquery.Selection) {
		th := row.Find("th").First()
		td := row.Find("td").First()
		if th.Length() == 0 || td.Length() == 0 {
			return
		}
		key := cleanText(th.Text())
		if key == "" {
			return
		}
		value := cleanText(td.Text())
		if key == "Exchange" {
			value = strings.ReplaceAll(value, " (info)", "")
		}
		if _, seen := article.Info[key]; !seen {
			article.Info[key] = value
		}
	})
}

func extractBonuses(content *goquery.Selection, article *Article) {
	table := content.Find("table.infobox-bonuses").First()
	if table.Length() == 0 {
		return
	}

	attack := bonusSection{Title: "Attack bonuses", Labels: []string{"Stab", "Slash", "Crush", "Magic", "Ranged"}}
	defence := bonusSection{Title: "Defence bonuses", Labels: []string{"Stab", "Slash", "Crush", "Magic", "Ranged"}}
	other := bonusSection{Title: "Other bonuses", Labels: []string{"Strength", "Ranged Strength", "Magic Damage", "Prayer"}}
	var current *bonusSection

	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if sub := row.Find("th.infobox-subheader"); sub.Length() > 0 {
			text := sub.Text()
			switch {
			case strings.Contains(text, "Attack bonus"):
				current = &attack
			case strings.Contains(text, "Defence bonus"):
				current = &defence
			case strings.Contains(text, "Other bonus"):
				current = &other
			}
			return
		}
		if current == nil {
			return
		}
		var values []string
		row.Find("td.infobox-nested").Each(func(_ int, td *goquery.Selection) {
			values = append(values, cleanText(td.Text()))
		})
		switch {
		case current == &other && len(values) >= 4:
			other.Values = values[:4]
		case current != &other && len(values) == 5:
			current.Values = values
		}
	})

	for _, s := range []bonusSection{attack, defence, other} {
		if len(s.Values) == len(s.Labels) {
			article.Bonuses = append(article.Bonuses, s)
		}
	}
}

type descriptionWriter struct {
	b                    strings.Builder
	skip                 bool
	specialAttackWritten bool
}

func (w *descriptionWriter) walk(sel *goquery.Selection) {
	sel.Children().Each(func(_ int, el *goquery.Selection) {
		if heading, ok := headingText(el); ok {
			w.heading(heading)
			return
		}
		if w.skip || noise(el) {
			return
		}

		switch goquery.NodeName(el) {
		case "p":
			if text := nodeText(el); text != "" {
				w.b.WriteString(text + "\n")
			}
		case "ul", "ol":
			el.Find("li").Each(func(_ int, li *goquery.Selection) {
				if text := nodeText(li); text != "" {
					w.b.WriteString("• " + text + "\n")
				}
			})
		case "dl":
			el.Children().Each(func(_ int, d *goquery.Selection) {
				if text := nodeText(d); text != "" {
					w.b.WriteString(text + "\n")
				}
			})
		case "table":
			if el.HasClass("infobox") {
				return
			}
			if rendered := renderTable(el); rendered != "" {
				w.b.WriteString("\n" + rendered + "\n")
			}
		case "div", "section":
			w.walk(el)
		}
	})
}

func (w *descriptionWriter) heading(text string) {
	switch {
	case skippedSections[text]:
		w.skip = true
	case text == "Special attack":
		if w.specialAttackWritten {
			w.skip = true
			return
		}
		w.specialAttackWritten = true
		w.skip = false
		fmt.Fprintf(&w.b, "\n===%s===\n", text)
	default:
		w.skip = false
		fmt.Fprintf(&w.b, "\n===%s===\n", text)
	}
}

// headingText recognises both the legacy h2 > span.mw-headline markup and
// the newer div.mw-heading wrapper.
func headingText(el *goquery.Selection) (string, bool) {
	name := goquery.NodeName(el)
	if name == "div" && el.HasClass("mw-heading") {
		h := el.Find("h1, h2, h3, h4, h5, h6").First()
		return cleanText(h.Text()), true
	}
	switch name {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		if span := el.Find("span.mw-headline").First(); span.Length() > 0 {
			return cleanText(span.Text()), true
		}
		return cleanText(el.Text()), true
	}
	return "", false
}

func noise(el *goquery.Selection) bool {
	if id, _ := el.Attr("id"); id == "toc" {
		return true
	}
	for _, class := range []string{"navbox", "toc", "mw-editsection", "reference", "reflist", "navigation-not-searchable", "messagebox"} {
		if el.HasClass(class) {
			return true
		}
	}
	switch goquery.NodeName(el) {
	case "style", "script", "noscript":
		return true
	}
	return false
}

func renderTable(table *goquery.Selection) string {
	var lines []string
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		var cells []string
		row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, nodeText(cell))
		})
		if len(cells) > 0 {
			lines = append(lines, strings.Join(cells, " | "))
		}
	})
	return strings.Join(lines, "\n")
}

// imageText describes an image by alt text, then link title, then link
// target.
func imageText(img *goquery.Selection) string {
	if alt, ok := img.Attr("alt"); ok && strings.TrimSpace(alt) != "" {
		return "IMG: [" + strings.TrimSpace(alt) + "]"
	}
	parent := img.Parent()
	if goquery.NodeName(parent) == "a" {
		if title, ok := parent.Attr("title"); ok && title != "" {
			return "IMG: [" + title + "]"
		}
		if href, ok := parent.Attr("href"); ok && href != "" {
			return "IMG: [" + strings.TrimPrefix(href, "/w/") + "]"
		}
	}
	return "IMG: [no description]"
}

// nodeText is Selection.Text with images rendered and noise removed.
func nodeText(sel *goquery.Selection) string {
	var b strings.Builder
	var visit func(*goquery.Selection)
	visit = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, n *goquery.Selection) {
			switch goquery.NodeName(n) {
			case "#text":
				b.WriteString(n.Text())
			case "img":
				b.WriteString(" " + imageText(n) + " ")
			case "style", "script", "sup":
			case "br":
				b.WriteString(" ")
			default:
				if n.HasClass("mw-editsection") {
					return
				}
				visit(n)
			}
		})
	}
	visit(sel)
	return cleanText(b.String())
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
