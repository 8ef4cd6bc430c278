package citation

import (
	"strings"
)

// WrapURLs rewrites every URL in text into the link-preview suppressed form
// <url>. Markdown links, parenthesised and bracketed URLs collapse to the
// same form, markdown escapes inside URLs are removed and already wrapped
// URLs are left alone, so applying it twice changes nothing.
func WrapURLs(text string) string {
	// collapsing one wrapper can expose another, e.g. "[x](" + "(url)" + ")"
	for range maxPasses {
		next := wrapPass(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

const maxPasses = 8

func wrapPass(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 16)

	n := len(text)
	for i := 0; i < n; {
		switch c := text[i]; {
		case c == '<' && urlAt(text, i+1):
			u, end := scanURL(text, i+1, false)
			if end < n && text[end] == '>' {
				end++
				// "<...(Name>)" left by a naive wrap
				if strings.Count(u, "(") > strings.Count(u, ")") && end < n && text[end] == ')' {
					u += ")"
					end++
				}
				writeWrapped(&b, u)
				i = end
				continue
			}
			b.WriteByte(c)
			i++

		case c == '[':
			if out, end, ok := markdownLink(text, i); ok {
				b.WriteString(out)
				i = end
				continue
			}
			if start := skipAngle(text, i+1); urlAt(text, start) {
				u, end := scanURL(text, start, false)
				end = skipCloseAngle(text, end)
				if end < n && text[end] == ']' {
					writeWrapped(&b, u)
					i = end + 1
					continue
				}
			}
			b.WriteByte(c)
			i++

		case c == '(':
			if start := skipAngle(text, i+1); urlAt(text, start) {
				u, end := scanURL(text, start, false)
				end = skipCloseAngle(text, end)
				if end < n && text[end] == ')' {
					writeWrapped(&b, u)
					i = end + 1
					continue
				}
			}
			b.WriteByte(c)
			i++

		case urlAt(text, i):
			u, end := scanURL(text, i, true)
			writeWrapped(&b, u)
			i = end

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func writeWrapped(b *strings.Builder, u string) {
	b.WriteByte('<')
	b.WriteString(u)
	b.WriteByte('>')
}

// markdownLink parses [label](url) at i. A label that is itself a URL (the
// usual escaped-underscore echo) is dropped; other labels are kept in front
// of the wrapped URL.
func markdownLink(text string, i int) (string, int, bool) {
	close := strings.IndexAny(text[i+1:], "]\n")
	if close < 0 || text[i+1+close] != ']' {
		return "", 0, false
	}
	label := text[i+1 : i+1+close]
	open := i + 1 + close + 1
	if open >= len(text) || text[open] != '(' {
		return "", 0, false
	}
	start := skipAngle(text, open+1)
	if !urlAt(text, start) {
		return "", 0, false
	}
	u, end := scanURL(text, start, false)
	end = skipCloseAngle(text, end)
	if end >= len(text) || text[end] != ')' {
		return "", 0, false
	}

	label = strings.TrimSpace(strings.Trim(label, "<>"))
	if label == "" || urlAt(label, 0) {
		return "<" + u + ">", end + 1, true
	}
	return WrapURLs(label) + " <" + u + ">", end + 1, true
}

func skipAngle(text string, i int) int {
	if i < len(text) && text[i] == '<' {
		return i + 1
	}
	return i
}

func skipCloseAngle(text string, i int) int {
	if i < len(text) && text[i] == '>' {
		return i + 1
	}
	return i
}

func urlAt(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return false
	}
	rest := text[i:]
	return strings.HasPrefix(rest, "https://") || strings.HasPrefix(rest, "http://")
}

// scanURL reads a URL starting at i and returns it unescaped with the index
// just past it. Parentheses are kept while balanced. With trim, trailing
// punctuation is left to the surrounding text; delimited URLs keep it.
func scanURL(text string, i int, trim bool) (string, int) {
	var u strings.Builder
	depth := 0
	j := i
	// ends records the text index after each byte written to u
	ends := make([]int, 0, 64)

scan:
	for j < len(text) {
		c := text[j]
		switch {
		case c == '\\' && j+1 < len(text) && strings.IndexByte(`_()*~[]`, text[j+1]) >= 0:
			c = text[j+1]
			if c == '(' {
				depth++
			} else if c == ')' {
				if depth == 0 {
					break scan
				}
				depth--
			} else if c == '[' || c == ']' {
				break scan
			}
			u.WriteByte(c)
			j += 2
			ends = append(ends, j)
			continue
		case c <= ' ', c == '<', c == '>', c == '"', c == '[', c == ']', c == '`':
			break scan
		case c == '(':
			depth++
		case c == ')':
			if depth == 0 {
				break scan
			}
			depth--
		}
		u.WriteByte(c)
		j++
		ends = append(ends, j)
	}

	s := u.String()
	if !trim {
		return s, j
	}
	trimmed := strings.TrimRight(s, ".,;:!?'*_~")
	if trimmed == "" {
		return s, j
	}
	return trimmed, ends[len(trimmed)-1]
}
