package discord

import (
	"path"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// MaxMessageLength is Discord's per-message character cap.
const MaxMessageLength = 2000

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// ParseCommand strips the first matching prefix. Longer prefixes win, so
// "!askyomi" is not read as "!ask" followed by "yomi".
func ParseCommand(content string, prefixes []string) (string, bool) {
	sorted := append([]string(nil), prefixes...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	trimmed := strings.TrimLeftFunc(content, unicode.IsSpace)
	for _, p := range sorted {
		if len(trimmed) < len(p) || !strings.EqualFold(trimmed[:len(p)], p) {
			continue
		}
		rest := trimmed[len(p):]
		if rest != "" {
			r, _ := utf8.DecodeRuneInString(rest)
			if !unicode.IsSpace(r) {
				continue
			}
		}
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// ImageURLs returns the attachment URLs that look like png, jpg, jpeg or webp
// images.
func ImageURLs(attachments []*discordgo.MessageAttachment) []string {
	var urls []string
	for _, a := range attachments {
		if a == nil || a.URL == "" {
			continue
		}
		if imageExtensions[strings.ToLower(path.Ext(a.Filename))] {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

// SplitMessage breaks text into chunks of at most limit characters, cutting
// at line breaks where possible. The newline at each cut is dropped.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	var chunks []string
	for {
		text = strings.Trim(text, "\n")
		if text == "" {
			return chunks
		}
		if utf8.RuneCountInString(text) <= limit {
			return append(chunks, text)
		}

		cut := runeOffset(text, limit)
		head := text[:cut]
		if i := strings.LastIndexByte(head, '\n'); i > 0 {
			chunks = append(chunks, strings.TrimRight(head[:i], "\n"))
			text = text[i+1:]
			continue
		}
		chunks = append(chunks, head)
		text = text[cut:]
	}
}

// runeOffset returns the byte offset just past the first n runes.
func runeOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}

func requesterName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author == nil {
		return ""
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
