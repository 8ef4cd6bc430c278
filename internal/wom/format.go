package wom

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yomibot/backend/internal/catalog"
)

// FormatPlayer renders a snapshot as the text block handed to the model. It
// reports false when the player has no snapshot data.
func FormatPlayer(p *Player, profileURL string) (string, bool) {
	if p == nil {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Source URL: %s\n\n", profileURL)
	fmt.Fprintf(&b, "Player: %s\n", p.DisplayName)
	fmt.Fprintf(&b, "Account type: %s\n", AccountType(p.Type))
	fmt.Fprintf(&b, "Combat Level: %d\n", p.CombatLevel)
	fmt.Fprintf(&b, "Total Experience: %d\n", p.Exp)

	if p.LatestSnapshot == nil || p.LatestSnapshot.Data == nil {
		return "", false
	}
	data := p.LatestSnapshot.Data

	b.WriteString("===== SKILL LEVELS =====\n")
	fmt.Fprintf(&b, "%-15s %-10s %-15s\n", "Skill", "Level", "Experience")
	b.WriteString(strings.Repeat("-", 40) + "\n")
	for _, name := range ordered(data.Skills, catalog.Skills) {
		s := data.Skills[name]
		level, exp := s.Level, s.Experience
		if level < 0 {
			level = 1
		}
		if exp < 0 {
			exp = 0
		}
		fmt.Fprintf(&b, "%-15s %-10d %-15d\n", capitalize(name), level, exp)
	}
	b.WriteString("\n")

	b.WriteString("===== ACTIVITIES =====\n")
	fmt.Fprintf(&b, "%-25s %-10s\n", "Activity", "Score")
	b.WriteString(strings.Repeat("-", 35) + "\n")
	for _, name := range ordered(data.Activities, catalog.Activities) {
		fmt.Fprintf(&b, "%-25s %-10d\n", titleCase(name), max(data.Activities[name].Score, 0))
	}
	b.WriteString("\n")

	b.WriteString("===== BOSS KILL COUNTS =====\n")
	fmt.Fprintf(&b, "%-25s %-10s\n", "Boss", "Kills")
	b.WriteString(strings.Repeat("-", 35) + "\n")
	for _, name := range ordered(data.Bosses, catalog.Bosses) {
		display := titleCase(name)
		if display == "Chambers Of Xeric Challenge Mode" {
			display = "Chambers Of Xeric (CM)"
		}
		fmt.Fprintf(&b, "%-25s %-10d\n", display, max(data.Bosses[name].Kills, 0))
	}

	return strings.TrimRight(b.String(), "\n"), true
}

// FormatMetrics renders clan scoreboards. Account types come from roster.
func FormatMetrics(boards []MetricBoard, roster []Membership) string {
	if len(boards) == 0 {
		return "No metrics data available."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CLAN METRICS FOR %d MEMBERS\n", len(boards[0].Entries))

	for _, board := range boards {
		fmt.Fprintf(&b, "\n**%s**\n", catalog.DisplayName(board.Metric))
		kind := catalog.KindOf(board.Metric)
		for i, e := range board.Entries {
			accountType := "Unknown"
			if m := FindMember(roster, e.Name); m != nil {
				accountType = AccountType(m.Player.Type)
			}

			var value string
			switch kind {
			case catalog.KindSkill:
				value = fmt.Sprintf("Level %d", e.Value)
			case catalog.KindBoss:
				value = fmt.Sprintf("%d KC", e.Value)
			default:
				value = fmt.Sprintf("%d", e.Value)
			}
			fmt.Fprintf(&b, "%d. (%s) %s: %s\n", i+1, accountType, e.Name, value)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// ordered lists the keys of m in catalog order, then any unknown keys
// alphabetically.
func ordered[V any](m map[string]V, known []string) []string {
	out := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, k := range known {
		if _, ok := m[k]; ok {
			out = append(out, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}
