package citation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

const (
	vorkath = "https://oldschool.runescape.wiki/w/Vorkath"
	toaC    = "https://oldschool.runescape.wiki/w/Chest_(Tombs_of_Amascut)"
	wom     = "https://wiseoldman.net/players/alice"
)

func TestWrapURLs(t *testing.T) {
	cases := map[string]string{
		"see " + vorkath + " for gear":                     "see <" + vorkath + "> for gear",
		"see <" + vorkath + ">":                            "see <" + vorkath + ">",
		"[" + vorkath + "](" + vorkath + ")":               "<" + vorkath + ">",
		"[Vorkath](" + vorkath + ")":                       "Vorkath <" + vorkath + ">",
		"(" + vorkath + ")":                                "<" + vorkath + ">",
		"[" + vorkath + "]":                                "<" + vorkath + ">",
		"(<" + vorkath + ">)":                              "<" + vorkath + ">",
		"ends with " + vorkath + ".":                       "ends with <" + vorkath + ">.",
		"**" + vorkath + "**":                              "**<" + vorkath + ">**",
		"(see " + vorkath + ")":                            "(see <" + vorkath + ">)",
		toaC:                                               "<" + toaC + ">",
		"(" + toaC + ")":                                   "<" + toaC + ">",
		`https://oldschool.runescape.wiki/w/Abyssal\_whip`: "<https://oldschool.runescape.wiki/w/Abyssal_whip>",
		"no links here":                                    "no links here",
	}
	for in, want := range cases {
		assert.Equal(t, want, WrapURLs(in), in)
	}
}

func TestWrapURLsRepairsParenthesisedPageNames(t *testing.T) {
	escaped := `https://oldschool.runescape.wiki/w/Chest\_(Tombs\_of\_Amascut)`

	assert.Equal(t, "<"+toaC+">", WrapURLs("["+escaped+"]("+toaC+")"))
	assert.Equal(t, "<"+toaC+">", WrapURLs("<https://oldschool.runescape.wiki/w/Chest_(Tombs_of_Amascut>)"))
	assert.Equal(t, "- <"+toaC+">", WrapURLs("- "+escaped))
}

func TestWrapURLsDoesNotSplitLongerURL(t *testing.T) {
	long := vorkath + "/Strategies"
	in := "<" + long + "> and " + vorkath
	assert.Equal(t, "<"+long+"> and <"+vorkath+">", WrapURLs(in))
}

var urlPool = []string{
	vorkath, toaC, wom,
	"https://prices.runescape.wiki/osrs/item/4151",
	"https://example.com/a?b=c&d=e",
	`https://oldschool.runescape.wiki/w/Dragon\_scimitar`,
}

var wrappers = []func(string) string{
	func(u string) string { return u },
	func(u string) string { return "<" + u + ">" },
	func(u string) string { return "(" + u + ")" },
	func(u string) string { return "[" + u + "]" },
	func(u string) string { return "[" + u + "](" + u + ")" },
	func(u string) string { return "[label](" + u + ")" },
	func(u string) string { return u + "." },
	func(u string) string { return "**" + u + "**" },
}

var fillers = []string{"", " ", "\n", "- ", "Sources:\n", "text ", "(", ")", "[", "]", "<", ">", ".", "**"}

func genText(t *rapid.T) string {
	n := rapid.IntRange(0, 8).Draw(t, "parts")
	var b strings.Builder
	for i := 0; i < n; i++ {
		if rapid.Bool().Draw(t, "isURL") {
			u := rapid.SampledFrom(urlPool).Draw(t, "url")
			w := rapid.IntRange(0, len(wrappers)-1).Draw(t, "wrapper")
			b.WriteString(wrappers[w](u))
		} else {
			b.WriteString(rapid.SampledFrom(fillers).Draw(t, "filler"))
		}
	}
	return b.String()
}

func TestWrapURLsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := genText(t)
		once := WrapURLs(text)
		twice := WrapURLs(once)
		if once != twice {
			t.Fatalf("not idempotent:\n in: %q\n 1x: %q\n 2x: %q", text, once, twice)
		}
	})
}

func TestWrapURLsLeavesNoBareURL(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		out := WrapURLs(genText(t))
		for i := strings.Index(out, "http"); i >= 0; {
			if i == 0 || out[i-1] != '<' {
				t.Fatalf("bare URL at %d in %q", i, out)
			}
			next := strings.Index(out[i+1:], "http")
			if next < 0 {
				break
			}
			i += next + 1
		}
	})
}

func TestReconcileAppendsMissingSources(t *testing.T) {
	out := Reconcile("**Vorkath**\n- Use ranged", []Source{{Kind: KindWiki, Name: "Vorkath", URL: vorkath}}, 0)
	assert.Equal(t, "**Vorkath**\n- Use ranged\n\nSources:\n- <"+vorkath+">", out)
}

func TestReconcileNormalisesExistingSection(t *testing.T) {
	in := "**Vorkath**\n- Use ranged\n\n**Sources:**\n" +
		"* " + vorkath + "\n" +
		"Player data: " + wom + "\n" +
		"- <" + vorkath + ">\n" +
		"- <https://made.up/page>"
	out := Reconcile(in, []Source{
		{Kind: KindWiki, URL: vorkath},
		{Kind: KindPlayer, URL: wom},
	}, 0)

	assert.Equal(t, "**Vorkath**\n- Use ranged\n\nSources:\n- <"+vorkath+">\n- <"+wom+">", out)
	assert.Equal(t, 1, strings.Count(out, "Sources:"))
}

func TestReconcileDropsOrphanHeader(t *testing.T) {
	out := Reconcile("**Answer**\nNothing to cite.\n\nSources:\n", nil, 0)
	assert.Equal(t, "**Answer**\nNothing to cite.", out)
	assert.NotContains(t, out, "Sources")

	out = Reconcile("**Answer**\n\nSources:\n- <https://hallucinated.example/x>", nil, 0)
	assert.NotContains(t, out, "Sources")
}

func TestReconcileSkipsInlineCitedSources(t *testing.T) {
	out := Reconcile("**Vorkath**\nSee "+vorkath+" for details.", []Source{{URL: vorkath}}, 0)
	assert.Equal(t, "**Vorkath**\nSee <"+vorkath+"> for details.", out)
}

func TestReconcileRespectsBudget(t *testing.T) {
	body := "**Answer**\n" + strings.Repeat("x", 100)
	sources := []Source{{URL: vorkath}, {URL: wom}, {URL: toaC}}

	out := Reconcile(body, sources, len(body)+len("\n\nSources:\n- <"+vorkath+">")+5)
	assert.Contains(t, out, vorkath)
	assert.NotContains(t, out, wom, "newest sources are the ones omitted")
	assert.NotContains(t, out, toaC)

	out = Reconcile(body, sources, len(body)+3)
	assert.Equal(t, body, out)
}

func TestReconcileBudgetCountsCharacters(t *testing.T) {
	body := "**Ödland**\n" + strings.Repeat("é", 1500)
	sources := []Source{{URL: vorkath}, {URL: wom}}

	out := Reconcile(body, sources, DefaultBudget)
	assert.Contains(t, out, "Sources:")
	assert.Contains(t, out, "<"+vorkath+">")
	assert.Contains(t, out, "<"+wom+">")
	assert.LessOrEqual(t, utf8.RuneCountInString(out), DefaultBudget)
}

func TestReconcileProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, len(urlPool)-1).Draw(t, "sources")
		var sources []Source
		for _, u := range urlPool[:n] {
			sources = append(sources, Source{URL: WrapURLs(u)[1 : len(WrapURLs(u))-1]})
		}
		body := "**Answer**\n" + rapid.StringMatching(`[a-z ]{0,40}`).Draw(t, "body")
		if rapid.Bool().Draw(t, "withSection") && n > 0 {
			body += "\n\nSources:\n- " + sources[0].URL + "\n- " + sources[0].URL
		}

		out := Reconcile(body, sources, DefaultBudget)
		if n == 0 {
			if strings.Contains(out, "Sources:") {
				t.Fatalf("header without sources: %q", out)
			}
			return
		}
		if got := len(URLs(out)); got != n {
			t.Fatalf("want %d distinct URLs, got %d in %q", n, got, out)
		}
		for _, s := range sources {
			if strings.Count(out, "<"+s.URL+">") != 1 {
				t.Fatalf("%s not cited exactly once in %q", s.URL, out)
			}
		}
		if Reconcile(out, sources, DefaultBudget) != out {
			t.Fatalf("reconcile is not stable on %q", out)
		}
	})
}

func TestStripSources(t *testing.T) {
	assert.Equal(t, "**Answer**\ntext", StripSources("**Answer**\ntext\n\nSources:\n- <"+vorkath+">"))
	assert.Equal(t, "plain", StripSources("plain"))
}

func TestDedupe(t *testing.T) {
	out := Dedupe([]Source{{URL: vorkath}, {URL: vorkath + "/"}, {URL: ""}, {URL: wom}})
	assert.Equal(t, []Source{{URL: vorkath}, {URL: wom}}, out)
}
