package web

import (
	"net/url"
	"strings"
)

const wikiDomain = "runescape.wiki"

// Blocklist holds URL substrings that are never used as sources: gold
// sellers, botting clients and community sites for the other game.
var Blocklist = []string{
	// gold / account sellers
	"g2g.com",
	"playerauctions.com",
	"eldorado.gg",
	"probemas.com",
	"osrsgold",
	"rsgoldfast.com",
	"rsorder.com",
	"mmogah.com",
	"z2u.com",
	"chicksgold.com",
	"igvault.com",
	"partypeteshop.com",
	// unofficial clients and bots
	"dreambot.org",
	"osbot.org",
	"tribot.org",
	"powerbot.org",
	"rspeer.org",
	"epicbot.com",
	// unrelated community wikis
	"runescape.fandom.com",
	"runescape.wikia.com",
}

// WikiAllowlist names the wiki subdomains that are trusted.
var WikiAllowlist = []string{
	"oldschool.runescape.wiki",
	"prices.runescape.wiki",
}

// Allowed reports whether a search result URL may be used as a source.
func Allowed(raw string) bool {
	lower := strings.ToLower(raw)
	for _, b := range Blocklist {
		if strings.Contains(lower, b) {
			return false
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == wikiDomain || strings.HasSuffix(host, "."+wikiDomain) {
		for _, a := range WikiAllowlist {
			if host == a {
				return true
			}
		}
		return false
	}
	return true
}

// IsWikiURL reports whether raw points at the trusted OSRS wiki.
func IsWikiURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), WikiAllowlist[0])
}
