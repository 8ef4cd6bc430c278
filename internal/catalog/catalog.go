// Package catalog is the closed set of metric identifiers understood by the
// stats API: skills, activities and bosses.
package catalog

import (
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSkill
	KindActivity
	KindBoss
)

func (k Kind) String() string {
	switch k {
	case KindSkill:
		return "skill"
	case KindActivity:
		return "activity"
	case KindBoss:
		return "boss"
	default:
		return "unknown"
	}
}

var Skills = []string{
	"overall", "attack", "defence", "strength", "hitpoints", "ranged", "prayer", "magic",
	"cooking", "woodcutting", "fletching", "fishing", "firemaking", "crafting", "smithing",
	"mining", "herblore", "agility", "thieving", "slayer", "farming", "runecrafting",
	"hunter", "construction", "sailing",
}

var Activities = []string{
	"league_points", "bounty_hunter_hunter", "bounty_hunter_rogue", "clue_scrolls_all",
	"clue_scrolls_beginner", "clue_scrolls_easy", "clue_scrolls_medium", "clue_scrolls_hard",
	"clue_scrolls_elite", "clue_scrolls_master", "last_man_standing", "pvp_arena",
	"soul_wars_zeal", "guardians_of_the_rift", "colosseum_glory", "collections_logged",
}

var Bosses = []string{
	"abyssal_sire", "alchemical_hydra", "amoxliatl", "araxxor", "artio", "barrows_chests",
	"bryophyta", "callisto", "calvarion", "cerberus", "chambers_of_xeric",
	"chambers_of_xeric_challenge_mode", "chaos_elemental", "chaos_fanatic", "commander_zilyana",
	"corporeal_beast", "crazy_archaeologist", "dagannoth_prime", "dagannoth_rex",
	"dagannoth_supreme", "deranged_archaeologist", "duke_sucellus", "general_graardor",
	"giant_mole", "grotesque_guardians", "hespori", "kalphite_queen", "king_black_dragon",
	"kraken", "kreearra", "kril_tsutsaroth", "lunar_chests", "mimic", "nex", "nightmare",
	"phosanis_nightmare", "obor", "phantom_muspah", "sarachnis", "scorpia", "scurrius",
	"skotizo", "sol_heredit", "spindel", "tempoross", "the_gauntlet", "the_corrupted_gauntlet",
	"the_hueycoatl", "the_leviathan", "the_royal_titans", "the_whisperer", "theatre_of_blood",
	"theatre_of_blood_hard_mode", "thermonuclear_smoke_devil", "tombs_of_amascut",
	"tombs_of_amascut_expert", "tzkal_zuk", "tztok_jad", "vardorvis", "venenatis", "vetion",
	"vorkath", "wintertodt", "yama", "zalcano", "zulrah",
}

// Aliases maps the names players actually use to metric identifiers.
var Aliases = map[string]string{
	"cox":                "chambers_of_xeric",
	"raids":              "chambers_of_xeric",
	"raids_1":            "chambers_of_xeric",
	"cm":                 "chambers_of_xeric_challenge_mode",
	"cox_cm":             "chambers_of_xeric_challenge_mode",
	"tob":                "theatre_of_blood",
	"raids_2":            "theatre_of_blood",
	"hm_tob":             "theatre_of_blood_hard_mode",
	"hmt":                "theatre_of_blood_hard_mode",
	"toa":                "tombs_of_amascut",
	"raids_3":            "tombs_of_amascut",
	"expert_toa":         "tombs_of_amascut_expert",
	"quiver":             "sol_heredit",
	"colosseum":          "sol_heredit",
	"infernal_cape":      "tzkal_zuk",
	"inferno":            "tzkal_zuk",
	"zuk":                "tzkal_zuk",
	"jad":                "tztok_jad",
	"fight_caves":        "tztok_jad",
	"gauntlet":           "the_gauntlet",
	"cg":                 "the_corrupted_gauntlet",
	"corrupted_gauntlet": "the_corrupted_gauntlet",
	"kq":                 "kalphite_queen",
	"kbd":                "king_black_dragon",
	"corp":               "corporeal_beast",
	"hydra":              "alchemical_hydra",
	"sire":               "abyssal_sire",
	"muspah":             "phantom_muspah",
	"nm":                 "nightmare",
	"pnm":                "phosanis_nightmare",
	"zilyana":            "commander_zilyana",
	"sara":               "commander_zilyana",
	"bandos":             "general_graardor",
	"graardor":           "general_graardor",
	"arma":               "kreearra",
	"zammy":              "kril_tsutsaroth",
	"whisperer":          "the_whisperer",
	"leviathan":          "the_leviathan",
	"hueycoatl":          "the_hueycoatl",
	"royal_titans":       "the_royal_titans",
	"barrows":            "barrows_chests",
	"clues":              "clue_scrolls_all",
	"clue_scrolls":       "clue_scrolls_all",
	"gotr":               "guardians_of_the_rift",
	"lms":                "last_man_standing",
	"collection_log":     "collections_logged",
	"clog":               "collections_logged",
	"total":              "overall",
	"total_level":        "overall",
	"hp":                 "hitpoints",
	"rc":                 "runecrafting",
	"wc":                 "woodcutting",
	"con":                "construction",
	"def":                "defence",
	"defense":            "defence",
	"str":                "strength",
	"range":              "ranged",
}

var kinds = func() map[string]Kind {
	m := make(map[string]Kind, len(Skills)+len(Activities)+len(Bosses))
	for _, s := range Skills {
		m[s] = KindSkill
	}
	for _, a := range Activities {
		m[a] = KindActivity
	}
	for _, b := range Bosses {
		m[b] = KindBoss
	}
	return m
}()

// All returns every metric identifier, skills first, then activities, then bosses.
func All() []string {
	all := make([]string, 0, len(kinds))
	all = append(all, Skills...)
	all = append(all, Activities...)
	all = append(all, Bosses...)
	return all
}

func IsMetric(metric string) bool {
	_, ok := kinds[metric]
	return ok
}

func KindOf(metric string) Kind {
	return kinds[metric]
}

// Resolve maps free text ("Hard Mode ToB", "cox", "Vorkath") to a metric
// identifier. The second result is false when nothing in the catalog matches.
func Resolve(term string) (string, bool) {
	key := normalize(term)
	if key == "" {
		return "", false
	}
	if IsMetric(key) {
		return key, true
	}
	if alias, ok := Aliases[key]; ok {
		return alias, true
	}
	if IsMetric("the_" + key) {
		return "the_" + key, true
	}
	return "", false
}

// DisplayName renders a metric identifier for humans: "the_corrupted_gauntlet"
// becomes "Corrupted Gauntlet".
func DisplayName(metric string) string {
	metric = strings.TrimPrefix(metric, "the_")
	words := strings.Split(metric, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func normalize(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	term = strings.NewReplacer("'", "", "-", "_", " ", "_").Replace(term)
	for strings.Contains(term, "__") {
		term = strings.ReplaceAll(term, "__", "_")
	}
	switch term {
	case "hard_mode_tob", "tob_hm", "tob_hard_mode", "hm_theatre_of_blood":
		return "hm_tob"
	case "toa_expert", "expert_mode_toa":
		return "expert_toa"
	case "cox_challenge_mode", "challenge_mode":
		return "cm"
	}
	return strings.Trim(term, "_")
}
