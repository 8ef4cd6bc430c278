package identify

import (
	"github.com/yomibot/backend/internal/catalog"
	"github.com/yomibot/backend/internal/llm"
)

const (
	MaxPlayers = 10
	MaxPages   = 10
	MaxQueries = 3

	pagePattern = `^[A-Za-z0-9_()]{1,40}$`
)

const abbreviations = "cox=chambers_of_xeric, cm=chambers_of_xeric_challenge_mode, tob=theatre_of_blood, " +
	"hm tob/hard tob=theatre_of_blood_hard_mode, toa=tombs_of_amascut, expert toa=tombs_of_amascut_expert, " +
	"quiver/colosseum=sol_heredit (boss KC), infernal cape=tzkal_zuk. Sailing is a released skill."

// IdentificationTool is the single structured call that classifies a query.
var IdentificationTool = llm.Tool{
	Name: "unified_identification",
	Description: "Analyze the query and identify everything needed to answer it: which clan members are " +
		"mentioned, which wiki pages are relevant, which metrics to fetch for the whole clan, and which " +
		"web searches are needed beyond the wiki.\n\nABBREVIATIONS: " + abbreviations + "\n\n" +
		"SCOPE RULES:\n" +
		"1) Specific players mentioned? List them in mentioned_players (max 10) and leave metrics empty.\n" +
		"2) Clan-wide 'who has X' or 'clan total for X'? Leave mentioned_players empty and list the metrics.\n" +
		"3) No players at all? Leave both mentioned_players and metrics empty.\n\n" +
		"Only add search_queries when wiki pages are not enough (recent updates, niche topics, prices).",
	Parameters: llm.Object(map[string]*llm.Schema{
		"mentioned_players": llm.StringArray(
			"Clan member names mentioned (max 10). Include the requester when they ask about themselves. "+
				"Empty for clan-wide or wiki-only queries.", MaxPlayers),
		"wiki_pages": {
			Type:        "array",
			Description: "Relevant OSRS wiki page names using underscores, e.g. Dragon_scimitar (max 10).",
			Items:       &llm.Schema{Type: "string", Pattern: pagePattern},
			MaxItems:    MaxPages,
		},
		"metrics": {
			Type:        "array",
			Description: "Metrics to fetch for the entire clan. Only when no specific players are mentioned.",
			Items:       &llm.Schema{Type: "string", Enum: catalog.All()},
		},
		"search_queries": llm.StringArray(
			"Web searches of 2-5 words for information beyond the wiki (max 3). Empty when the wiki suffices.",
			MaxQueries),
	}, "mentioned_players", "wiki_pages", "metrics", "search_queries"),
}

// ClassifyTool judges whether fetched wiki content answers the query.
var ClassifyTool = llm.Tool{
	Name: "classify_query",
	Description: "Classify the query: whether it is about prohibited topics (real world trading, botting, " +
		"unofficial clients, private servers), whether player stats alone answer it, and whether a web " +
		"search is needed beyond the wiki content shown.",
	Parameters: llm.Object(map[string]*llm.Schema{
		"is_prohibited":    {Type: "boolean", Description: "The query is about prohibited topics."},
		"is_player_only":   {Type: "boolean", Description: "Player stats and boss kill counts alone answer it."},
		"needs_web_search": {Type: "boolean", Description: "A web search is needed beyond the wiki content."},
	}, "is_prohibited", "is_player_only", "needs_web_search"),
}
