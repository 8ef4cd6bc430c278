// Package wom reads clan rosters, player snapshots and group hiscores from
// the Wise Old Man API.
package wom

import "time"

type Player struct {
	ID             int        `json:"id"`
	Username       string     `json:"username"`
	DisplayName    string     `json:"displayName"`
	Type           string     `json:"type"`
	CombatLevel    int        `json:"combatLevel"`
	Exp            int64      `json:"exp"`
	UpdatedAt      *time.Time `json:"updatedAt"`
	LastChangedAt  *time.Time `json:"lastChangedAt"`
	LatestSnapshot *Snapshot  `json:"latestSnapshot,omitempty"`
}

type Snapshot struct {
	CreatedAt *time.Time    `json:"createdAt,omitempty"`
	Data      *SnapshotData `json:"data"`
}

type SnapshotData struct {
	Skills     map[string]SkillValue    `json:"skills"`
	Bosses     map[string]BossValue     `json:"bosses"`
	Activities map[string]ActivityValue `json:"activities"`
}

type SkillValue struct {
	Metric     string `json:"metric,omitempty"`
	Rank       int    `json:"rank"`
	Level      int    `json:"level"`
	Experience int64  `json:"experience"`
}

type BossValue struct {
	Metric string `json:"metric,omitempty"`
	Rank   int    `json:"rank"`
	Kills  int    `json:"kills"`
}

type ActivityValue struct {
	Metric string `json:"metric,omitempty"`
	Rank   int    `json:"rank"`
	Score  int    `json:"score"`
}

type Membership struct {
	Role   string `json:"role"`
	Player Player `json:"player"`
}

type HiscoreEntry struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// MetricBoard is one metric's clan scoreboard, highest value first.
type MetricBoard struct {
	Metric  string
	Entries []HiscoreEntry
}

var accountTypes = map[string]string{
	"regular":  "Main",
	"ironman":  "Ironman",
	"hardcore": "Hardcore Ironman",
}

func AccountType(t string) string {
	if mapped, ok := accountTypes[t]; ok {
		return mapped
	}
	return "Unknown"
}

// Normalize replaces the API's -1 "unranked" sentinel with level 1 and zero
// experience, kills and score.
func Normalize(p *Player) {
	if p == nil || p.LatestSnapshot == nil || p.LatestSnapshot.Data == nil {
		return
	}
	data := p.LatestSnapshot.Data
	for name, s := range data.Skills {
		if s.Level < 0 {
			s.Level = 1
		}
		if s.Experience < 0 {
			s.Experience = 0
		}
		data.Skills[name] = s
	}
	for name, b := range data.Bosses {
		if b.Kills < 0 {
			b.Kills = 0
		}
		data.Bosses[name] = b
	}
	for name, a := range data.Activities {
		if a.Score < 0 {
			a.Score = 0
		}
		data.Activities[name] = a
	}
}

// FindMember matches a display name case-insensitively.
func FindMember(roster []Membership, name string) *Membership {
	for i := range roster {
		if equalFold(roster[i].Player.DisplayName, name) {
			return &roster[i]
		}
	}
	return nil
}
