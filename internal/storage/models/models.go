package models

import "time"

type QueryRecord struct {
	ID            string
	UserID        string
	Requester     string
	QueryText     string
	Response      string
	Scope         string
	PlayerCount   int
	WikiPageCount int
	WebSearchUsed bool
	Agentic       bool
	Iterations    int
	Violations    int
	LatencyMS     int
	CreatedAt     time.Time
}

type QuerySource struct {
	ID      int
	QueryID string
	Kind    string
	Name    string
	URL     string
}

type Feedback struct {
	ID            int
	QueryID       string
	Helpful       bool
	IssueCategory string
	Comment       string
	CreatedAt     time.Time
}
