package types

import "time"

// MatchResult is the outcome of one rule over one evaluation batch.
type MatchResult struct {
	Rule   string      `json:"rule"`
	Count  int         `json:"count"`
	Sample EventRecord `json:"sample"`
}

// RecentMatch is a match result as remembered by the status store.
type RecentMatch struct {
	Rule       string      `json:"rule"`
	LastCount  int         `json:"last_count"`
	TotalCount int64       `json:"total_count"`
	Sample     EventRecord `json:"sample"`
	LastSeen   time.Time   `json:"last_seen"`
}
