// Package store keeps the most recent detection matches in memory for the
// status API.
package store

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/invisible-tech/hostwatch/internal/types"
)

// DefaultCapacity is the number of rules remembered when none is given.
const DefaultCapacity = 256

// MatchStore remembers the latest match of each rule, evicting the least
// recently matched rule once full.
type MatchStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, entry]
	now   func() time.Time
	cycle uint64
}

// entry orders a match by the Record call that stored it and its position
// within that call, since one call shares a single LastSeen.
type entry struct {
	match types.RecentMatch
	cycle uint64
	pos   int
}

// NewMatchStore creates a store holding up to capacity rules.
func NewMatchStore(capacity int) *MatchStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, _ := lru.New[string, entry](capacity)
	return &MatchStore{cache: cache, now: time.Now}
}

// Record stores a cycle's results. Counts accumulate per rule.
func (s *MatchStore) Record(results []types.MatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.cycle++
	for i, r := range results {
		e, _ := s.cache.Peek(r.Rule)
		e.match.Rule = r.Rule
		e.match.LastCount = r.Count
		e.match.TotalCount += int64(r.Count)
		e.match.Sample = r.Sample
		e.match.LastSeen = now
		e.cycle, e.pos = s.cycle, i
		s.cache.Add(r.Rule, e)
	}
}

// Recent returns up to limit remembered matches, most recent cycle first
// and in evaluation order within a cycle. A limit of zero or less returns
// all of them.
func (s *MatchStore) Recent(limit int) []types.RecentMatch {
	s.mu.Lock()
	entries := s.cache.Values()
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].cycle != entries[j].cycle {
			return entries[i].cycle > entries[j].cycle
		}
		return entries[i].pos < entries[j].pos
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]types.RecentMatch, len(entries))
	for i, e := range entries {
		out[i] = e.match
	}
	return out
}

// Len returns the number of rules remembered.
func (s *MatchStore) Len() int {
	return s.cache.Len()
}
