package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/hostwatch/internal/types"
)

func steppingClock() func() time.Time {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMatchStore_RecordAccumulates(t *testing.T) {
	s := NewMatchStore(10)
	s.now = steppingClock()

	s.Record([]types.MatchResult{{Rule: "A", Count: 2, Sample: types.EventRecord{RecordID: 1}}})
	s.Record([]types.MatchResult{{Rule: "A", Count: 3, Sample: types.EventRecord{RecordID: 7}}})

	got := s.Recent(0)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Rule)
	assert.Equal(t, 3, got[0].LastCount)
	assert.Equal(t, int64(5), got[0].TotalCount)
	assert.Equal(t, uint64(7), got[0].Sample.RecordID)
}

func TestMatchStore_RecentOrderAndLimit(t *testing.T) {
	s := NewMatchStore(10)
	s.now = steppingClock()

	s.Record([]types.MatchResult{{Rule: "A", Count: 1}})
	s.Record([]types.MatchResult{{Rule: "B", Count: 1}})
	s.Record([]types.MatchResult{{Rule: "C", Count: 1}})
	s.Record([]types.MatchResult{{Rule: "A", Count: 1}})

	var names []string
	for _, m := range s.Recent(0) {
		names = append(names, m.Rule)
	}
	assert.Equal(t, []string{"A", "C", "B"}, names)
	assert.Len(t, s.Recent(2), 2)
}

func TestMatchStore_RecentKeepsOrderWithinCycle(t *testing.T) {
	s := NewMatchStore(10)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	s.Record([]types.MatchResult{{Rule: "A", Count: 1}, {Rule: "B", Count: 1}})
	s.Record([]types.MatchResult{{Rule: "C", Count: 1}, {Rule: "D", Count: 1}, {Rule: "A", Count: 1}})

	var names []string
	for _, m := range s.Recent(0) {
		names = append(names, m.Rule)
	}
	assert.Equal(t, []string{"C", "D", "A", "B"}, names)
	assert.Equal(t, int64(2), s.Recent(0)[2].TotalCount)
}

func TestMatchStore_Evicts(t *testing.T) {
	s := NewMatchStore(2)
	s.Record([]types.MatchResult{{Rule: "A", Count: 1}, {Rule: "B", Count: 1}})
	s.Record([]types.MatchResult{{Rule: "C", Count: 1}})
	assert.Equal(t, 2, s.Len())
	for _, m := range s.Recent(0) {
		assert.NotEqual(t, "A", m.Rule)
	}

	assert.Equal(t, 0, NewMatchStore(0).Len())
}
