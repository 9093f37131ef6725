// Package delta filters event batches down to records not yet seen on a
// channel, tracking one high-water mark per channel.
package delta

import (
	"sync"

	"github.com/invisible-tech/hostwatch/internal/types"
)

// Advance returns the events whose RecordID is above lastMark, in input
// order, and the new mark: the largest RecordID of the whole batch, never
// below lastMark.
//
// The mark moves to the batch maximum even when the fetch window did not
// cover every unseen record, so records between lastMark and the oldest
// record of a truncated window are never reported.
func Advance(events []types.EventRecord, lastMark uint64) ([]types.EventRecord, uint64) {
	newMark := lastMark
	var fresh []types.EventRecord
	for _, ev := range events {
		if ev.RecordID > lastMark {
			fresh = append(fresh, ev)
		}
		if ev.RecordID > newMark {
			newMark = ev.RecordID
		}
	}
	return fresh, newMark
}

// ChannelState holds the high-water mark of every channel watched by one
// agent. Marks start at zero and only move forward.
type ChannelState struct {
	mu    sync.RWMutex
	marks map[string]uint64
}

// NewChannelState returns an empty state.
func NewChannelState() *ChannelState {
	return &ChannelState{marks: make(map[string]uint64)}
}

// Mark returns the current mark for channel (0 if never advanced).
func (s *ChannelState) Mark(channel string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks[channel]
}

// Peek computes the delta for channel without storing the new mark.
func (s *ChannelState) Peek(channel string, events []types.EventRecord) ([]types.EventRecord, uint64) {
	return Advance(events, s.Mark(channel))
}

// Commit stores mark for channel if it is above the current one.
func (s *ChannelState) Commit(channel string, mark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mark > s.marks[channel] {
		s.marks[channel] = mark
	}
}

// Advance computes the delta for channel and stores the new mark.
func (s *ChannelState) Advance(channel string, events []types.EventRecord) []types.EventRecord {
	fresh, mark := s.Peek(channel, events)
	s.Commit(channel, mark)
	return fresh
}

// Snapshot returns a copy of all marks.
func (s *ChannelState) Snapshot() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out
}
