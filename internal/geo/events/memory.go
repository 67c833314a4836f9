package events

import (
	"context"
	"sort"
	"sync"

	"gitlab.com/gitlab-org/geo/internal/helper"
)

// MemoryStore keeps events and reader positions in memory.
type MemoryStore struct {
	mu        sync.Mutex
	now       helper.Clock
	entries   []LogEntry
	positions map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(now helper.Clock) *MemoryStore {
	if now == nil {
		now = helper.SystemClock
	}
	return &MemoryStore{now: now, positions: make(map[string]int64)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := int64(len(s.entries) + 1)
	e.ID = id
	e.CreatedAt = s.now()
	s.entries = append(s.entries, LogEntry{ID: id, Event: e, CreatedAt: e.CreatedAt})
	return e, nil
}

// EntriesAfter implements Store.
func (s *MemoryStore) EntriesAfter(_ context.Context, afterID int64, limit int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if afterID < 0 {
		afterID = 0
	}

	var out []LogEntry
	for i := afterID; i < int64(len(s.entries)) && len(out) < limit; i++ {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context, ids []int64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LogEntry
	for _, id := range ids {
		if id >= 1 && id <= int64(len(s.entries)) {
			out = append(out, s.entries[id-1])
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Load implements PositionStore.
func (s *MemoryStore) Load(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[name], nil
}

// Save implements PositionStore.
func (s *MemoryStore) Save(_ context.Context, name string, lastID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[name] = lastID
	return nil
}
