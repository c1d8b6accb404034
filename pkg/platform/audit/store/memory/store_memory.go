package memory

import (
	"context"
	"sort"
	"sync"

	id "quorum/pkg/domain"
	audit "quorum/pkg/platform/audit"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.ElectionID][]audit.Event
	all    []audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.ElectionID][]audit.Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[id.ElectionID][]audit.Event)
	s.all = nil
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ElectionID] = append(s.events[event.ElectionID], event)
	s.all = append(s.all, event)
	return nil
}

func (s *InMemoryStore) ListByElection(_ context.Context, electionID id.ElectionID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[electionID]...), nil
}

// ListRecent returns the most recent events across all elections, newest first.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	out := append([]audit.Event{}, s.all...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
