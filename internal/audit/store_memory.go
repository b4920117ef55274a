package audit

import (
	"context"
	"sync"
)

// InMemoryStore holds events in process memory. Default for development and
// tests; production points at Postgres.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListByFiling(_ context.Context, filingID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.FilingID == filingID {
			out = append(out, e)
		}
	}
	return out, nil
}
