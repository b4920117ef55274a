package filing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"erigate/pkg/platform/sentinel"

	"erigate/internal/domain"
)

// InMemoryStore keeps the initial implementation lightweight and testable. It
// intentionally favors clarity over performance: one lock guards the maps,
// and filings are deep-copied at the boundary so callers can never mutate
// stored state outside Update.
type InMemoryStore struct {
	mu        sync.RWMutex
	filings   map[domain.FilingKey]*Filing
	byARN     map[string]domain.FilingKey
	onboarded map[domain.PAN]bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		filings:   make(map[domain.FilingKey]*Filing),
		byARN:     make(map[string]domain.FilingKey),
		onboarded: make(map[domain.PAN]bool),
	}
}

func (s *InMemoryStore) Create(_ context.Context, f *Filing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := f.Key()
	if existing, ok := s.filings[key]; ok && !existing.State.Terminal() {
		return sentinel.ErrConflict
	}
	s.filings[key] = clone(f)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, key domain.FilingKey) (*Filing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.filings[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(f), nil
}

func (s *InMemoryStore) GetByARN(_ context.Context, arn string) (*Filing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byARN[arn]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	f, ok := s.filings[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(f), nil
}

func (s *InMemoryStore) ListByPAN(_ context.Context, pan domain.PAN) ([]*Filing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Filing
	for key, f := range s.filings {
		if key.PAN == pan {
			out = append(out, clone(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AssessmentYear < out[j].AssessmentYear
	})
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, key domain.FilingKey, fn func(*Filing) error) (*Filing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filings[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := clone(f)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.filings[key] = working
	if working.Record != nil && working.Record.ARN != "" {
		s.byARN[working.Record.ARN] = key
	}
	return clone(working), nil
}

func (s *InMemoryStore) MarkOnboarded(_ context.Context, pan domain.PAN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onboarded[pan] = true
	return nil
}

func (s *InMemoryStore) IsOnboarded(_ context.Context, pan domain.PAN) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onboarded[pan], nil
}

func (s *InMemoryStore) RevokeOnboarding(_ context.Context, pan domain.PAN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.onboarded, pan)
	return nil
}

// clone deep-copies via JSON. Filings are small and already JSON-shaped;
// correctness beats speed here.
func clone(f *Filing) *Filing {
	data, err := json.Marshal(f)
	if err != nil {
		panic("filing: clone marshal: " + err.Error())
	}
	var out Filing
	if err := json.Unmarshal(data, &out); err != nil {
		panic("filing: clone unmarshal: " + err.Error())
	}
	return &out
}
