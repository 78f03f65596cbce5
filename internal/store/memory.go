package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"ocdispatch/internal/domain"
)

var _ ObservationSink = (*MemorySink)(nil)

// MemorySink keeps observations in a map. Used for dry runs and tests.
type MemorySink struct {
	mu   sync.RWMutex
	rows map[string]domain.Observation
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{rows: make(map[string]domain.Observation)}
}

func (s *MemorySink) UpsertBatch(_ context.Context, batch []domain.Observation) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range batch {
		s.rows[o.ID] = o
	}
	return nil, nil
}

// Get returns the stored observation with id.
func (s *MemorySink) Get(id string) (domain.Observation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.rows[id]
	return o, ok
}

// Len returns the number of stored observations.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// All returns every stored observation ordered by timestamp then id.
func (s *MemorySink) All() []domain.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Observation, 0, len(s.rows))
	for _, o := range s.rows {
		out = append(out, o)
	}
	sortObservations(out)
	return out
}

func (s *MemorySink) Close() error { return nil }

func sortObservations(obs []domain.Observation) {
	slices.SortFunc(obs, func(a, b domain.Observation) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
