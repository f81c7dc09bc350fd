package chunk

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process memory. It is meant for tests and
// for callers that drive every chunk from one process.
type MemoryStore[P, S any] struct {
	mu    sync.Mutex
	snaps map[string]Snapshot[P, S]
	saves int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore[P, S any]() *MemoryStore[P, S] {
	return &MemoryStore[P, S]{snaps: make(map[string]Snapshot[P, S])}
}

func (s *MemoryStore[P, S]) Load(_ context.Context, jobID string) (*Snapshot[P, S], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[jobID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *MemoryStore[P, S]) Save(_ context.Context, jobID string, snap Snapshot[P, S]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[jobID] = snap
	s.saves++
	return nil
}

func (s *MemoryStore[P, S]) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, jobID)
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore[P, S]) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
