package quota

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[Key]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[Key]int)}
}

func (s *MemoryStore) Count(_ context.Context, k Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[k], nil
}

func (s *MemoryStore) Increment(_ context.Context, k Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[k]++
	return s.counts[k], nil
}

func (s *MemoryStore) Reserve(_ context.Context, k Key, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[k] >= limit {
		return false, nil
	}
	s.counts[k]++
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[k] > 0 {
		s.counts[k]--
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
