package countstore

import (
	"context"
	"sync"
	"time"
)

type MemCountStore struct {
	mu     sync.Mutex
	Counts map[string]int
	// overridable for tests
	Now func() time.Time
}

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		Counts: make(map[string]int),
		Now:    time.Now,
	}
}

func (s *MemCountStore) GetCount(ctx context.Context, category, reviewer, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Counts[periodBucket(category, reviewer, period, s.Now())], nil
}

func (s *MemCountStore) Increment(ctx context.Context, category, reviewer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for _, p := range periodTTL {
		s.Counts[periodBucket(category, reviewer, p.period, now)]++
	}
	return nil
}
