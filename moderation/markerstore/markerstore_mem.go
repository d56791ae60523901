package markerstore

import (
	"context"
	"slices"
	"sync"
)

type MemMarkerStore struct {
	mu   sync.RWMutex
	Data map[string][]string
}

func NewMemMarkerStore() *MemMarkerStore {
	return &MemMarkerStore{
		Data: make(map[string][]string),
	}
}

func (s *MemMarkerStore) Get(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Data[key]
	if !ok {
		return []string{}, nil
	}
	return slices.Clone(v), nil
}

func (s *MemMarkerStore) Has(ctx context.Context, key, marker string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.Data[key], marker), nil
}

func (s *MemMarkerStore) Add(ctx context.Context, key string, markers ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Data[key] = dedupeStrings(append(s.Data[key], markers...))
	return nil
}

// does not error if markers not in set
func (s *MemMarkerStore) Remove(ctx context.Context, key string, markers ...string) error {
	if len(markers) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, m := range s.Data[key] {
		if !slices.Contains(markers, m) {
			out = append(out, m)
		}
	}
	s.Data[key] = out
	return nil
}
