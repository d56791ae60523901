// Package reviewers answers whether an identity may judge submissions of a category.
//
// Reviewers are either global (allowed in every category) or scoped to one category.
package reviewers

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// AnyCategory is the set name holding reviewers allowed everywhere.
const AnyCategory = "*"

type ReviewerSet interface {
	IsReviewer(ctx context.Context, category, reviewerID string) (bool, error)
}

type MemReviewerSet struct {
	mu   sync.RWMutex
	Sets map[string]map[string]bool
}

func NewMemReviewerSet() *MemReviewerSet {
	return &MemReviewerSet{
		Sets: make(map[string]map[string]bool),
	}
}

func (s *MemReviewerSet) IsReviewer(ctx context.Context, category, reviewerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Sets[AnyCategory][reviewerID] || s.Sets[category][reviewerID], nil
}

func (s *MemReviewerSet) Add(category string, reviewerIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Sets[category]
	if !ok {
		m = make(map[string]bool, len(reviewerIDs))
		s.Sets[category] = m
	}
	for _, id := range reviewerIDs {
		m[id] = true
	}
}

// LoadFromFileJSON reads a JSON object mapping category (or "*") to a list of reviewer ids.
func (s *MemReviewerSet) LoadFromFileJSON(p string) error {

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return err
	}

	for category, l := range sets {
		s.Add(category, l...)
	}
	return nil
}
