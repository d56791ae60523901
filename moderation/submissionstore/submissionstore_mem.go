package submissionstore

import (
	"context"
	"sort"
	"sync"

	"github.com/kompany/tally/moderation/submission"
)

type MemStore struct {
	mu      sync.Mutex
	pending map[submission.Key]*submission.Submission
	judged  map[submission.Key]*submission.Submission
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		pending: make(map[submission.Key]*submission.Submission),
		judged:  make(map[submission.Key]*submission.Submission),
	}
}

func (s *MemStore) Get(ctx context.Context, category, id string) (*submission.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := submission.Key{Category: category, ID: id}
	if v, ok := s.pending[k]; ok {
		return v.Clone(), nil
	}
	if v, ok := s.judged[k]; ok {
		return v.Clone(), nil
	}
	return nil, ErrNotFound
}

func (s *MemStore) PutPending(ctx context.Context, sub *submission.Submission) error {
	if err := checkPending(sub); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sub.Key()
	_, inPending := s.pending[k]
	_, inJudged := s.judged[k]
	if inPending || inJudged {
		return ErrExists
	}
	s.pending[k] = sub.Clone()
	return nil
}

func (s *MemStore) PutJudged(ctx context.Context, prev, next *submission.Submission) error {
	if err := checkJudged(next); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := next.Key()
	cur, ok := s.judged[k]
	if !ok {
		return ErrNotFound
	}
	if !sameDecision(cur, prev) {
		return ErrConflict
	}
	s.judged[k] = next.Clone()
	return nil
}

func (s *MemStore) MoveToJudged(ctx context.Context, sub *submission.Submission) error {
	if err := checkJudged(sub); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sub.Key()
	if _, ok := s.pending[k]; !ok {
		return ErrNotFound
	}
	delete(s.pending, k)
	s.judged[k] = sub.Clone()
	return nil
}

func (s *MemStore) ListPending(ctx context.Context, category string) ([]*submission.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*submission.Submission{}
	for k, v := range s.pending {
		if k.Category == category {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) Close() error {
	return nil
}
