package submissionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/kompany/tally/moderation/submission"
)

const (
	pendingPrefix byte = 'P'
	judgedPrefix  byte = 'J'
)

// PebbleStore keeps submissions in an embedded pebble database. Rows are JSON encoded,
// keyed by set prefix, category and id:
//
//	P<category>\x00<id>  pending
//	J<category>\x00<id>  judged
type PebbleStore struct {
	db  *pebble.DB
	log *slog.Logger

	// serializes check-then-write sequences; pebble has no compare-and-set
	writeLock sync.Mutex
}

var _ Store = (*PebbleStore)(nil)

func OpenPebbleStore(path string, opts *pebble.Options, log *slog.Logger) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleStore{db: db, log: log.With("store", "pebble")}, nil
}

func makeSubmissionKey(prefix byte, category, id string) []byte {
	out := make([]byte, 0, 2+len(category)+len(id))
	out = append(out, prefix)
	out = append(out, category...)
	out = append(out, 0)
	out = append(out, id...)
	return out
}

func (s *PebbleStore) read(key []byte) (*submission.Submission, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get err, %w", err)
	}
	defer closer.Close()
	var sub submission.Submission
	if err := json.Unmarshal(value, &sub); err != nil {
		return nil, fmt.Errorf("decoding submission %q: %w", key, err)
	}
	return &sub, nil
}

func (s *PebbleStore) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get err, %w", err)
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) Get(ctx context.Context, category, id string) (*submission.Submission, error) {
	sub, err := s.read(makeSubmissionKey(pendingPrefix, category, id))
	if err == nil || !errors.Is(err, ErrNotFound) {
		return sub, err
	}
	return s.read(makeSubmissionKey(judgedPrefix, category, id))
}

func (s *PebbleStore) PutPending(ctx context.Context, sub *submission.Submission) error {
	if err := checkPending(sub); err != nil {
		return err
	}
	value, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	pkey := makeSubmissionKey(pendingPrefix, sub.Category, sub.ID)
	jkey := makeSubmissionKey(judgedPrefix, sub.Category, sub.ID)

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	for _, k := range [][]byte{pkey, jkey} {
		ok, err := s.exists(k)
		if err != nil {
			return err
		}
		if ok {
			return ErrExists
		}
	}
	if err := s.db.Set(pkey, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set err, %w", err)
	}
	s.log.Debug("stored pending submission", "category", sub.Category, "id", sub.ID)
	return nil
}

func (s *PebbleStore) PutJudged(ctx context.Context, prev, next *submission.Submission) error {
	if err := checkJudged(next); err != nil {
		return err
	}
	value, err := json.Marshal(next)
	if err != nil {
		return err
	}
	jkey := makeSubmissionKey(judgedPrefix, next.Category, next.ID)

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	cur, err := s.read(jkey)
	if err != nil {
		return err
	}
	if !sameDecision(cur, prev) {
		return ErrConflict
	}
	if err := s.db.Set(jkey, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set err, %w", err)
	}
	return nil
}

func (s *PebbleStore) MoveToJudged(ctx context.Context, sub *submission.Submission) error {
	if err := checkJudged(sub); err != nil {
		return err
	}
	value, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	pkey := makeSubmissionKey(pendingPrefix, sub.Category, sub.ID)
	jkey := makeSubmissionKey(judgedPrefix, sub.Category, sub.ID)

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	ok, err := s.exists(pkey)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(pkey, nil); err != nil {
		return fmt.Errorf("pebble batch delete err, %w", err)
	}
	if err := batch.Set(jkey, value, nil); err != nil {
		return fmt.Errorf("pebble batch set err, %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble batch commit err, %w", err)
	}
	s.log.Debug("moved submission to judged", "category", sub.Category, "id", sub.ID, "status", sub.Status)
	return nil
}

func (s *PebbleStore) ListPending(ctx context.Context, category string) ([]*submission.Submission, error) {
	lower := makeSubmissionKey(pendingPrefix, category, "")
	upper := append([]byte{pendingPrefix}, category...)
	upper = append(upper, 1)
	iter, err := s.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("pending iter start, %w", err)
	}
	defer iter.Close()
	out := []*submission.Submission{}
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("pending iter, %w", err)
		}
		var sub submission.Submission
		if err := json.Unmarshal(value, &sub); err != nil {
			return nil, fmt.Errorf("decoding submission %q: %w", iter.Key(), err)
		}
		out = append(out, &sub)
	}
	return out, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
