// Package submissionstore persists moderation submissions as two disjoint record sets per
// category: pending and judged.
package submissionstore

import (
	"context"
	"errors"

	"github.com/kompany/tally/moderation/submission"
)

var (
	ErrNotFound = errors.New("submission not found")
	ErrExists   = errors.New("submission already exists")
	// ErrConflict means the judged record no longer carries the decision it was loaded with.
	ErrConflict = errors.New("judged submission changed concurrently")
)

// Store is the only mutable shared state of the moderation engine. Every method must be
// atomic with respect to concurrent callers on the same (category, id).
type Store interface {
	// Get returns the record from whichever set holds it, or ErrNotFound.
	Get(ctx context.Context, category, id string) (*submission.Submission, error)
	// PutPending inserts a new pending record. Returns ErrExists if the key is present in
	// either set.
	PutPending(ctx context.Context, sub *submission.Submission) error
	// PutJudged replaces a judged record, provided it still holds the status and multiplier
	// of prev. Returns ErrNotFound if the key is not judged and ErrConflict if the stored
	// decision differs from prev.
	PutJudged(ctx context.Context, prev, next *submission.Submission) error
	// MoveToJudged removes the pending record and inserts the judged one in a single step.
	// Returns ErrNotFound if the key is not pending.
	MoveToJudged(ctx context.Context, sub *submission.Submission) error
	ListPending(ctx context.Context, category string) ([]*submission.Submission, error)
	Close() error
}

func sameDecision(a, b *submission.Submission) bool {
	return a.Status == b.Status && a.Multiplier.Equal(b.Multiplier)
}

func checkJudged(sub *submission.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if !sub.Status.Judged() {
		return errors.New("judged record must be approved or denied")
	}
	return nil
}

func checkPending(sub *submission.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.Status != submission.StatusPending {
		return errors.New("pending record must have pending status")
	}
	return nil
}
