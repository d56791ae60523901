package engine

import (
	"context"
)

// Classifier validates raw evidence for one category and computes its base value.
//
// Implementations must be pure functions of the evidence: the engine calls them
// speculatively and discards rejected evidence without side effects.
type Classifier interface {
	Category() string
	// Relevant reports whether the evidence context (channel) belongs to this category.
	Relevant(ev *Evidence) bool
	// Classify returns a *Rejection (wrapping ErrRejectedEvidence) when the evidence does
	// not qualify.
	Classify(ev *Evidence) (*Classification, error)
}

// Weighting splits a truncated reward total over the ordered beneficiaries. It must be a
// deterministic function of its arguments so reversals recompute identical amounts.
type Weighting func(total int64, beneficiaries []string) []int64

// Ledger accepts signed per-user point deltas. Negative amounts are debits. Calls are
// not deduplicated.
type Ledger interface {
	Credit(ctx context.Context, category, userID string, amount int64) error
}

// Notifier receives the audit trail.
type Notifier interface {
	Notify(ctx context.Context, evt *AuditEvent) error
}

type Authorizer interface {
	IsReviewer(ctx context.Context, category, reviewerID string) (bool, error)
}

// MarkerSink makes engine markers visible on the evidence itself (eg, a chat reaction).
type MarkerSink interface {
	AddMarker(ctx context.Context, ev *Evidence, marker string) error
}
