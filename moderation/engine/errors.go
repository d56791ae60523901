package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrRejectedEvidence means the classifier (or the engine's own marker check) declined the
	// evidence. No state was created.
	ErrRejectedEvidence = errors.New("evidence rejected")
	// ErrUnknownSubmission means the id is in neither the pending nor the judged set.
	ErrUnknownSubmission = errors.New("unknown submission")
	// ErrUnauthorized means the reviewer lacks authority over the category.
	ErrUnauthorized = errors.New("reviewer not authorized")
	// ErrInvalidAction means the action is malformed or uses a multiplier outside the
	// configured set.
	ErrInvalidAction = errors.New("invalid reviewer action")
	// ErrLedgerFailure means a credit or debit failed mid-transition. The transition was
	// rolled back.
	ErrLedgerFailure = errors.New("reward ledger failure")
	// ErrStoreFailure means the submission store was unavailable. The transition was rolled
	// back.
	ErrStoreFailure = errors.New("submission store failure")
	// ErrConcurrentUpdate means another writer judged the submission between load and
	// commit. The transition was rolled back; a retry re-evaluates against the new state.
	ErrConcurrentUpdate = errors.New("submission judged concurrently")
)

type RejectReason string

const (
	ReasonAlreadyProcessed     RejectReason = "already-processed"
	ReasonMissingAttachment    RejectReason = "missing-attachment"
	ReasonNoBeneficiaries      RejectReason = "no-beneficiaries"
	ReasonTooManyBeneficiaries RejectReason = "too-many-beneficiaries"
	ReasonBadContext           RejectReason = "bad-context"
	ReasonZeroPoints           RejectReason = "zero-points"
	ReasonInactiveEvent        RejectReason = "inactive-event"
)

// Rejection is returned by classifiers and Submit when evidence is declined.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func Reject(reason RejectReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("evidence rejected (%s)", r.Reason)
	}
	return fmt.Sprintf("evidence rejected (%s): %s", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return ErrRejectedEvidence
}

// RejectionReason extracts the reason from an error chain, or "" if err is not a rejection.
func RejectionReason(err error) RejectReason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}
