package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kompany/tally/moderation/submission"
	"github.com/kompany/tally/moderation/submissionstore"
	"github.com/shopspring/decimal"
)

const (
	transitionApprove          = "approve"
	transitionDeny             = "deny"
	transitionReverse          = "reverse"
	transitionReinstate        = "reinstate"
	transitionChangeMultiplier = "change-multiplier"
)

type ledgerOp struct {
	userID string
	amount int64
}

type transitionPlan struct {
	transition string
	next       *submission.Submission
	// debits (if any) always precede credits
	ops   []ledgerOp
	first bool
	event *AuditEvent
}

// shares computes the per-beneficiary amounts for a multiplier, always fresh from the
// base value so that a reversal matches the original credit exactly.
func (e *Engine) shares(sub *submission.Submission, multiplier decimal.Decimal, sign int64) []ledgerOp {
	total := submission.Total(sub.BasePoints, multiplier)
	amounts := e.weighting(total, sub.Beneficiaries)
	ops := make([]ledgerOp, 0, len(amounts))
	for i, amt := range amounts {
		if amt == 0 || i >= len(sub.Beneficiaries) {
			continue
		}
		ops = append(ops, ledgerOp{userID: sub.Beneficiaries[i], amount: sign * amt})
	}
	return ops
}

// plan evaluates the transition rules against the current record. A nil plan means the
// action is identical to the current effective state.
func (e *Engine) plan(sub *submission.Submission, ra ReviewerAction) *transitionPlan {
	now := e.clock()
	next := sub.Clone()
	next.JudgedBy = ra.ReviewerID
	next.JudgedAt = &now

	p := &transitionPlan{next: next}
	evt := &AuditEvent{
		Category:      sub.Category,
		SubmissionID:  sub.ID,
		ReviewerID:    ra.ReviewerID,
		Beneficiaries: sub.Beneficiaries,
		GuildID:       sub.GuildID,
		ChannelID:     sub.ChannelID,
		ChannelName:   sub.ChannelName,
		At:            now,
	}
	p.event = evt

	approve := ra.Action.Kind == ActionApprove
	m := ra.Action.Multiplier
	if approve {
		next.Status = submission.StatusApproved
		next.Multiplier = m
		evt.Points = submission.Total(sub.BasePoints, m)
	} else {
		next.Status = submission.StatusDenied
		next.Multiplier = decimal.Zero
	}
	evt.Status = next.Status
	evt.Multiplier = next.Multiplier

	switch sub.Status {
	case submission.StatusPending:
		p.first = true
		if approve {
			p.transition = transitionApprove
			p.ops = e.shares(sub, m, 1)
			evt.Kind = AuditApproved
		} else {
			p.transition = transitionDeny
			evt.Kind = AuditDenied
		}
	case submission.StatusDenied:
		if !approve {
			return nil
		}
		p.transition = transitionReinstate
		p.ops = e.shares(sub, m, 1)
		evt.Kind = AuditDecisionChanged
	case submission.StatusApproved:
		old := sub.Multiplier
		if approve && old.Equal(m) {
			return nil
		}
		// reversal always uses the stored multiplier, never the action payload
		p.ops = e.shares(sub, old, -1)
		if approve {
			p.transition = transitionChangeMultiplier
			p.ops = append(p.ops, e.shares(sub, m, 1)...)
			evt.Kind = AuditMultiplierChanged
			evt.PrevMultiplier = old
		} else {
			p.transition = transitionReverse
			evt.Kind = AuditDecisionChanged
			evt.PrevMultiplier = old
		}
	default:
		// unreachable for validated records
		e.logger.Error("submission has unknown status", "submission", sub.ID, "status", sub.Status)
		return nil
	}
	return p
}

// commit applies ledger calls then persists the new record. Any failure undoes the ledger
// calls already made, leaving the submission in its prior state.
func (e *Engine) commit(ctx context.Context, sub *submission.Submission, p *transitionPlan) error {
	applied, err := e.applyLedger(ctx, p.ops)
	if err != nil {
		e.compensate(ctx, sub, applied)
		return err
	}

	if p.first {
		err = e.store.MoveToJudged(ctx, p.next)
	} else {
		err = e.store.PutJudged(ctx, sub, p.next)
	}
	if err == nil {
		return nil
	}
	e.compensate(ctx, sub, applied)
	// the record was loaded under the lock, so a missing or changed row means a writer
	// outside this process got there first
	if errors.Is(err, submissionstore.ErrConflict) || errors.Is(err, submissionstore.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrConcurrentUpdate, sub.Category, sub.ID)
	}
	return fmt.Errorf("%w: persisting %s: %w", ErrStoreFailure, sub.ID, err)
}

func (e *Engine) applyLedger(ctx context.Context, ops []ledgerOp) ([]ledgerOp, error) {
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return ops[:i], fmt.Errorf("%w: %w", ErrLedgerFailure, err)
		}
		if err := e.ledger.Credit(ctx, e.category, op.userID, op.amount); err != nil {
			ledgerCallCount.WithLabelValues(e.category, "error").Inc()
			return ops[:i], fmt.Errorf("%w: crediting %d to %s: %w", ErrLedgerFailure, op.amount, op.userID, err)
		}
		ledgerCallCount.WithLabelValues(e.category, "ok").Inc()
	}
	return ops, nil
}

// compensate reverses applied ledger calls, newest first. It runs detached from the
// caller's cancellation so a timed out request still rolls back fully.
func (e *Engine) compensate(ctx context.Context, sub *submission.Submission, applied []ledgerOp) {
	if len(applied) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		if err := e.ledger.Credit(ctx, e.category, op.userID, -op.amount); err != nil {
			compensationFailureCount.WithLabelValues(e.category).Inc()
			e.logger.Error("ledger rollback failed, balance needs manual repair", "submission", sub.ID, "user", op.userID, "amount", -op.amount, "err", err)
			continue
		}
		ledgerCallCount.WithLabelValues(e.category, "rollback").Inc()
	}
}
