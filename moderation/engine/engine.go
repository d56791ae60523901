package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kompany/tally/moderation/countstore"
	"github.com/kompany/tally/moderation/markerstore"
	"github.com/kompany/tally/moderation/submission"
	"github.com/kompany/tally/moderation/submissionstore"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("moderation/engine")

type Config struct {
	// Category name; also the keyspace of every record this engine touches.
	Category   string
	Classifier Classifier
	Weighting  Weighting
	Store      submissionstore.Store
	Ledger     Ledger

	// optional collaborators
	Notifier   Notifier
	Authorizer Authorizer
	Markers    markerstore.MarkerStore
	MarkerSink MarkerSink
	Counters   countstore.CountStore

	// allowed approval multipliers; defaults to DefaultMultipliers()
	Multipliers []decimal.Decimal
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Engine runs the moderation state machine for a single category.
//
// All transitions for one submission are serialized by a per-submission lock; transitions
// on different submissions run in parallel.
type Engine struct {
	category    string
	classifier  Classifier
	weighting   Weighting
	store       submissionstore.Store
	ledger      Ledger
	notifier    Notifier
	authorizer  Authorizer
	markers     markerstore.MarkerStore
	sink        MarkerSink
	counters    countstore.CountStore
	multipliers []decimal.Decimal
	logger      *slog.Logger
	clock       func() time.Time
	locks       *keyLocks
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Category == "" {
		return nil, fmt.Errorf("engine category is required")
	}
	if cfg.Classifier == nil || cfg.Weighting == nil || cfg.Store == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("engine %q: classifier, weighting, store and ledger are required", cfg.Category)
	}
	if cfg.Classifier.Category() != cfg.Category {
		return nil, fmt.Errorf("engine %q: classifier is for category %q", cfg.Category, cfg.Classifier.Category())
	}
	mults := cfg.Multipliers
	if len(mults) == 0 {
		mults = DefaultMultipliers()
	}
	for _, m := range mults {
		if !m.IsPositive() {
			return nil, fmt.Errorf("engine %q: multiplier must be positive: %s", cfg.Category, m)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	markers := cfg.Markers
	if markers == nil {
		markers = markerstore.NewMemMarkerStore()
	}
	return &Engine{
		category:    cfg.Category,
		classifier:  cfg.Classifier,
		weighting:   cfg.Weighting,
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		notifier:    cfg.Notifier,
		authorizer:  cfg.Authorizer,
		markers:     markers,
		sink:        cfg.MarkerSink,
		counters:    cfg.Counters,
		multipliers: mults,
		logger:      logger.With("category", cfg.Category),
		clock:       clock,
		locks:       newKeyLocks(),
	}, nil
}

func (e *Engine) Category() string {
	return e.category
}

func (e *Engine) Classifier() Classifier {
	return e.classifier
}

func (e *Engine) Multipliers() []decimal.Decimal {
	return append([]decimal.Decimal(nil), e.multipliers...)
}

// IsReviewer reports whether the identity may judge this category. Without an Authorizer
// everyone may.
func (e *Engine) IsReviewer(ctx context.Context, reviewerID string) (bool, error) {
	if e.authorizer == nil {
		return true, nil
	}
	return e.authorizer.IsReviewer(ctx, e.category, reviewerID)
}

func markerKey(category, id string) string {
	return category + "/" + id
}

// Submit classifies evidence and records it as a pending submission. Re-delivery of the
// same evidence returns a rejection with ReasonAlreadyProcessed and changes nothing.
func (e *Engine) Submit(ctx context.Context, ev *Evidence) (string, error) {
	ctx, span := tracer.Start(ctx, "Submit", trace.WithAttributes(
		attribute.String("category", e.category),
		attribute.String("evidence", ev.ID),
	))
	defer span.End()

	id, err := e.submit(ctx, ev)
	switch {
	case err == nil:
		submitCount.WithLabelValues(e.category, "pending").Inc()
	case errors.Is(err, ErrRejectedEvidence):
		submitCount.WithLabelValues(e.category, string(RejectionReason(err))).Inc()
		span.SetAttributes(attribute.String("rejected", string(RejectionReason(err))))
	default:
		submitCount.WithLabelValues(e.category, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return id, err
}

func (e *Engine) submit(ctx context.Context, ev *Evidence) (string, error) {
	if ev.ID == "" {
		return "", Reject(ReasonBadContext, "evidence has no id")
	}
	if ev.HasMarker(markerstore.MarkerPending) {
		return "", Reject(ReasonAlreadyProcessed, "evidence %s already carries a pending marker", ev.ID)
	}
	mkey := markerKey(e.category, ev.ID)
	marked, err := e.markers.Has(ctx, mkey, markerstore.MarkerPending)
	if err != nil {
		return "", fmt.Errorf("%w: reading markers: %w", ErrStoreFailure, err)
	}
	if marked {
		return "", Reject(ReasonAlreadyProcessed, "evidence %s already processed", ev.ID)
	}

	cls, err := e.classifier.Classify(ev)
	if err != nil {
		if !errors.Is(err, ErrRejectedEvidence) {
			err = fmt.Errorf("%w: %w", ErrRejectedEvidence, err)
		}
		return "", err
	}
	if cls.BasePoints <= 0 {
		return "", Reject(ReasonZeroPoints, "computed %d points", cls.BasePoints)
	}
	if len(cls.Beneficiaries) == 0 {
		return "", Reject(ReasonNoBeneficiaries, "")
	}

	unlock := e.locks.Lock(mkey)
	defer unlock()

	sub := &submission.Submission{
		Category:      e.category,
		ID:            ev.ID,
		BasePoints:    cls.BasePoints,
		Beneficiaries: append([]string(nil), cls.Beneficiaries...),
		Status:        submission.StatusPending,
		Multiplier:    decimal.Zero,
		GuildID:       ev.GuildID,
		ChannelID:     ev.ChannelID,
		ChannelName:   ev.ChannelName,
		AuthorID:      ev.AuthorID,
		CreatedAt:     e.clock(),
	}
	if err := e.store.PutPending(ctx, sub); err != nil {
		if errors.Is(err, submissionstore.ErrExists) {
			return "", Reject(ReasonAlreadyProcessed, "submission %s already exists", ev.ID)
		}
		return "", fmt.Errorf("%w: storing pending submission: %w", ErrStoreFailure, err)
	}

	// the stored record is the authoritative idempotency guard; markers are best effort
	if err := e.markers.Add(ctx, mkey, markerstore.MarkerPending); err != nil {
		e.logger.Warn("failed to persist pending marker", "submission", ev.ID, "err", err)
	}
	if e.sink != nil {
		if err := e.sink.AddMarker(ctx, ev, markerstore.MarkerPending); err != nil {
			e.logger.Warn("failed to emit pending marker", "submission", ev.ID, "err", err)
		}
	}
	e.logger.Info("submission pending", "submission", ev.ID, "points", sub.BasePoints, "beneficiaries", len(sub.Beneficiaries))
	return sub.ID, nil
}

// Judge applies a reviewer action to a pending or judged submission.
//
// A failed call leaves the submission and the ledger exactly as before the call, so
// retrying is always safe. Repeating an action that matches the current state is a no-op.
func (e *Engine) Judge(ctx context.Context, ra ReviewerAction) error {
	ctx, span := tracer.Start(ctx, "Judge", trace.WithAttributes(
		attribute.String("category", e.category),
		attribute.String("submission", ra.SubmissionID),
		attribute.String("reviewer", ra.ReviewerID),
		attribute.String("action", ra.Action.String()),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		judgeDuration.WithLabelValues(e.category).Observe(time.Since(start).Seconds())
	}()

	transition, err := e.judge(ctx, ra)
	if err != nil {
		judgeErrorCount.WithLabelValues(e.category, errorKind(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	judgeCount.WithLabelValues(e.category, transition).Inc()
	span.SetAttributes(attribute.String("transition", transition))
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSubmission):
		return "unknown"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAction):
		return "invalid"
	case errors.Is(err, ErrLedgerFailure):
		return "ledger"
	case errors.Is(err, ErrStoreFailure):
		return "store"
	case errors.Is(err, ErrConcurrentUpdate):
		return "conflict"
	default:
		return "other"
	}
}

func (e *Engine) validAction(a Action) error {
	switch a.Kind {
	case ActionDeny:
		return nil
	case ActionApprove:
		for _, m := range e.multipliers {
			if m.Equal(a.Multiplier) {
				return nil
			}
		}
		return fmt.Errorf("%w: multiplier %s not allowed", ErrInvalidAction, a.Multiplier)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAction, a.Kind)
	}
}

func (e *Engine) judge(ctx context.Context, ra ReviewerAction) (string, error) {
	if ra.Category != e.category {
		return "", fmt.Errorf("%w: %s/%s not handled by %s engine", ErrUnknownSubmission, ra.Category, ra.SubmissionID, e.category)
	}
	ok, err := e.IsReviewer(ctx, ra.ReviewerID)
	if err != nil {
		return "", fmt.Errorf("%w: checking reviewer %s: %w", ErrUnauthorized, ra.ReviewerID, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnauthorized, ra.ReviewerID)
	}
	if err := e.validAction(ra.Action); err != nil {
		return "", err
	}

	unlock := e.locks.Lock(markerKey(e.category, ra.SubmissionID))
	defer unlock()

	sub, err := e.store.Get(ctx, e.category, ra.SubmissionID)
	if errors.Is(err, submissionstore.ErrNotFound) {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownSubmission, e.category, ra.SubmissionID)
	}
	if err != nil {
		return "", fmt.Errorf("%w: loading %s: %w", ErrStoreFailure, ra.SubmissionID, err)
	}

	p := e.plan(sub, ra)
	if p == nil {
		e.logger.Debug("reviewer action matches current state", "submission", sub.ID, "reviewer", ra.ReviewerID, "action", ra.Action.String())
		return "noop", nil
	}
	if err := e.commit(ctx, sub, p); err != nil {
		return "", err
	}

	e.logger.Info("submission judged", "submission", sub.ID, "reviewer", ra.ReviewerID, "transition", p.transition, "status", p.next.Status, "multiplier", p.next.Multiplier.String())
	// the transition is durable; a retry would be a no-op, so these must not be cut short
	// by the caller giving up
	ctx = context.WithoutCancel(ctx)
	if e.counters != nil {
		if err := e.counters.Increment(ctx, e.category, ra.ReviewerID); err != nil {
			e.logger.Warn("failed to count judgement", "reviewer", ra.ReviewerID, "err", err)
		}
	}
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, p.event); err != nil {
			notifyErrorCount.WithLabelValues(e.category).Inc()
			e.logger.Error("failed to send audit notification", "submission", sub.ID, "kind", p.event.Kind, "err", err)
		}
	}
	return p.transition, nil
}

// Get returns the current record of a submission.
func (e *Engine) Get(ctx context.Context, id string) (*submission.Submission, error) {
	sub, err := e.store.Get(ctx, e.category, id)
	if errors.Is(err, submissionstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSubmission, e.category, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return sub, nil
}

func (e *Engine) ListPending(ctx context.Context) ([]*submission.Submission, error) {
	l, err := e.store.ListPending(ctx, e.category)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return l, nil
}
