package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/kompany/tally/moderation/countstore"
	"github.com/kompany/tally/moderation/ledger"
	"github.com/kompany/tally/moderation/markerstore"
	"github.com/kompany/tally/moderation/reviewers"
	"github.com/kompany/tally/moderation/submission"
	"github.com/kompany/tally/moderation/submissionstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balance(t *testing.T, l *ledger.MemLedger, category, user string) int64 {
	t.Helper()
	b, err := l.Balance(context.Background(), category, user)
	require.NoError(t, err)
	return b
}

func judge(eng *Engine, id, reviewer string, a Action) error {
	return eng.Judge(context.Background(), ReviewerAction{
		Category:     eng.Category(),
		SubmissionID: id,
		ReviewerID:   reviewer,
		Action:       a,
	})
}

func TestSubmitPending(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, l, _ := EngineTestFixture()

	id, err := eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	assert.NoError(err)
	assert.Equal("m1", id)

	sub, err := eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusPending, sub.Status)
	assert.Equal(int64(100), sub.BasePoints)
	assert.Equal([]string{"u1"}, sub.Beneficiaries)
	assert.True(sub.AppliedMultiplier().IsZero())

	// submission never touches the ledger
	assert.Equal(0, l.Calls())

	pending, err := eng.ListPending(ctx)
	assert.NoError(err)
	assert.Len(pending, 1)

	// redelivery is rejected by the marker
	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	assert.ErrorIs(err, ErrRejectedEvidence)
	assert.Equal(ReasonAlreadyProcessed, RejectionReason(err))

	ev := FixtureEvidence("m2", "u1")
	ev.Markers = []string{markerstore.MarkerPending}
	_, err = eng.Submit(ctx, ev)
	assert.Equal(ReasonAlreadyProcessed, RejectionReason(err))

	ev = FixtureEvidence("m3", "u1")
	ev.Attachments = nil
	_, err = eng.Submit(ctx, ev)
	assert.ErrorIs(err, ErrRejectedEvidence)
	assert.Equal(ReasonMissingAttachment, RejectionReason(err))
	_, err = eng.Get(ctx, "m3")
	assert.ErrorIs(err, ErrUnknownSubmission)
}

func TestSubmitAfterJudgedIsRejected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := submissionstore.NewMemStore()
	l := ledger.NewMemLedger()
	cfg := Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      store,
		Ledger:     l,
	}
	eng, err := NewEngine(cfg)
	require.NoError(t, err)

	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)
	assert.NoError(judge(eng, "m1", "r1", Approve(dec("1"))))

	// a fresh engine (empty marker store) still refuses to re-create the submission
	eng2, err := NewEngine(cfg)
	require.NoError(t, err)
	_, err = eng2.Submit(ctx, FixtureEvidence("m1", "u1"))
	assert.Equal(ReasonAlreadyProcessed, RejectionReason(err))

	sub, err := eng2.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusApproved, sub.Status)
	assert.Equal(int64(100), balance(t, l, "attack", "u1"))
}

func TestApproveThenDeny(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, l, notif := EngineTestFixture()

	_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	assert.NoError(judge(eng, "m1", "r1", Approve(dec("1.0"))))
	assert.Equal(int64(100), balance(t, l, "attack", "u1"))
	sub, err := eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusApproved, sub.Status)
	assert.Equal("r1", sub.JudgedBy)
	assert.NotNil(sub.JudgedAt)

	assert.NoError(judge(eng, "m1", "r2", Deny()))
	assert.Equal(int64(0), balance(t, l, "attack", "u1"))
	sub, err = eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusDenied, sub.Status)
	assert.True(sub.AppliedMultiplier().IsZero())

	pending, err := eng.ListPending(ctx)
	assert.NoError(err)
	assert.Empty(pending)

	assert.Equal([]AuditKind{AuditApproved, AuditDecisionChanged}, notif.Kinds())
	assert.Equal(int64(100), notif.Events[0].Points)
	assert.Equal(submission.StatusDenied, notif.Events[1].Status)
}

func TestMultiplierChange(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, l, notif := EngineTestFixture()

	_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1", "u2"))
	require.NoError(t, err)

	assert.NoError(judge(eng, "m1", "r1", Approve(dec("2.0"))))
	assert.Equal(int64(100), balance(t, l, "attack", "u1"))
	assert.Equal(int64(100), balance(t, l, "attack", "u2"))

	assert.NoError(judge(eng, "m1", "r1", Approve(dec("0.5"))))
	assert.Equal(int64(25), balance(t, l, "attack", "u1"))
	assert.Equal(int64(25), balance(t, l, "attack", "u2"))
	// two credits, then two debits and two credits
	assert.Equal(6, l.Calls())

	sub, err := eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(dec("0.5").Equal(sub.Multiplier))

	assert.Equal([]AuditKind{AuditApproved, AuditMultiplierChanged}, notif.Kinds())
	assert.True(dec("2").Equal(notif.Events[1].PrevMultiplier))
	assert.Equal(int64(50), notif.Events[1].Points)
}

func TestDenyThenApprove(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, l, notif := EngineTestFixture()

	_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1", "u2"))
	require.NoError(t, err)

	assert.NoError(judge(eng, "m1", "r1", Deny()))
	assert.Equal(0, l.Calls())

	assert.NoError(judge(eng, "m1", "r1", Approve(dec("1"))))
	assert.NoError(judge(eng, "m1", "r2", Approve(dec("1"))))
	assert.Equal(int64(50), balance(t, l, "attack", "u1"))
	assert.Equal(int64(50), balance(t, l, "attack", "u2"))
	assert.Equal(2, l.Calls())

	assert.Equal([]AuditKind{AuditDenied, AuditDecisionChanged}, notif.Kinds())
}

func TestRepeatedActionIsNoop(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, l, notif := EngineTestFixture()

	_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.NoError(judge(eng, "m1", "r1", Approve(dec("1.5"))))
	}
	assert.Equal(int64(150), balance(t, l, "attack", "u1"))
	assert.Equal(1, l.Calls())

	for i := 0; i < 3; i++ {
		assert.NoError(judge(eng, "m1", "r1", Deny()))
	}
	assert.Equal(int64(0), balance(t, l, "attack", "u1"))
	assert.Equal(2, l.Calls())
	assert.Len(notif.Kinds(), 2)
}

func TestExactReversal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	eng, err := NewEngine(Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 7},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     l,
	})
	require.NoError(t, err)

	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1", "u2", "u3"))
	require.NoError(t, err)

	// 7 * 1.5 = 10.5 -> 10, three ways -> 3 each
	steps := []struct {
		action Action
		each   int64
	}{
		{Approve(dec("1.5")), 3},
		{Approve(dec("0.5")), 1},
		{Approve(dec("2")), 4},
		{Deny(), 0},
		{Approve(dec("1")), 2},
		{Approve(dec("1.5")), 3},
		{Deny(), 0},
	}
	for _, s := range steps {
		assert.NoError(judge(eng, "m1", "r1", s.action))
		for _, u := range []string{"u1", "u2", "u3"} {
			assert.Equal(s.each, balance(t, l, "attack", u), "after %s", s.action)
		}
	}
}

func TestJudgeErrors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, l, _ := EngineTestFixture()

	_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	assert.ErrorIs(judge(eng, "nope", "r1", Approve(dec("1"))), ErrUnknownSubmission)
	assert.ErrorIs(judge(eng, "m1", "r1", Approve(dec("3"))), ErrInvalidAction)
	assert.ErrorIs(judge(eng, "m1", "r1", Approve(decimal.Zero)), ErrInvalidAction)
	assert.ErrorIs(judge(eng, "m1", "r1", Action{Kind: "maybe"}), ErrInvalidAction)

	err = eng.Judge(ctx, ReviewerAction{
		Category:     "defense",
		SubmissionID: "m1",
		ReviewerID:   "r1",
		Action:       Approve(dec("1")),
	})
	assert.ErrorIs(err, ErrUnknownSubmission)

	assert.Equal(0, l.Calls())
	sub, err := eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusPending, sub.Status)
}

func TestUnauthorizedReviewer(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	revs := reviewers.NewMemReviewerSet()
	revs.Add("attack", "r1")
	revs.Add(reviewers.AnyCategory, "admin")
	counts := countstore.NewMemCountStore()
	eng, err := NewEngine(Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     l,
		Authorizer: revs,
		Counters:   counts,
	})
	require.NoError(t, err)

	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	assert.ErrorIs(judge(eng, "m1", "rando", Approve(dec("1"))), ErrUnauthorized)
	assert.Equal(0, l.Calls())

	assert.NoError(judge(eng, "m1", "r1", Approve(dec("1"))))
	assert.NoError(judge(eng, "m1", "admin", Deny()))
	assert.Equal(int64(0), balance(t, l, "attack", "u1"))

	c, err := counts.GetCount(ctx, "attack", "r1", countstore.PeriodTotal)
	assert.NoError(err)
	assert.Equal(1, c)
	c, err = counts.GetCount(ctx, "attack", "rando", countstore.PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
}

func TestCategoryIsolation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := submissionstore.NewMemStore()
	l := ledger.NewMemLedger()
	markers := markerstore.NewMemMarkerStore()

	build := func(category string, points int64) *Engine {
		eng, err := NewEngine(Config{
			Category:   category,
			Classifier: &FixtureClassifier{Name: category, Points: points},
			Weighting:  SplitEvenly,
			Store:      store,
			Ledger:     l,
			Markers:    markers,
		})
		require.NoError(t, err)
		return eng
	}
	attack := build("attack", 100)
	defense := build("defense", 60)

	_, err := attack.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)
	_, err = defense.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	assert.NoError(judge(attack, "m1", "r1", Approve(dec("1"))))
	assert.Equal(int64(100), balance(t, l, "attack", "u1"))
	assert.Equal(int64(0), balance(t, l, "defense", "u1"))

	sub, err := defense.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusPending, sub.Status)
	assert.Equal(int64(60), sub.BasePoints)
}

func TestLedgerFailureRollsBack(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	inner := ledger.NewMemLedger()
	flaky := &FlakyLedger{Inner: inner}
	eng, err := NewEngine(Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     flaky,
	})
	require.NoError(t, err)

	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1", "u2"))
	require.NoError(t, err)

	// the second beneficiary's credit fails; the first must be undone
	flaky.SetFailOn(func(userID string, amount int64) bool { return userID == "u2" })
	assert.ErrorIs(judge(eng, "m1", "r1", Approve(dec("1"))), ErrLedgerFailure)
	assert.Equal(int64(0), balance(t, inner, "attack", "u1"))
	assert.Equal(int64(0), balance(t, inner, "attack", "u2"))
	sub, err := eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusPending, sub.Status)

	// retry succeeds once the ledger recovers
	flaky.SetFailOn(nil)
	assert.NoError(judge(eng, "m1", "r1", Approve(dec("1"))))
	assert.Equal(int64(50), balance(t, inner, "attack", "u1"))
	assert.Equal(int64(50), balance(t, inner, "attack", "u2"))

	// change-multiplier: both debits and the first credit land, the second credit fails
	flaky.SetFailOn(func(userID string, amount int64) bool { return userID == "u2" && amount == 100 })
	assert.ErrorIs(judge(eng, "m1", "r1", Approve(dec("2"))), ErrLedgerFailure)
	assert.Equal(int64(50), balance(t, inner, "attack", "u1"))
	assert.Equal(int64(50), balance(t, inner, "attack", "u2"))
	sub, err = eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusApproved, sub.Status)
	assert.True(dec("1").Equal(sub.Multiplier))

	// a failing reversal leaves the approval in place
	flaky.SetFailOn(func(userID string, amount int64) bool { return amount < 0 })
	assert.ErrorIs(judge(eng, "m1", "r1", Deny()), ErrLedgerFailure)
	assert.Equal(int64(50), balance(t, inner, "attack", "u1"))
	sub, err = eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusApproved, sub.Status)
}

type failingStore struct {
	submissionstore.Store
	mu         sync.Mutex
	failWrites bool
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = v
}

func (s *failingStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failWrites
}

func (s *failingStore) PutJudged(ctx context.Context, prev, next *submission.Submission) error {
	if s.failing() {
		return errors.New("disk full")
	}
	return s.Store.PutJudged(ctx, prev, next)
}

func (s *failingStore) MoveToJudged(ctx context.Context, sub *submission.Submission) error {
	if s.failing() {
		return errors.New("disk full")
	}
	return s.Store.MoveToJudged(ctx, sub)
}

func TestStoreFailureRollsBack(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	store := &failingStore{Store: submissionstore.NewMemStore()}
	eng, err := NewEngine(Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      store,
		Ledger:     l,
	})
	require.NoError(t, err)

	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	store.setFail(true)
	assert.ErrorIs(judge(eng, "m1", "r1", Approve(dec("1"))), ErrStoreFailure)
	assert.Equal(int64(0), balance(t, l, "attack", "u1"))
	sub, err := eng.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusPending, sub.Status)

	store.setFail(false)
	assert.NoError(judge(eng, "m1", "r1", Approve(dec("1"))))
	assert.Equal(int64(100), balance(t, l, "attack", "u1"))

	store.setFail(true)
	assert.ErrorIs(judge(eng, "m1", "r1", Deny()), ErrStoreFailure)
	assert.Equal(int64(100), balance(t, l, "attack", "u1"))
}

type brokenNotifier struct{}

func (brokenNotifier) Notify(ctx context.Context, evt *AuditEvent) error {
	return errors.New("webhook down")
}

func TestNotifierFailureKeepsTransition(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	l := ledger.NewMemLedger()
	eng, err := NewEngine(Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     l,
		Notifier:   brokenNotifier{},
	})
	require.NoError(t, err)

	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)
	assert.NoError(judge(eng, "m1", "r1", Approve(dec("1"))))
	assert.Equal(int64(100), balance(t, l, "attack", "u1"))
}

func TestConcurrentJudge(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		eng, l, _ := EngineTestFixture()
		_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		actions := []Action{Approve(dec("1")), Deny(), Approve(dec("2")), Deny(), Approve(dec("0.5"))}
		for i := 0; i < 50; i++ {
			a := actions[i%len(actions)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(judge(eng, "m1", "r1", a))
			}()
		}
		wg.Wait()

		sub, err := eng.Get(ctx, "m1")
		require.NoError(t, err)
		expected := submission.Total(100, sub.AppliedMultiplier())
		assert.Equal(expected, balance(t, l, "attack", "u1"))
		assert.Equal(0, eng.locks.Size())
	}
}

func TestConcurrentApproveDeny(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, l, _ := EngineTestFixture()

	_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(judge(eng, "m1", "r1", Approve(dec("1"))))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(judge(eng, "m1", "r2", Deny()))
	}()
	wg.Wait()

	sub, err := eng.Get(ctx, "m1")
	require.NoError(t, err)
	switch sub.Status {
	case submission.StatusApproved:
		assert.Equal(int64(100), balance(t, l, "attack", "u1"))
	case submission.StatusDenied:
		assert.Equal(int64(0), balance(t, l, "attack", "u1"))
	default:
		t.Fatalf("unexpected status %s", sub.Status)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, _, _ := EngineTestFixture()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1"))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.Equal(ReasonAlreadyProcessed, RejectionReason(err))
		}()
	}
	wg.Wait()
	assert.Equal(1, accepted)
	assert.Equal(0, eng.locks.Size())
}

func TestNewEngineValidation(t *testing.T) {
	assert := assert.New(t)

	_, err := NewEngine(Config{})
	assert.Error(err)

	_, err = NewEngine(Config{
		Category:   "defense",
		Classifier: &FixtureClassifier{Name: "attack", Points: 1},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     ledger.NewMemLedger(),
	})
	assert.Error(err)

	_, err = NewEngine(Config{
		Category:    "attack",
		Classifier:  &FixtureClassifier{Name: "attack", Points: 1},
		Weighting:   SplitEvenly,
		Store:       submissionstore.NewMemStore(),
		Ledger:      ledger.NewMemLedger(),
		Multipliers: []decimal.Decimal{dec("-1")},
	})
	assert.Error(err)
}

type recordingSink struct {
	mu      sync.Mutex
	markers map[string][]string
}

func (s *recordingSink) AddMarker(ctx context.Context, ev *Evidence, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[ev.ID] = append(s.markers[ev.ID], marker)
	return nil
}

func TestMarkerSink(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	sink := &recordingSink{markers: map[string][]string{}}
	eng, err := NewEngine(Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     ledger.NewMemLedger(),
		MarkerSink: sink,
	})
	require.NoError(t, err)

	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1"))
	assert.Error(err)
	ev := FixtureEvidence("m2", "u1")
	ev.Attachments = nil
	_, err = eng.Submit(ctx, ev)
	assert.Error(err)

	assert.Equal(map[string][]string{"m1": {markerstore.MarkerPending}}, sink.markers)
}

// cancelingLedger cancels the caller's context once a credit has been applied.
type cancelingLedger struct {
	Ledger
	cancel context.CancelFunc
}

func (l *cancelingLedger) Credit(ctx context.Context, category, userID string, amount int64) error {
	if err := l.Ledger.Credit(ctx, category, userID, amount); err != nil {
		return err
	}
	l.cancel()
	return nil
}

// ctxNotifier drops events sent on a done context, like any network or database sink.
type ctxNotifier struct {
	RecordingNotifier
}

func (n *ctxNotifier) Notify(ctx context.Context, evt *AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.RecordingNotifier.Notify(ctx, evt)
}

func TestAuditSurvivesCallerCancel(t *testing.T) {
	assert := assert.New(t)
	l := ledger.NewMemLedger()
	notif := &ctxNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng, err := NewEngine(Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     &cancelingLedger{Ledger: l, cancel: cancel},
		Notifier:   notif,
		Counters:   countstore.NewMemCountStore(),
	})
	require.NoError(t, err)

	_, err = eng.Submit(context.Background(), FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	ra := ReviewerAction{Category: "attack", SubmissionID: "m1", ReviewerID: "r1", Action: Approve(dec("1"))}
	assert.NoError(eng.Judge(ctx, ra))
	assert.Error(ctx.Err())

	// the retry is a no-op, so the first call is the only chance to emit the record
	assert.NoError(eng.Judge(context.Background(), ra))
	assert.Equal([]AuditKind{AuditApproved}, notif.Kinds())
	assert.Equal(int64(100), balance(t, l, "attack", "u1"))
}

// hookLedger runs a one-shot hook before the next credit.
type hookLedger struct {
	Ledger
	mu     sync.Mutex
	before func()
}

func (l *hookLedger) setBefore(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.before = f
}

func (l *hookLedger) Credit(ctx context.Context, category, userID string, amount int64) error {
	l.mu.Lock()
	f := l.before
	l.before = nil
	l.mu.Unlock()
	if f != nil {
		f()
	}
	return l.Ledger.Credit(ctx, category, userID, amount)
}

// twoWriters builds two engines sharing a store and a ledger but not their locks, as two
// processes on one database would.
func twoWriters(t *testing.T) (*Engine, *Engine, *hookLedger, *ledger.MemLedger, *RecordingNotifier) {
	t.Helper()
	l := ledger.NewMemLedger()
	hl := &hookLedger{Ledger: l}
	notif := &RecordingNotifier{}
	cfg := Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     hl,
		Notifier:   notif,
	}
	a, err := NewEngine(cfg)
	require.NoError(t, err)
	b, err := NewEngine(cfg)
	require.NoError(t, err)
	return a, b, hl, l, notif
}

func TestConcurrentWriterDenyRace(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	a, b, hl, l, notif := twoWriters(t)

	_, err := a.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)
	require.NoError(t, judge(a, "m1", "r1", Approve(dec("1"))))

	// b denies after a has loaded the approved record but before a persists
	hl.setBefore(func() {
		assert.NoError(judge(b, "m1", "r2", Deny()))
	})
	err = judge(a, "m1", "r1", Deny())
	assert.ErrorIs(err, ErrConcurrentUpdate)

	sub, err := a.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusDenied, sub.Status)
	assert.Equal("r2", sub.JudgedBy)
	assert.Equal(int64(0), balance(t, l, "attack", "u1"))
	assert.Equal([]AuditKind{AuditApproved, AuditDecisionChanged}, notif.Kinds())

	// retrying sees the new state
	assert.NoError(judge(a, "m1", "r1", Deny()))
	assert.Equal(int64(0), balance(t, l, "attack", "u1"))
}

func TestConcurrentWriterFirstDecisionRace(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	a, b, hl, l, _ := twoWriters(t)

	_, err := a.Submit(ctx, FixtureEvidence("m1", "u1"))
	require.NoError(t, err)

	hl.setBefore(func() {
		assert.NoError(judge(b, "m1", "r2", Approve(dec("2"))))
	})
	assert.ErrorIs(judge(a, "m1", "r1", Approve(dec("1"))), ErrConcurrentUpdate)

	sub, err := a.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(submission.StatusApproved, sub.Status)
	assert.True(sub.Multiplier.Equal(dec("2")))
	assert.Equal(int64(200), balance(t, l, "attack", "u1"))
}

func TestReversalAfterRestart(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fs := vfs.NewMem()
	l := ledger.NewMemLedger()

	start := func() (*Engine, *submissionstore.PebbleStore) {
		store, err := submissionstore.OpenPebbleStore("submissions", &pebble.Options{FS: fs}, nil)
		require.NoError(t, err)
		eng, err := NewEngine(Config{
			Category:   "attack",
			Classifier: &FixtureClassifier{Name: "attack", Points: 100},
			Weighting:  SplitEvenly,
			Store:      store,
			Ledger:     l,
		})
		require.NoError(t, err)
		return eng, store
	}

	eng, store := start()
	_, err := eng.Submit(ctx, FixtureEvidence("m1", "u1", "u2"))
	require.NoError(t, err)
	assert.NoError(judge(eng, "m1", "r1", Approve(dec("1.5"))))
	assert.Equal(int64(75), balance(t, l, "attack", "u1"))
	require.NoError(t, store.Close())

	eng, store = start()
	defer store.Close()

	// the reversal uses the persisted x1.5, not a default
	assert.NoError(judge(eng, "m1", "r1", Deny()))
	assert.Equal(int64(0), balance(t, l, "attack", "u1"))
	assert.Equal(int64(0), balance(t, l, "attack", "u2"))

	_, err = eng.Submit(ctx, FixtureEvidence("m1", "u1", "u2"))
	assert.Equal(ReasonAlreadyProcessed, RejectionReason(err))
}
