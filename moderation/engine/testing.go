package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/kompany/tally/moderation/ledger"
	"github.com/kompany/tally/moderation/submissionstore"
)

var errTestLedger = errors.New("ledger unavailable")

// FixtureClassifier accepts any evidence with an image in a channel named "<category>-*",
// awarding fixed points to the mentioned users (the author when Content is empty).
type FixtureClassifier struct {
	Name   string
	Points int64
}

func (c *FixtureClassifier) Category() string {
	return c.Name
}

func (c *FixtureClassifier) Relevant(ev *Evidence) bool {
	return strings.HasPrefix(ev.ChannelName, c.Name+"-")
}

func (c *FixtureClassifier) Classify(ev *Evidence) (*Classification, error) {
	if !ev.HasImage() {
		return nil, Reject(ReasonMissingAttachment, "no image")
	}
	if c.Points <= 0 {
		return nil, Reject(ReasonZeroPoints, "")
	}
	bens := strings.Fields(ev.Content)
	if len(bens) == 0 {
		bens = []string{ev.AuthorID}
	}
	return &Classification{BasePoints: c.Points, Beneficiaries: bens}, nil
}

// SplitEvenly divides the total evenly, truncating each share.
func SplitEvenly(total int64, beneficiaries []string) []int64 {
	out := make([]int64, len(beneficiaries))
	if len(beneficiaries) == 0 {
		return out
	}
	share := total / int64(len(beneficiaries))
	for i := range out {
		out[i] = share
	}
	return out
}

// FlakyLedger wraps a ledger and fails calls matched by FailOn.
type FlakyLedger struct {
	Inner  Ledger
	mu     sync.Mutex
	FailOn func(userID string, amount int64) bool
}

func (l *FlakyLedger) SetFailOn(f func(userID string, amount int64) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.FailOn = f
}

func (l *FlakyLedger) Credit(ctx context.Context, category, userID string, amount int64) error {
	l.mu.Lock()
	fail := l.FailOn != nil && l.FailOn(userID, amount)
	l.mu.Unlock()
	if fail {
		return errTestLedger
	}
	return l.Inner.Credit(ctx, category, userID, amount)
}

// RecordingNotifier keeps every audit event it is sent.
type RecordingNotifier struct {
	mu     sync.Mutex
	Events []AuditEvent
}

func (n *RecordingNotifier) Notify(ctx context.Context, evt *AuditEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, *evt)
	return nil
}

func (n *RecordingNotifier) Kinds() []AuditKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]AuditKind, len(n.Events))
	for i, evt := range n.Events {
		out[i] = evt.Kind
	}
	return out
}

// EngineTestFixture builds an in-memory engine for category "attack" awarding 100 points
// per submission, split equally.
func EngineTestFixture() (*Engine, *ledger.MemLedger, *RecordingNotifier) {
	l := ledger.NewMemLedger()
	notif := &RecordingNotifier{}
	eng, err := NewEngine(Config{
		Category:   "attack",
		Classifier: &FixtureClassifier{Name: "attack", Points: 100},
		Weighting:  SplitEvenly,
		Store:      submissionstore.NewMemStore(),
		Ledger:     l,
		Notifier:   notif,
		Logger:     slog.Default(),
	})
	if err != nil {
		panic(err)
	}
	return eng, l, notif
}

func FixtureEvidence(id string, beneficiaries ...string) *Evidence {
	return &Evidence{
		ID:          id,
		ChannelID:   "c1",
		ChannelName: "attack-vs2",
		AuthorID:    "author",
		Content:     strings.Join(beneficiaries, " "),
		Attachments: []Attachment{{Filename: "proof.png", ContentType: "image/png"}},
	}
}
