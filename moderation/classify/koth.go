package classify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kompany/tally/moderation/engine"
	"github.com/shopspring/decimal"
)

var (
	ErrEventActive   = errors.New("a koth event is already active")
	ErrNoActiveEvent = errors.New("no active koth event")
)

// KothShare is the fraction of the per-tag points credited to every ally after the first.
var KothShare = decimal.RequireFromString("0.75")

type KothEvent struct {
	Name         string     `json:"name"`
	PointsPerTag int64      `json:"points_per_tag"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// KothEvents tracks the (at most one) active King of the Hill event. Current is served
// from memory; classifiers call it on every submission.
type KothEvents interface {
	Start(ctx context.Context, name string, pointsPerTag int64) (*KothEvent, error)
	End(ctx context.Context) (*KothEvent, error)
	Current() *KothEvent
}

// MemKothEvents keeps the event in memory only.
type MemKothEvents struct {
	mu      sync.RWMutex
	current *KothEvent
}

var _ KothEvents = (*MemKothEvents)(nil)

func NewMemKothEvents() *MemKothEvents {
	return &MemKothEvents{}
}

func (k *MemKothEvents) Start(ctx context.Context, name string, pointsPerTag int64) (*KothEvent, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current != nil {
		return nil, ErrEventActive
	}
	k.current = &KothEvent{Name: name, PointsPerTag: pointsPerTag, StartedAt: time.Now().UTC()}
	out := *k.current
	return &out, nil
}

func (k *MemKothEvents) End(ctx context.Context) (*KothEvent, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return nil, ErrNoActiveEvent
	}
	out := *k.current
	now := time.Now().UTC()
	out.EndedAt = &now
	k.current = nil
	return &out, nil
}

func (k *MemKothEvents) Current() *KothEvent {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.current == nil {
		return nil
	}
	out := *k.current
	return &out
}

// KothClassifier accepts evidence posted in one configured channel while an event runs.
// The event's points per tag are captured as the submission's base value, so ending or
// restarting an event never changes already submitted rewards.
type KothClassifier struct {
	channelID string
	events    KothEvents
	weighting engine.Weighting
}

var _ Classifier = (*KothClassifier)(nil)

func NewKoth(channelID string, events KothEvents) *KothClassifier {
	return &KothClassifier{
		channelID: channelID,
		events:    events,
		weighting: LeadWeighted(KothShare),
	}
}

func (c *KothClassifier) Category() string {
	return "koth"
}

func (c *KothClassifier) Weighting() engine.Weighting {
	return c.weighting
}

func (c *KothClassifier) Relevant(ev *engine.Evidence) bool {
	return c.channelID != "" && ev.ChannelID == c.channelID
}

func (c *KothClassifier) Classify(ev *engine.Evidence) (*engine.Classification, error) {
	if !c.Relevant(ev) {
		return nil, engine.Reject(engine.ReasonBadContext, "channel %s is not the koth channel", ev.ChannelID)
	}
	evt := c.events.Current()
	if evt == nil {
		return nil, engine.Reject(engine.ReasonInactiveEvent, "no koth event running")
	}
	allies, err := checkEvidence(ev)
	if err != nil {
		return nil, err
	}
	if evt.PointsPerTag <= 0 {
		return nil, engine.Reject(engine.ReasonZeroPoints, "koth event %q awards no points", evt.Name)
	}
	return &engine.Classification{BasePoints: evt.PointsPerTag, Beneficiaries: allies}, nil
}
