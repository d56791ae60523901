// Package router turns chat events (new messages, reviewer reactions) into engine calls.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/moderation/markerstore"
)

var (
	// ErrNoCategory means no engine claims the evidence context.
	ErrNoCategory = errors.New("no category for channel")
	// ErrAmbiguousCategory means more than one engine claims the context, which is a
	// configuration error.
	ErrAmbiguousCategory = errors.New("channel claimed by more than one category")
)

// Dispatcher holds one engine per category and picks the engine for an evidence context.
type Dispatcher struct {
	engines map[string]*engine.Engine
	order   []string
	markers markerstore.MarkerStore
	logger  *slog.Logger
}

func NewDispatcher(logger *slog.Logger, markers markerstore.MarkerStore, engines ...*engine.Engine) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if markers == nil {
		markers = markerstore.NewMemMarkerStore()
	}
	d := &Dispatcher{
		engines: make(map[string]*engine.Engine, len(engines)),
		markers: markers,
		logger:  logger,
	}
	for _, eng := range engines {
		if _, ok := d.engines[eng.Category()]; ok {
			return nil, fmt.Errorf("duplicate engine for category %q", eng.Category())
		}
		d.engines[eng.Category()] = eng
		d.order = append(d.order, eng.Category())
	}
	sort.Strings(d.order)
	return d, nil
}

func (d *Dispatcher) Engine(category string) (*engine.Engine, bool) {
	eng, ok := d.engines[category]
	return eng, ok
}

func (d *Dispatcher) Categories() []string {
	return append([]string(nil), d.order...)
}

// Route finds the single engine whose classifier claims the evidence context.
func (d *Dispatcher) Route(ev *engine.Evidence) (*engine.Engine, error) {
	var found *engine.Engine
	for _, cat := range d.order {
		eng := d.engines[cat]
		if !eng.Classifier().Relevant(ev) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s (%s and %s)", ErrAmbiguousCategory, ev.ChannelName, found.Category(), cat)
		}
		found = eng
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoCategory, ev.ChannelName, ev.ChannelID)
	}
	return found, nil
}

type SubmitResult struct {
	Category     string `json:"category"`
	SubmissionID string `json:"submission_id,omitempty"`
	// emoji to show on the evidence message, if any
	Marker string `json:"marker,omitempty"`
}

// Submit routes new evidence to its category engine. Messages from bots are never
// submissions. Evidence rejected for being worth zero points is marked so the author can
// see why nothing happened.
func (d *Dispatcher) Submit(ctx context.Context, ev *engine.Evidence) (*SubmitResult, error) {
	if ev.AuthorBot {
		return nil, engine.Reject(engine.ReasonBadContext, "bot authored evidence %s", ev.ID)
	}
	eng, err := d.Route(ev)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{Category: eng.Category()}
	id, err := eng.Submit(ctx, ev)
	if err != nil {
		if engine.RejectionReason(err) == engine.ReasonZeroPoints {
			key := eng.Category() + "/" + ev.ID
			if merr := d.markers.Add(ctx, key, markerstore.MarkerZeroPoints); merr != nil {
				d.logger.Warn("failed to persist zero-points marker", "evidence", ev.ID, "err", merr)
			}
			res.Marker = MarkerEmojis[markerstore.MarkerZeroPoints]
		}
		return res, err
	}
	res.SubmissionID = id
	res.Marker = MarkerEmojis[markerstore.MarkerPending]
	return res, nil
}
