package router

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"

	"github.com/kompany/tally/moderation/engine"
)

// Reaction is a reviewer reaction delivered by the chat gateway.
type Reaction struct {
	MessageID   string   `json:"message_id"`
	GuildID     string   `json:"guild_id,omitempty"`
	ChannelID   string   `json:"channel_id"`
	ChannelName string   `json:"channel_name"`
	UserID      string   `json:"user_id"`
	UserBot     bool     `json:"user_bot,omitempty"`
	UserRoles   []string `json:"user_roles,omitempty"`
	Emoji       string   `json:"emoji"`
}

// MarkerClearer removes other users' decision reactions from a message, so the message
// only shows the latest decision.
type MarkerClearer interface {
	ClearReactions(ctx context.Context, channelID, messageID string, emojis []string) error
}

type Outcome string

const (
	OutcomeJudged          Outcome = "judged"
	OutcomeIgnoredBot      Outcome = "ignored-bot"
	OutcomeIgnoredEmoji    Outcome = "ignored-emoji"
	OutcomeIgnoredRole     Outcome = "ignored-role"
	OutcomeIgnoredChannel  Outcome = "ignored-channel"
	OutcomeIgnoredUnknown  Outcome = "ignored-unknown"
	OutcomeIgnoredReviewer Outcome = "ignored-reviewer"
)

type Result struct {
	Outcome  Outcome `json:"outcome"`
	Category string  `json:"category,omitempty"`
	Action   string  `json:"action,omitempty"`
	// conflicting decision emojis which should be removed from the message
	Clear []string `json:"clear,omitempty"`
}

// Router maps reviewer reactions to engine actions.
type Router struct {
	Dispatcher *Dispatcher
	Emojis     map[string]engine.Action
	// when set, only members holding this role may judge
	ReviewerRole string
	Clearer      MarkerClearer
	Logger       *slog.Logger
}

func NewRouter(d *Dispatcher, emojis map[string]engine.Action, logger *slog.Logger) *Router {
	if emojis == nil {
		emojis = DefaultEmojis()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		Dispatcher: d,
		Emojis:     emojis,
		Logger:     logger,
	}
}

// conflicting returns the decision emojis other than the one just used.
func (r *Router) conflicting(emoji string) []string {
	out := make([]string, 0, len(r.Emojis))
	for e := range r.Emojis {
		if e != emoji {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// HandleReaction judges the reacted submission. Reactions which are not decisions (bots,
// unknown emoji, messages that are not submissions, non-reviewers) are ignored without
// error; engine failures are returned.
func (r *Router) HandleReaction(ctx context.Context, rx Reaction) (*Result, error) {
	if rx.UserBot {
		return &Result{Outcome: OutcomeIgnoredBot}, nil
	}
	action, ok := r.Emojis[rx.Emoji]
	if !ok {
		return &Result{Outcome: OutcomeIgnoredEmoji}, nil
	}
	if r.ReviewerRole != "" && !slices.Contains(rx.UserRoles, r.ReviewerRole) {
		return &Result{Outcome: OutcomeIgnoredRole}, nil
	}

	eng, err := r.Dispatcher.Route(&engine.Evidence{
		ID:          rx.MessageID,
		GuildID:     rx.GuildID,
		ChannelID:   rx.ChannelID,
		ChannelName: rx.ChannelName,
	})
	if errors.Is(err, ErrNoCategory) {
		return &Result{Outcome: OutcomeIgnoredChannel}, nil
	}
	if err != nil {
		return nil, err
	}
	res := &Result{Category: eng.Category(), Action: action.String()}

	// the message must be a known submission before anything is cleared
	if _, err := eng.Get(ctx, rx.MessageID); err != nil {
		if errors.Is(err, engine.ErrUnknownSubmission) {
			res.Outcome = OutcomeIgnoredUnknown
			return res, nil
		}
		return nil, err
	}

	ok, err = eng.IsReviewer(ctx, rx.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		r.Logger.Info("ignoring reaction from non-reviewer", "category", eng.Category(), "user", rx.UserID)
		res.Outcome = OutcomeIgnoredReviewer
		return res, nil
	}

	res.Clear = r.conflicting(rx.Emoji)
	if r.Clearer != nil {
		if err := r.Clearer.ClearReactions(ctx, rx.ChannelID, rx.MessageID, res.Clear); err != nil {
			r.Logger.Warn("failed to clear conflicting reactions", "message", rx.MessageID, "err", err)
		}
	}

	err = eng.Judge(ctx, engine.ReviewerAction{
		Category:     eng.Category(),
		SubmissionID: rx.MessageID,
		ReviewerID:   rx.UserID,
		Action:       action,
	})
	switch {
	case err == nil:
		res.Outcome = OutcomeJudged
		return res, nil
	case errors.Is(err, engine.ErrUnknownSubmission):
		res.Outcome = OutcomeIgnoredUnknown
		return res, nil
	default:
		return nil, err
	}
}
