// Package audit delivers the moderation audit trail: a durable SQL log, chat webhooks
// and structured log lines.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/moderation/submission"
)

// Multi sends each event to every notifier, returning the joined errors.
type Multi []engine.Notifier

var _ engine.Notifier = Multi(nil)

func (m Multi) Notify(ctx context.Context, evt *engine.AuditEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogNotifier struct {
	Logger *slog.Logger
}

var _ engine.Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) Notify(ctx context.Context, evt *engine.AuditEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("moderation audit",
		"kind", evt.Kind,
		"category", evt.Category,
		"submission", evt.SubmissionID,
		"reviewer", evt.ReviewerID,
		"status", evt.Status,
		"multiplier", evt.Multiplier.String(),
		"points", evt.Points,
	)
	return nil
}

// MessageLink is the chat permalink of the evidence, or "" when the context is unknown.
func MessageLink(evt *engine.AuditEvent) string {
	if evt.GuildID == "" || evt.ChannelID == "" {
		return ""
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", evt.GuildID, evt.ChannelID, evt.SubmissionID)
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

func title(category string) string {
	if category == "" {
		return category
	}
	return strings.ToUpper(category[:1]) + category[1:]
}

// Format renders an event as a chat message.
func Format(evt *engine.AuditEvent) string {
	var sb strings.Builder
	kind := title(evt.Category)
	switch evt.Kind {
	case engine.AuditApproved:
		fmt.Fprintf(&sb, "✅ **%s** approved by %s.", kind, mention(evt.ReviewerID))
	case engine.AuditDenied:
		fmt.Fprintf(&sb, "❌ **%s** denied by %s.", kind, mention(evt.ReviewerID))
	case engine.AuditDecisionChanged:
		to := "DENIED"
		if evt.Status == submission.StatusApproved {
			to = fmt.Sprintf("APPROVED (x%s)", evt.Multiplier.String())
		}
		fmt.Fprintf(&sb, "🔄 Decision changed to **%s** by %s for a **%s** submission.", to, mention(evt.ReviewerID), kind)
	case engine.AuditMultiplierChanged:
		fmt.Fprintf(&sb, "🔄 Multiplier changed from x%s to **x%s** by %s for a **%s** submission.",
			evt.PrevMultiplier.String(), evt.Multiplier.String(), mention(evt.ReviewerID), kind)
	default:
		fmt.Fprintf(&sb, "%s: %s/%s by %s", evt.Kind, evt.Category, evt.SubmissionID, mention(evt.ReviewerID))
	}
	if link := MessageLink(evt); link != "" {
		fmt.Fprintf(&sb, " [Go to submission](%s)", link)
	}
	if evt.Status == submission.StatusApproved && evt.Points > 0 {
		mentions := make([]string, len(evt.Beneficiaries))
		for i, b := range evt.Beneficiaries {
			mentions[i] = mention(b)
		}
		fmt.Fprintf(&sb, "\n> Awarded **`%d`** points (x%s) to: %s.", evt.Points, evt.Multiplier.String(), strings.Join(mentions, ", "))
	}
	return sb.String()
}
