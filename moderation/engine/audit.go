package engine

import (
	"time"

	"github.com/kompany/tally/moderation/submission"
	"github.com/shopspring/decimal"
)

type AuditKind string

const (
	AuditApproved          AuditKind = "approved"
	AuditDenied            AuditKind = "denied"
	AuditDecisionChanged   AuditKind = "decision-changed"
	AuditMultiplierChanged AuditKind = "multiplier-changed"
)

// AuditEvent is one human-readable record of a committed transition.
type AuditEvent struct {
	Kind         AuditKind `json:"kind"`
	Category     string    `json:"category"`
	SubmissionID string    `json:"submission_id"`
	ReviewerID   string    `json:"reviewer_id"`
	// resulting status; for AuditDecisionChanged this is the "to" side
	Status submission.Status `json:"status"`
	// resulting applied multiplier (zero when denied)
	Multiplier decimal.Decimal `json:"multiplier"`
	// previously applied multiplier, set for AuditMultiplierChanged
	PrevMultiplier decimal.Decimal `json:"prev_multiplier"`
	// reward total credited by this decision, trunc(base * multiplier)
	Points        int64     `json:"points"`
	Beneficiaries []string  `json:"beneficiaries"`
	GuildID       string    `json:"guild_id,omitempty"`
	ChannelID     string    `json:"channel_id,omitempty"`
	ChannelName   string    `json:"channel_name,omitempty"`
	At            time.Time `json:"at"`
}
