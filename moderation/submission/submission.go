// Package submission holds the record types shared by the moderation engine and its stores.
package submission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

func (s Status) Judged() bool {
	return s == StatusApproved || s == StatusDenied
}

// Key identifies a submission. IDs are only unique within a category.
type Key struct {
	Category string
	ID       string
}

func (k Key) String() string {
	return k.Category + "/" + k.ID
}

// Submission is one unit of evidence awaiting or having received a reward decision.
//
// BasePoints and Beneficiaries are fixed at creation. Only Status, Multiplier, JudgedBy
// and JudgedAt change afterwards.
type Submission struct {
	Category      string          `json:"category"`
	ID            string          `json:"id"`
	BasePoints    int64           `json:"base_points"`
	Beneficiaries []string        `json:"beneficiaries"`
	Status        Status          `json:"status"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	JudgedBy      string          `json:"judged_by,omitempty"`
	GuildID       string          `json:"guild_id,omitempty"`
	ChannelID     string          `json:"channel_id,omitempty"`
	ChannelName   string          `json:"channel_name,omitempty"`
	AuthorID      string          `json:"author_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	JudgedAt      *time.Time      `json:"judged_at,omitempty"`
}

func (s *Submission) Key() Key {
	return Key{Category: s.Category, ID: s.ID}
}

// AppliedMultiplier is the multiplier of the currently credited reward, zero unless approved.
func (s *Submission) AppliedMultiplier() decimal.Decimal {
	if s.Status != StatusApproved {
		return decimal.Zero
	}
	return s.Multiplier
}

func (s *Submission) Clone() *Submission {
	out := *s
	out.Beneficiaries = append([]string(nil), s.Beneficiaries...)
	if s.JudgedAt != nil {
		t := *s.JudgedAt
		out.JudgedAt = &t
	}
	return &out
}

func (s *Submission) Validate() error {
	if s.Category == "" || s.ID == "" {
		return fmt.Errorf("submission missing category or id")
	}
	if s.BasePoints < 0 {
		return fmt.Errorf("negative base points: %d", s.BasePoints)
	}
	switch s.Status {
	case StatusPending, StatusApproved, StatusDenied:
	default:
		return fmt.Errorf("unknown submission status: %q", s.Status)
	}
	return nil
}

// Total is the reward for a base value at a multiplier, truncated toward zero.
func Total(basePoints int64, multiplier decimal.Decimal) int64 {
	return decimal.NewFromInt(basePoints).Mul(multiplier).IntPart()
}
