package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type ActionKind string

const (
	ActionApprove ActionKind = "approve"
	ActionDeny    ActionKind = "deny"
)

// Action is one reviewer decision. Multiplier is only meaningful for approvals.
type Action struct {
	Kind       ActionKind      `json:"kind"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

func Approve(multiplier decimal.Decimal) Action {
	return Action{Kind: ActionApprove, Multiplier: multiplier}
}

func Deny() Action {
	return Action{Kind: ActionDeny, Multiplier: decimal.Zero}
}

func (a Action) String() string {
	if a.Kind == ActionApprove {
		return fmt.Sprintf("approve(x%s)", a.Multiplier.String())
	}
	return string(a.Kind)
}

// ReviewerAction is a reviewer's decision on one submission, as delivered by the reaction
// router or the API.
type ReviewerAction struct {
	Category     string `json:"category"`
	SubmissionID string `json:"submission_id"`
	ReviewerID   string `json:"reviewer_id"`
	Action       Action `json:"action"`
}

// DefaultMultipliers are the approval multipliers observed in production: half, normal,
// moon (x1.5) and fire (x2).
func DefaultMultipliers() []decimal.Decimal {
	return []decimal.Decimal{
		decimal.RequireFromString("0.5"),
		decimal.NewFromInt(1),
		decimal.RequireFromString("1.5"),
		decimal.NewFromInt(2),
	}
}
