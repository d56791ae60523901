// Package classify holds the per-category evidence classifiers and the reward weightings
// they are paired with.
package classify

import (
	"regexp"
	"strings"

	"github.com/kompany/tally/moderation/engine"
	"github.com/shopspring/decimal"
)

// Classifier is an engine classifier which also knows how its category splits rewards.
type Classifier interface {
	engine.Classifier
	Weighting() engine.Weighting
}

// Maximum number of allies a single piece of evidence may credit.
const MaxAllies = 5

var mentionRegex = regexp.MustCompile(`<@!?(\d+)>`)

// Mentions returns the user ids mentioned in chat text, in order of first appearance.
func Mentions(content string) []string {
	matches := mentionRegex.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}

// checkEvidence applies the validation shared by every category: an image attachment and
// at least one mentioned user.
func checkEvidence(ev *engine.Evidence) ([]string, error) {
	if !ev.HasImage() {
		return nil, engine.Reject(engine.ReasonMissingAttachment, "evidence %s has no image attachment", ev.ID)
	}
	allies := Mentions(ev.Content)
	if len(allies) == 0 {
		return nil, engine.Reject(engine.ReasonNoBeneficiaries, "evidence %s mentions nobody", ev.ID)
	}
	return allies, nil
}

func channelName(ev *engine.Evidence) string {
	return strings.ToLower(ev.ChannelName)
}

// FullShare credits every beneficiary the full total.
func FullShare(total int64, beneficiaries []string) []int64 {
	out := make([]int64, len(beneficiaries))
	for i := range out {
		out[i] = total
	}
	return out
}

// EqualSplit divides the total evenly, truncating each share.
func EqualSplit(total int64, beneficiaries []string) []int64 {
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

// LeadWeighted credits the first beneficiary the full total and everyone else the given
// fraction of it, truncated.
func LeadWeighted(fraction decimal.Decimal) engine.Weighting {
	return func(total int64, beneficiaries []string) []int64 {
		out := make([]int64, len(beneficiaries))
		rest := decimal.NewFromInt(total).Mul(fraction).IntPart()
		for i := range out {
			if i == 0 {
				out[i] = total
			} else {
				out[i] = rest
			}
		}
		return out
	}
}

// Defaults returns the classifiers for every built in category. The koth classifier is
// only included when a channel is configured for it.
func Defaults(kothChannelID string, events KothEvents) []Classifier {
	out := []Classifier{
		NewAttack(),
		NewDefense(),
		NewInterserver(),
		NewTempo(),
	}
	if kothChannelID != "" && events != nil {
		out = append(out, NewKoth(kothChannelID, events))
	}
	return out
}
