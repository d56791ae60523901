package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/moderation/markerstore"

	"github.com/shopspring/decimal"
)

const (
	EmojiPending = "📝"
	EmojiApprove = "✅"
	EmojiFire    = "🔥"
	EmojiMoon    = "🌕"
	EmojiDeny    = "❌"
	EmojiShrug   = "🤷"
)

// MarkerEmojis is how engine markers are shown on the evidence message.
var MarkerEmojis = map[string]string{
	markerstore.MarkerPending:    EmojiPending,
	markerstore.MarkerZeroPoints: EmojiShrug,
}

// DefaultEmojis maps reviewer reactions to actions: approve x1, x2 (fire), x1.5 (moon) and
// deny.
func DefaultEmojis() map[string]engine.Action {
	return map[string]engine.Action{
		EmojiApprove: engine.Approve(decimal.NewFromInt(1)),
		EmojiFire:    engine.Approve(decimal.NewFromInt(2)),
		EmojiMoon:    engine.Approve(decimal.RequireFromString("1.5")),
		EmojiDeny:    engine.Deny(),
	}
}

// ParseEmojis reads an emoji to multiplier mapping ("✅=1", "🔥=2", "❌=deny").
func ParseEmojis(specs []string) (map[string]engine.Action, error) {
	out := make(map[string]engine.Action, len(specs))
	for _, s := range specs {
		idx := strings.LastIndexByte(s, '=')
		if idx <= 0 || idx == len(s)-1 {
			return nil, fmt.Errorf("bad emoji mapping %q, expected <emoji>=<multiplier|deny>", s)
		}
		emoji, val := s[:idx], s[idx+1:]
		if val == "deny" {
			out[emoji] = engine.Deny()
			continue
		}
		m, err := decimal.NewFromString(val)
		if err != nil {
			return nil, fmt.Errorf("bad multiplier in emoji mapping %q: %w", s, err)
		}
		if !m.IsPositive() {
			return nil, fmt.Errorf("multiplier must be positive in emoji mapping %q", s)
		}
		out[emoji] = engine.Approve(m)
	}
	return out, nil
}

// Multipliers lists the distinct approval multipliers of a mapping, ascending.
func Multipliers(emojis map[string]engine.Action) []decimal.Decimal {
	return mergeMultipliers(nil, emojis)
}

// AllowedMultipliers is the engine's default multiplier set plus any extra multiplier a
// mapping introduces. Multipliers without an emoji remain usable through the API.
func AllowedMultipliers(emojis map[string]engine.Action) []decimal.Decimal {
	return mergeMultipliers(engine.DefaultMultipliers(), emojis)
}

func mergeMultipliers(out []decimal.Decimal, emojis map[string]engine.Action) []decimal.Decimal {
	for _, a := range emojis {
		if a.Kind != engine.ActionApprove {
			continue
		}
		dup := false
		for _, m := range out {
			if m.Equal(a.Multiplier) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a.Multiplier)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessThan(out[j]) })
	return out
}
