package classify

import (
	"strings"

	"github.com/kompany/tally/moderation/engine"
)

var InterserverPoints = map[string]int64{
	"tempo-no_def-v1": 2,
	"koth-v2-v3":      10,
	"v4-v5":           30,
}

var TempoPoints = map[string]int64{
	"5-10min":    5,
	"10-15min":   15,
	"15-20min":   30,
	"20-25min":   45,
	"25-30min":   60,
	"plus-de-30": 75,
}

// TableClassifier looks up the points for the channel name suffix after a fixed prefix
// ("tempo-10-15min" is bucket "10-15min").
type TableClassifier struct {
	name   string
	prefix string
	table  map[string]int64
}

var _ Classifier = (*TableClassifier)(nil)

func NewInterserver() *TableClassifier {
	return &TableClassifier{name: "interserver", prefix: "interserver-", table: InterserverPoints}
}

func NewTempo() *TableClassifier {
	return &TableClassifier{name: "tempo", prefix: "tempo-", table: TempoPoints}
}

func (c *TableClassifier) Category() string {
	return c.name
}

func (c *TableClassifier) Weighting() engine.Weighting {
	return FullShare
}

func (c *TableClassifier) Relevant(ev *engine.Evidence) bool {
	return strings.HasPrefix(channelName(ev), c.prefix)
}

func (c *TableClassifier) Classify(ev *engine.Evidence) (*engine.Classification, error) {
	name := channelName(ev)
	if !strings.HasPrefix(name, c.prefix) {
		return nil, engine.Reject(engine.ReasonBadContext, "channel %q is not a %s channel", ev.ChannelName, c.name)
	}
	allies, err := checkEvidence(ev)
	if err != nil {
		return nil, err
	}
	key := strings.TrimPrefix(name, c.prefix)
	points, ok := c.table[key]
	if !ok {
		return nil, engine.Reject(engine.ReasonBadContext, "unknown %s bucket %q", c.name, key)
	}
	if points <= 0 {
		return nil, engine.Reject(engine.ReasonZeroPoints, "%s bucket %q is worth nothing", c.name, key)
	}
	return &engine.Classification{BasePoints: points, Beneficiaries: allies}, nil
}
