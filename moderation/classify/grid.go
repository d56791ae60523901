package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kompany/tally/moderation/engine"
)

// PointGrid is indexed by [allies-1][enemies].
type PointGrid [MaxAllies][6]int64

var AttackPoints = PointGrid{
	{2, 60, 75, 90, 105, 120},
	{2, 45, 60, 75, 90, 105},
	{2, 30, 45, 60, 75, 90},
	{2, 15, 30, 45, 60, 75},
	{2, 7, 15, 30, 45, 120},
}

var DefensePoints = PointGrid{
	{0, 120, 150, 180, 210, 240},
	{0, 90, 120, 150, 180, 210},
	{0, 60, 90, 120, 150, 180},
	{0, 15, 60, 90, 120, 150},
	{0, 5, 15, 60, 90, 120},
}

var enemiesRegex = regexp.MustCompile(`vs(\d+)`)

// GridClassifier scores fights by the number of allies mentioned and the number of enemies
// named in the channel ("attack-vs3"). Channels without a count ("no-def") mean no enemies.
type GridClassifier struct {
	name   string
	prefix string
	grid   PointGrid
}

var _ Classifier = (*GridClassifier)(nil)

func NewAttack() *GridClassifier {
	return &GridClassifier{name: "attack", prefix: "attack-", grid: AttackPoints}
}

func NewDefense() *GridClassifier {
	return &GridClassifier{name: "defense", prefix: "defenses-", grid: DefensePoints}
}

func (c *GridClassifier) Category() string {
	return c.name
}

func (c *GridClassifier) Weighting() engine.Weighting {
	return FullShare
}

func (c *GridClassifier) Relevant(ev *engine.Evidence) bool {
	return strings.HasPrefix(channelName(ev), c.prefix)
}

func (c *GridClassifier) Classify(ev *engine.Evidence) (*engine.Classification, error) {
	if !c.Relevant(ev) {
		return nil, engine.Reject(engine.ReasonBadContext, "channel %q is not a %s channel", ev.ChannelName, c.name)
	}
	allies, err := checkEvidence(ev)
	if err != nil {
		return nil, err
	}
	if len(allies) > MaxAllies {
		return nil, engine.Reject(engine.ReasonTooManyBeneficiaries, "%d allies mentioned", len(allies))
	}
	enemies := 0
	if m := enemiesRegex.FindStringSubmatch(channelName(ev)); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, engine.Reject(engine.ReasonBadContext, "bad enemy count in %q", ev.ChannelName)
		}
		enemies = n
	}
	if enemies > len(c.grid[0])-1 {
		return nil, engine.Reject(engine.ReasonBadContext, "%d enemies is out of range", enemies)
	}
	points := c.grid[len(allies)-1][enemies]
	if points <= 0 {
		return nil, engine.Reject(engine.ReasonZeroPoints, "%d allies vs %d enemies is worth nothing", len(allies), enemies)
	}
	return &engine.Classification{BasePoints: points, Beneficiaries: allies}, nil
}
