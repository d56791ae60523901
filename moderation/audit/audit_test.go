package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/moderation/submission"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func approvedEvent() *engine.AuditEvent {
	return &engine.AuditEvent{
		Kind:          engine.AuditApproved,
		Category:      "attack",
		SubmissionID:  "m1",
		ReviewerID:    "r1",
		Status:        submission.StatusApproved,
		Multiplier:    decimal.NewFromInt(2),
		Points:        150,
		Beneficiaries: []string{"u1", "u2"},
		GuildID:       "g1",
		ChannelID:     "c1",
		ChannelName:   "attack-vs3",
		At:            time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFormat(t *testing.T) {
	assert := assert.New(t)

	evt := approvedEvent()
	msg := Format(evt)
	assert.Contains(msg, "✅ **Attack** approved by <@r1>.")
	assert.Contains(msg, "https://discord.com/channels/g1/c1/m1")
	assert.Contains(msg, "**`150`** points (x2) to: <@u1>, <@u2>.")

	evt.Kind = engine.AuditDecisionChanged
	evt.Status = submission.StatusDenied
	evt.Points = 0
	evt.Multiplier = decimal.Zero
	msg = Format(evt)
	assert.Contains(msg, "Decision changed to **DENIED**")
	assert.NotContains(msg, "Awarded")

	evt.GuildID = ""
	assert.NotContains(Format(evt), "Go to submission")

	evt = approvedEvent()
	evt.Kind = engine.AuditMultiplierChanged
	evt.PrevMultiplier = decimal.RequireFromString("0.5")
	assert.Contains(Format(evt), "from x0.5 to **x2**")
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
	err   error
}

func (n *countingNotifier) Notify(ctx context.Context, evt *engine.AuditEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return n.err
}

func TestMulti(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	good := &countingNotifier{}
	bad := &countingNotifier{err: errors.New("boom")}
	m := Multi{bad, good, &LogNotifier{}}

	err := m.Notify(ctx, approvedEvent())
	assert.ErrorContains(err, "boom")
	assert.Equal(1, good.count)
	assert.Equal(1, bad.count)

	assert.NoError(Multi{good}.Notify(ctx, approvedEvent()))
}

func TestSQLLog(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	l, err := NewSQLLog(db)
	require.NoError(t, err)

	assert.NoError(l.Notify(ctx, approvedEvent()))
	evt := approvedEvent()
	evt.Kind = engine.AuditDecisionChanged
	evt.Status = submission.StatusDenied
	evt.Multiplier = decimal.Zero
	evt.PrevMultiplier = decimal.NewFromInt(2)
	assert.NoError(l.Notify(ctx, evt))

	hist, err := l.History(ctx, "attack", "m1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(engine.AuditApproved, hist[0].Kind)
	assert.True(decimal.NewFromInt(2).Equal(hist[0].Multiplier))
	assert.Equal([]string{"u1", "u2"}, hist[0].Beneficiaries)
	assert.Equal(engine.AuditDecisionChanged, hist[1].Kind)
	assert.True(decimal.NewFromInt(2).Equal(hist[1].PrevMultiplier))

	hist, err = l.History(ctx, "defense", "m1")
	assert.NoError(err)
	assert.Empty(hist)
}

func TestWebhookNotifier(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var mu sync.Mutex
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	discord, err := NewWebhookNotifier(srv.URL+"/discord", FormatDiscord, nil)
	require.NoError(t, err)
	assert.NoError(discord.Notify(ctx, approvedEvent()))

	slack, err := NewWebhookNotifier(srv.URL+"/slack", FormatSlack, nil)
	require.NoError(t, err)
	assert.NoError(slack.Notify(ctx, approvedEvent()))

	// 4xx is not retried
	broken, err := NewWebhookNotifier(srv.URL+"/broken", FormatSlack, nil)
	require.NoError(t, err)
	assert.Error(broken.Notify(ctx, approvedEvent()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 3)
	assert.Contains(bodies[0]["content"], "approved by <@r1>")
	assert.Contains(bodies[1]["text"], "approved by <@r1>")

	_, err = NewWebhookNotifier(srv.URL, "irc", nil)
	assert.Error(err)
}

func TestWebhookRateLimit(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL, FormatDiscord, nil)
	require.NoError(t, err)
	n.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	assert.NoError(n.Notify(context.Background(), approvedEvent()))

	// the next token is an hour away, past the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(n.Notify(ctx, approvedEvent()))
}
