package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/util"

	"golang.org/x/time/rate"
)

const (
	FormatSlack   = "slack"
	FormatDiscord = "discord"
)

// Chat webhooks are rate limited per URL (Discord allows about 30 per minute).
var DefaultWebhookRate = rate.Every(2 * time.Second)

const DefaultWebhookBurst = 5

type slackWebhookBody struct {
	Text string `json:"text"`
}

type discordWebhookBody struct {
	Content string `json:"content"`
}

// WebhookNotifier posts audit messages to a chat "incoming webhook" (Slack or Discord).
//
// The webhook must already be configured on the chat side.
type WebhookNotifier struct {
	URL    string
	Format string
	Client *http.Client
	// optional; Notify waits for a token before posting
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

var _ engine.Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(url, format string, logger *slog.Logger) (*WebhookNotifier, error) {
	switch format {
	case FormatSlack, FormatDiscord:
	default:
		return nil, fmt.Errorf("unsupported webhook format: %q", format)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		URL:     url,
		Format:  format,
		Client:  util.RobustHTTPClient(logger),
		Limiter: rate.NewLimiter(DefaultWebhookRate, DefaultWebhookBurst),
		Logger:  logger,
	}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, evt *engine.AuditEvent) error {
	msg := Format(evt)
	var payload any
	if n.Format == FormatDiscord {
		payload = discordWebhookBody{Content: msg}
	} else {
		payload = slackWebhookBody{Text: msg}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	if n.Limiter != nil {
		if err := n.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for webhook rate limit: %w", err)
		}
	}
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	if n.Logger != nil {
		n.Logger.Debug("sending webhook notification", "format", n.Format, "submission", evt.SubmissionID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed %s webhook POST request. status=%d", n.Format, resp.StatusCode)
	}
	return nil
}
