// Package util holds small helpers shared by the daemon's outbound integrations.
package util

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// retryLogger adapts slog to retryablehttp. Individual request failures are expected
// while retrying, so they are demoted to WARN, and retry notices are promoted to INFO.
type retryLogger struct {
	inner *slog.Logger
}

var _ retryablehttp.LeveledLogger = retryLogger{}

func (l retryLogger) Error(msg string, kv ...any) { l.inner.Warn(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...any) { l.inner.Info(msg, kv...) }

// RetryPolicy controls how hard RobustHTTPClient tries before giving up.
type RetryPolicy struct {
	Attempts int
	WaitMin  time.Duration
	WaitMax  time.Duration
	Timeout  time.Duration
}

// DefaultRetryPolicy suits audit webhooks: a few attempts, then the caller logs the failure.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	WaitMin:  time.Second,
	WaitMax:  10 * time.Second,
	Timeout:  20 * time.Second,
}

// RobustHTTPClient returns a stdlib *http.Client which retries connection errors, 5xx
// responses (except 501) and 429s, honoring Retry-After. Requests are traced.
//
// Only use it for requests that are safe to repeat.
func RobustHTTPClient(logger *slog.Logger) *http.Client {
	return RetryingHTTPClient(logger, DefaultRetryPolicy)
}

func RetryingHTTPClient(logger *slog.Logger, policy RetryPolicy) *http.Client {
	if logger == nil {
		logger = slog.Default()
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	rc.RetryMax = policy.Attempts
	rc.RetryWaitMin = policy.WaitMin
	rc.RetryWaitMax = policy.WaitMax
	rc.Logger = retryLogger{logger.With("component", "http")}
	client := rc.StandardClient()
	client.Timeout = policy.Timeout
	return client
}
