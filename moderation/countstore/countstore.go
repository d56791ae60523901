// Package countstore tracks how many judgements each reviewer has made, per category, over
// rolling total/day/hour buckets.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

// retention of each bucket; zero never expires
var periodTTL = []struct {
	period string
	ttl    time.Duration
}{
	{PeriodTotal, 0},
	{PeriodDay, 48 * time.Hour},
	{PeriodHour, 2 * time.Hour},
}

type CountStore interface {
	GetCount(ctx context.Context, category, reviewer, period string) (int, error)
	Increment(ctx context.Context, category, reviewer string) error
}

func periodBucket(category, reviewer, period string, now time.Time) string {
	now = now.UTC()
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", category, reviewer)
	case PeriodDay:
		return fmt.Sprintf("%s/%s/%s", category, reviewer, now.Format(time.DateOnly))
	case PeriodHour:
		return fmt.Sprintf("%s/%s/%s", category, reviewer, now.Format(time.RFC3339)[0:13])
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", category, reviewer)
	}
}
