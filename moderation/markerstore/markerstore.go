// Package markerstore records durable markers the engine places on evidence, such as the
// pending marker that makes re-delivered evidence a no-op.
package markerstore

import (
	"context"
)

const (
	MarkerPending    = "pending"
	MarkerZeroPoints = "zero-points"
)

type MarkerStore interface {
	Get(ctx context.Context, key string) ([]string, error)
	Has(ctx context.Context, key, marker string) (bool, error)
	Add(ctx context.Context, key string, markers ...string) error
	Remove(ctx context.Context, key string, markers ...string) error
}

func dedupeStrings(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}
