// Package ledger holds reward ledger implementations. A ledger accepts signed per-user
// point deltas; callers are responsible for not repeating a delta.
package ledger

import (
	"context"
	"sync"
)

type Ledger interface {
	Credit(ctx context.Context, category, userID string, amount int64) error
	Balance(ctx context.Context, category, userID string) (int64, error)
}

// MemLedger keeps balances in process memory. Mostly for tests and one-off runs.
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]int64
	calls    int
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	return &MemLedger{balances: make(map[string]map[string]int64)}
}

func (l *MemLedger) Credit(ctx context.Context, category, userID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.balances[category]
	if !ok {
		m = make(map[string]int64)
		l.balances[category] = m
	}
	m[userID] += amount
	l.calls++
	return nil
}

func (l *MemLedger) Balance(ctx context.Context, category, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[category][userID], nil
}

// Calls is the number of Credit calls received, including debits.
func (l *MemLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
