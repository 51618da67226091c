package billing

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger keeps balances in a map.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
}

// NewMemoryLedger returns a ledger seeded with balances.
func NewMemoryLedger(balances map[string]int) *MemoryLedger {
	l := &MemoryLedger{balances: make(map[string]int, len(balances))}
	for k, v := range balances {
		l.balances[k] = v
	}
	return l
}

// Debit implements Ledger.
func (l *MemoryLedger) Debit(_ context.Context, userID string, amount int, _ string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid amount %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < amount {
		return l.balances[userID], ErrInsufficientCredits
	}
	l.balances[userID] -= amount
	return l.balances[userID], nil
}

// Credit implements Ledger.
func (l *MemoryLedger) Credit(_ context.Context, userID string, amount int, _ string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid amount %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	return l.balances[userID], nil
}

// Balance implements Ledger.
func (l *MemoryLedger) Balance(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}
