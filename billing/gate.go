// Package billing gates runs on the user's credit balance.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/buildforge/metrics"
	"github.com/google/uuid"
)

// DefaultCost is the number of credits reserved per run.
const DefaultCost = 10

// ErrInsufficientCredits is returned when the balance does not cover a reservation.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger holds credit balances. Debit must never take a balance below zero.
type Ledger interface {
	// Debit removes amount from the user's balance or returns ErrInsufficientCredits
	// without changing it.
	Debit(ctx context.Context, userID string, amount int, reason string) (balance int, err error)

	// Credit adds amount to the user's balance.
	Credit(ctx context.Context, userID string, amount int, reason string) (balance int, err error)

	// Balance returns the user's current balance.
	Balance(ctx context.Context, userID string) (int, error)
}

// Reservation is the credit held for one run.
type Reservation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// IsZero reports whether r holds nothing.
func (r Reservation) IsZero() bool {
	return r.ID == "" || r.Amount <= 0
}

// Auditor receives credit events.
type Auditor interface {
	Record(ctx context.Context, action, userID string, metadata map[string]any)
}

// Gate reserves the run cost before a run starts and refunds it when a run fails.
type Gate struct {
	ledger  Ledger
	cost    int
	auditor Auditor
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	refunded map[string]bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithCost overrides DefaultCost.
func WithCost(cost int) GateOption {
	return func(g *Gate) {
		if cost > 0 {
			g.cost = cost
		}
	}
}

// WithAuditor records reservations and refunds.
func WithAuditor(a Auditor) GateOption {
	return func(g *Gate) {
		g.auditor = a
	}
}

// WithMetrics counts gate operations.
func WithMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a gate over a ledger.
func NewGate(ledger Ledger, opts ...GateOption) *Gate {
	g := &Gate{
		ledger:   ledger,
		cost:     DefaultCost,
		logger:   slog.Default(),
		refunded: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Cost returns the reservation amount.
func (g *Gate) Cost() int {
	return g.cost
}

// Balance returns the user's balance from the ledger.
func (g *Gate) Balance(ctx context.Context, userID string) (int, error) {
	return g.ledger.Balance(ctx, userID)
}

// Reserve debits the run cost. ErrInsufficientCredits means nothing was debited.
func (g *Gate) Reserve(ctx context.Context, userID, reason string) (Reservation, error) {
	if userID == "" {
		return Reservation{}, fmt.Errorf("user id is required")
	}

	balance, err := g.ledger.Debit(ctx, userID, g.cost, reason)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			g.metrics.IncCredit("reserve", "insufficient")
			g.logger.Info("Credit reservation rejected", "user_id", userID, "cost", g.cost)
			return Reservation{}, err
		}
		g.metrics.IncCredit("reserve", "error")
		return Reservation{}, fmt.Errorf("reserve credits: %w", err)
	}

	r := Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    g.cost,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	g.metrics.IncCredit("reserve", "ok")
	g.logger.Debug("Credits reserved", "user_id", userID, "amount", g.cost, "balance", balance)
	if g.auditor != nil {
		g.auditor.Record(ctx, "credits_reserved", userID, map[string]any{
			"reservation_id": r.ID,
			"amount":         r.Amount,
			"reason":         reason,
			"balance":        balance,
		})
	}
	return r, nil
}

// Refund returns a reservation's credits. A zero reservation is a no-op, and a
// reservation is refunded at most once per gate.
func (g *Gate) Refund(ctx context.Context, r Reservation, reason string) error {
	if r.IsZero() {
		return nil
	}

	g.mu.Lock()
	if g.refunded[r.ID] {
		g.mu.Unlock()
		return nil
	}
	g.refunded[r.ID] = true
	g.mu.Unlock()

	balance, err := g.ledger.Credit(ctx, r.UserID, r.Amount, reason)
	if err != nil {
		g.mu.Lock()
		delete(g.refunded, r.ID)
		g.mu.Unlock()
		g.metrics.IncCredit("refund", "error")
		return fmt.Errorf("refund credits: %w", err)
	}

	g.metrics.IncCredit("refund", "ok")
	g.logger.Info("Credits refunded", "user_id", r.UserID, "amount", r.Amount, "balance", balance)
	if g.auditor != nil {
		g.auditor.Record(ctx, "credits_refunded", r.UserID, map[string]any{
			"reservation_id": r.ID,
			"amount":         r.Amount,
			"reason":         reason,
			"balance":        balance,
		})
	}
	return nil
}
