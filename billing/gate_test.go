package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/c360studio/buildforge/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	action string
	userID string
	meta   map[string]any
}

type memAuditor struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (a *memAuditor) Record(_ context.Context, action, userID string, meta map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, recordedEvent{action, userID, meta})
}

func TestGate_ReserveAndRefund(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(map[string]int{"u1": 25})
	auditor := &memAuditor{}
	g := NewGate(ledger, WithAuditor(auditor))

	r, err := g.Reserve(ctx, "u1", "project p1")
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, r.Amount)
	assert.NotEmpty(t, r.ID)

	balance, _ := ledger.Balance(ctx, "u1")
	assert.Equal(t, 15, balance)

	require.NoError(t, g.Refund(ctx, r, "run failed"))
	balance, _ = ledger.Balance(ctx, "u1")
	assert.Equal(t, 25, balance)

	// A second refund of the same reservation does nothing.
	require.NoError(t, g.Refund(ctx, r, "run failed"))
	balance, err = g.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 25, balance)

	require.Len(t, auditor.events, 2)
	assert.Equal(t, "credits_reserved", auditor.events[0].action)
	assert.Equal(t, "credits_refunded", auditor.events[1].action)
}

func TestGate_InsufficientCredits(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	ledger := NewMemoryLedger(map[string]int{"u1": 9})
	g := NewGate(ledger, WithMetrics(m))

	_, err := g.Reserve(ctx, "u1", "project p1")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	balance, _ := ledger.Balance(ctx, "u1")
	assert.Equal(t, 9, balance)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CreditOperations.WithLabelValues("reserve", "insufficient")))
}

func TestGate_CustomCost(t *testing.T) {
	ledger := NewMemoryLedger(map[string]int{"u1": 3})
	g := NewGate(ledger, WithCost(3))
	assert.Equal(t, 3, g.Cost())

	_, err := g.Reserve(context.Background(), "u1", "x")
	require.NoError(t, err)
	_, err = g.Reserve(context.Background(), "u1", "x")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestGate_ZeroReservationRefundIsNoop(t *testing.T) {
	g := NewGate(NewMemoryLedger(nil))
	assert.NoError(t, g.Refund(context.Background(), Reservation{}, "nothing"))
}

func TestGate_RequiresUser(t *testing.T) {
	_, err := NewGate(NewMemoryLedger(nil)).Reserve(context.Background(), "", "x")
	assert.Error(t, err)
}

type flakyLedger struct {
	*MemoryLedger
	failCredit atomic.Bool
}

func (l *flakyLedger) Credit(ctx context.Context, userID string, amount int, reason string) (int, error) {
	if l.failCredit.Load() {
		return 0, errors.New("ledger offline")
	}
	return l.MemoryLedger.Credit(ctx, userID, amount, reason)
}

func TestGate_FailedRefundCanBeRetried(t *testing.T) {
	ctx := context.Background()
	ledger := &flakyLedger{MemoryLedger: NewMemoryLedger(map[string]int{"u1": 10})}
	g := NewGate(ledger)

	r, err := g.Reserve(ctx, "u1", "x")
	require.NoError(t, err)

	ledger.failCredit.Store(true)
	assert.ErrorContains(t, g.Refund(ctx, r, "failed"), "ledger offline")

	ledger.failCredit.Store(false)
	require.NoError(t, g.Refund(ctx, r, "failed"))
	balance, _ := ledger.Balance(ctx, "u1")
	assert.Equal(t, 10, balance)
}

func TestMemoryLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(map[string]int{"u1": 50})

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Debit(ctx, "u1", 10, "x"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	balance, _ := ledger.Balance(ctx, "u1")
	assert.Equal(t, 0, balance)
}
