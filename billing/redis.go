package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// debitScript decrements the balance only when it covers the amount.
// Returns the new balance, or -1 when the balance is insufficient.
var debitScript = redis.NewScript(`
local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if balance < amount then
	return -1
end
return redis.call("DECRBY", KEYS[1], amount)
`)

// RedisLedger keeps balances under credits:<user_id> and a capped movement log
// under credits:<user_id>:log.
type RedisLedger struct {
	client  *redis.Client
	prefix  string
	logSize int64
}

// NewRedisLedger creates a ledger over a connected client.
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, prefix: "credits:", logSize: 100}
}

func (l *RedisLedger) key(userID string) string {
	return l.prefix + userID
}

// Debit implements Ledger.
func (l *RedisLedger) Debit(ctx context.Context, userID string, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid amount %d", amount)
	}

	balance, err := debitScript.Run(ctx, l.client, []string{l.key(userID)}, amount).Int()
	if err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	if balance < 0 {
		return 0, ErrInsufficientCredits
	}
	l.appendLog(ctx, userID, -amount, reason)
	return balance, nil
}

// Credit implements Ledger.
func (l *RedisLedger) Credit(ctx context.Context, userID string, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid amount %d", amount)
	}

	balance, err := l.client.IncrBy(ctx, l.key(userID), int64(amount)).Result()
	if err != nil {
		return 0, fmt.Errorf("credit credits: %w", err)
	}
	l.appendLog(ctx, userID, amount, reason)
	return int(balance), nil
}

// Balance implements Ledger.
func (l *RedisLedger) Balance(ctx context.Context, userID string) (int, error) {
	balance, err := l.client.Get(ctx, l.key(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// SetBalance overwrites a balance. Used to seed development data.
func (l *RedisLedger) SetBalance(ctx context.Context, userID string, balance int) error {
	return l.client.Set(ctx, l.key(userID), balance, 0).Err()
}

func (l *RedisLedger) appendLog(ctx context.Context, userID string, amount int, reason string) {
	entry := fmt.Sprintf("%d|%d|%s", time.Now().Unix(), amount, reason)
	pipe := l.client.Pipeline()
	pipe.LPush(ctx, l.key(userID)+":log", entry)
	pipe.LTrim(ctx, l.key(userID)+":log", 0, l.logSize-1)
	// The log is informational; the balance is already committed.
	_, _ = pipe.Exec(ctx)
}
