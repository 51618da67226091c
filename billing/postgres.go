package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresLedger keeps balances in users.credits and appends every movement to
// credit_transactions.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger over an open database.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Debit implements Ledger. The conditional UPDATE is the balance check, so
// concurrent debits cannot overdraw.
func (l *PostgresLedger) Debit(ctx context.Context, userID string, amount int, reason string) (balance int, err error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid amount %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `
		UPDATE users SET credits = credits - $2
		WHERE id = $1 AND credits >= $2
		RETURNING credits
	`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrInsufficientCredits
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}

	if err = insertTransaction(ctx, tx, userID, -amount, reason); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return balance, nil
}

// Credit implements Ledger.
func (l *PostgresLedger) Credit(ctx context.Context, userID string, amount int, reason string) (balance int, err error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid amount %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `
		UPDATE users SET credits = credits + $2
		WHERE id = $1
		RETURNING credits
	`, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("credit user %s: user not found", userID)
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("credit credits: %w", err)
	}

	if err = insertTransaction(ctx, tx, userID, amount, reason); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

// Balance implements Ledger.
func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := l.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, userID string, amount int, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (user_id, amount, reason, created_at)
		VALUES ($1, $2, $3, NOW())
	`, userID, amount, reason)
	if err != nil {
		return fmt.Errorf("record credit transaction: %w", err)
	}
	return nil
}
