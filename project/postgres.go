package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps projects in the projects table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, p *Project) error {
	if err := validate(p); err != nil {
		return err
	}
	status := p.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, prompt, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, p.ID, p.UserID, p.Prompt, string(status))
	if err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Project, error) {
	var (
		p      Project
		status string
		errMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, prompt, status, error_message, created_at, updated_at
		FROM projects WHERE id = $1
	`, id).Scan(&p.ID, &p.UserID, &p.Prompt, &status, &errMsg, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	p.Status = Status(status)
	p.Error = errMsg.String
	return &p, nil
}

// MarkBuilding implements Store.
func (s *PostgresStore) MarkBuilding(ctx context.Context, id string) error {
	return s.set(ctx, id, StatusBuilding, nil)
}

// MarkCompleted implements Store.
func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	return s.set(ctx, id, StatusCompleted, nil)
}

// MarkFailed implements Store.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, message string) error {
	return s.set(ctx, id, StatusFailed, &message)
}

func (s *PostgresStore) set(ctx context.Context, id string, status Status, message *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), message)
	if err != nil {
		return fmt.Errorf("update project %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
