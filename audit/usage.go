package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// UsageRecorder writes usage reports and audit events to Postgres.
type UsageRecorder struct {
	db *sql.DB
}

// NewUsageRecorder creates a recorder over an open database.
func NewUsageRecorder(db *sql.DB) *UsageRecorder {
	return &UsageRecorder{db: db}
}

// WriteUsage implements UsageSink.
func (r *UsageRecorder) WriteUsage(ctx context.Context, u Usage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_events (
			user_id, project_id, event_type, stage, llm_model, total_tokens, estimated
		) VALUES ($1, $2, 'llm_tokens', $3, $4, $5, $6)
	`, u.UserID, nullString(u.ProjectID), nullString(u.Stage), nullString(u.Model),
		u.Tokens, u.Estimated)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Write implements Sink by appending to audit_logs.
func (r *UsageRecorder) Write(ctx context.Context, e Event) error {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (event_id, action, user_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.Action, nullString(e.UserID), metadata, e.Timestamp)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// nullString converts an empty string to NULL for database insertion.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}
