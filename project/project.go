// Package project tracks the status of the projects runs build.
package project

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a project does not exist.
var ErrNotFound = errors.New("project not found")

// Status is a project's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBuilding  Status = "building"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// IsTerminal reports whether no run will change the status again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeleted
}

// Project is the persisted view of one project.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists project status.
type Store interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	MarkBuilding(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, message string) error
}

func validate(p *Project) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("project id is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("project %s: user id is required", p.ID)
	}
	return nil
}
