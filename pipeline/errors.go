package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/c360studio/buildforge/audit"
	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/notify"
)

// ErrToolLoopLimit is recorded when a stage keeps requesting tools past the limit.
var ErrToolLoopLimit = errors.New("tool loop limit exceeded")

// FailureMessage is the assistant message the error handler appends.
const FailureMessage = "Build failed due to errors"

// Refunder returns reserved credits. *billing.Gate satisfies it.
type Refunder interface {
	Refund(ctx context.Context, r billing.Reservation, reason string) error
}

// ProjectStore receives the run outcome. project.Store satisfies it.
type ProjectStore interface {
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, message string) error
}

// ErrorHandler runs the failure path: refund, mark failed, notify, audit.
// Collaborator errors are logged and never returned.
type ErrorHandler struct {
	refunder Refunder
	projects ProjectStore
	notifier notify.Notifier
	auditor  Auditor
	logger   *slog.Logger
}

// NewErrorHandler creates a handler. Every collaborator may be nil.
func NewErrorHandler(refunder Refunder, projects ProjectStore, notifier notify.Notifier, auditor Auditor, logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		refunder: refunder,
		projects: projects,
		notifier: notifier,
		auditor:  auditor,
		logger:   logger,
	}
}

// Handle refunds the original reservation and reports the failure. It returns the
// final assistant message to append.
func (h *ErrorHandler) Handle(ctx context.Context, st *State) llm.Message {
	// The run is over; collaborators still get to finish if the caller went away.
	ctx = context.WithoutCancel(ctx)
	text := st.ErrorText()

	h.logger.Error("Project failed", "project_id", st.ProjectID, "errors", text)

	if h.refunder != nil {
		if err := h.refunder.Refund(ctx, st.Reservation, "Project build failed"); err != nil {
			h.logger.Error("Refund failed", "project_id", st.ProjectID, "error", err)
		}
	}

	if h.projects != nil {
		if err := h.projects.MarkFailed(ctx, st.ProjectID, text); err != nil {
			h.logger.Error("Failed to mark project failed", "project_id", st.ProjectID, "error", err)
		}
	}

	if h.notifier != nil {
		if err := h.notifier.NotifyFailure(ctx, st.ProjectID, st.UserID, text); err != nil {
			h.logger.Warn("Failure notification failed", "project_id", st.ProjectID, "error", err)
		}
	}

	if h.auditor != nil {
		h.auditor.Record(ctx, audit.ActionProjectFailed, st.UserID, map[string]any{
			"project_id":     st.ProjectID,
			"errors":         text,
			"tokens":         st.TotalTokensUsed,
			"reservation_id": st.Reservation.ID,
			"refund_amount":  st.Reservation.Amount,
		})
	}

	return llm.Message{Role: llm.RoleAssistant, Content: FailureMessage}
}
