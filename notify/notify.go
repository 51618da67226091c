// Package notify tells users how their project run ended.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/buildforge/bus"
	"github.com/c360studio/buildforge/dispatch"
)

// Alert statuses.
const (
	StatusInsufficientCredits = "insufficient_credits"
	StatusHighUsage           = "high_usage"
)

// Notification is the payload sent for a finished run.
type Notification struct {
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Tokens    int       `json:"tokens_used,omitempty"`
	Remaining *int      `json:"remaining_credits,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Notifier delivers run outcome notifications.
type Notifier interface {
	NotifySuccess(ctx context.Context, projectID, userID string, tokens int) error
	NotifyFailure(ctx context.Context, projectID, userID, message string) error
}

// Alerter delivers account alerts raised outside a run outcome.
type Alerter interface {
	NotifyInsufficientCredits(ctx context.Context, projectID, userID string, remaining int) error
	NotifyHighUsage(ctx context.Context, projectID, userID string, tokens int) error
}

// Delivery is a Notifier that also delivers alerts.
type Delivery interface {
	Notifier
	Alerter
}

// NATSNotifier publishes notifications under buildforge.notify for a delivery
// service to pick up.
type NATSNotifier struct {
	publisher bus.Publisher
	now       func() time.Time
}

// NewNATSNotifier returns a notifier over p.
func NewNATSNotifier(p bus.Publisher) *NATSNotifier {
	return &NATSNotifier{publisher: p, now: time.Now}
}

// NotifySuccess implements Notifier.
func (n *NATSNotifier) NotifySuccess(ctx context.Context, projectID, userID string, tokens int) error {
	return bus.PublishJSON(ctx, n.publisher, bus.NotifyPrefix+".success", Notification{
		ProjectID: projectID,
		UserID:    userID,
		Status:    "completed",
		Tokens:    tokens,
		SentAt:    n.now().UTC(),
	})
}

// NotifyFailure implements Notifier.
func (n *NATSNotifier) NotifyFailure(ctx context.Context, projectID, userID, message string) error {
	return bus.PublishJSON(ctx, n.publisher, bus.NotifyPrefix+".failure", Notification{
		ProjectID: projectID,
		UserID:    userID,
		Status:    "failed",
		Error:     message,
		SentAt:    n.now().UTC(),
	})
}

// NotifyInsufficientCredits implements Alerter.
func (n *NATSNotifier) NotifyInsufficientCredits(ctx context.Context, projectID, userID string, remaining int) error {
	return bus.PublishJSON(ctx, n.publisher, bus.NotifyPrefix+".credits", Notification{
		ProjectID: projectID,
		UserID:    userID,
		Status:    StatusInsufficientCredits,
		Remaining: &remaining,
		SentAt:    n.now().UTC(),
	})
}

// NotifyHighUsage implements Alerter.
func (n *NATSNotifier) NotifyHighUsage(ctx context.Context, projectID, userID string, tokens int) error {
	return bus.PublishJSON(ctx, n.publisher, bus.NotifyPrefix+".usage", Notification{
		ProjectID: projectID,
		UserID:    userID,
		Status:    StatusHighUsage,
		Tokens:    tokens,
		SentAt:    n.now().UTC(),
	})
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier over logger. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifySuccess implements Notifier.
func (n *LogNotifier) NotifySuccess(_ context.Context, projectID, userID string, tokens int) error {
	n.logger.Info("Project completed", "project_id", projectID, "user_id", userID, "tokens", tokens)
	return nil
}

// NotifyFailure implements Notifier.
func (n *LogNotifier) NotifyFailure(_ context.Context, projectID, userID, message string) error {
	n.logger.Warn("Project failed", "project_id", projectID, "user_id", userID, "error", message)
	return nil
}

// NotifyInsufficientCredits implements Alerter.
func (n *LogNotifier) NotifyInsufficientCredits(_ context.Context, projectID, userID string, remaining int) error {
	n.logger.Warn("Insufficient credits", "project_id", projectID, "user_id", userID, "remaining", remaining)
	return nil
}

// NotifyHighUsage implements Alerter.
func (n *LogNotifier) NotifyHighUsage(_ context.Context, projectID, userID string, tokens int) error {
	n.logger.Warn("High token usage", "project_id", projectID, "user_id", userID, "tokens", tokens)
	return nil
}

// Async delivers through inner on a dispatch queue. Its methods always return nil;
// delivery errors are logged by the queue.
type Async struct {
	inner Delivery
	queue *dispatch.Queue
}

// NewAsync wraps inner.
func NewAsync(inner Delivery, q *dispatch.Queue) *Async {
	return &Async{inner: inner, queue: q}
}

// NotifySuccess implements Notifier.
func (a *Async) NotifySuccess(_ context.Context, projectID, userID string, tokens int) error {
	a.queue.Go("notify:success", func(ctx context.Context) error {
		return a.inner.NotifySuccess(ctx, projectID, userID, tokens)
	})
	return nil
}

// NotifyFailure implements Notifier.
func (a *Async) NotifyFailure(_ context.Context, projectID, userID, message string) error {
	a.queue.Go("notify:failure", func(ctx context.Context) error {
		return a.inner.NotifyFailure(ctx, projectID, userID, message)
	})
	return nil
}

// NotifyInsufficientCredits implements Alerter.
func (a *Async) NotifyInsufficientCredits(_ context.Context, projectID, userID string, remaining int) error {
	a.queue.Go("notify:credits", func(ctx context.Context) error {
		return a.inner.NotifyInsufficientCredits(ctx, projectID, userID, remaining)
	})
	return nil
}

// NotifyHighUsage implements Alerter.
func (a *Async) NotifyHighUsage(_ context.Context, projectID, userID string, tokens int) error {
	a.queue.Go("notify:usage", func(ctx context.Context) error {
		return a.inner.NotifyHighUsage(ctx, projectID, userID, tokens)
	})
	return nil
}
