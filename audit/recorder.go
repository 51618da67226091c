// Package audit records domain events and token usage. Events are written to every
// configured sink on the dispatch queue, so callers never wait on a sink.
package audit

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/c360studio/buildforge/dispatch"
	"github.com/google/uuid"
)

// HighUsageThreshold is the per-report token count above which a warning is logged
// and the user is alerted.
const HighUsageThreshold = 100_000

// Actions emitted by the engine.
const (
	ActionModelRouted      = "model_routed"
	ActionUsageReported    = "usage_reported"
	ActionProjectCompleted = "project_completed"
	ActionProjectFailed    = "project_failed"
	ActionCreditsReserved  = "credits_reserved"
	ActionCreditsRefunded  = "credits_refunded"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"event_id"`
	Action    string         `json:"action"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink persists or forwards audit events.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Usage is one token consumption report.
type Usage struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Model     string `json:"model,omitempty"`
	Tokens    int    `json:"tokens"`

	// Estimated is set when some of the tokens came from the length estimate
	// rather than provider-reported usage.
	Estimated bool `json:"estimated"`
}

// UsageSink persists usage reports.
type UsageSink interface {
	WriteUsage(ctx context.Context, usage Usage) error
}

// UsageAlerter is told about reports above HighUsageThreshold.
// *notify.NATSNotifier satisfies it.
type UsageAlerter interface {
	NotifyHighUsage(ctx context.Context, projectID, userID string, tokens int) error
}

// Recorder fans events and usage reports out to sinks.
type Recorder struct {
	sinks      []Sink
	usageSinks []UsageSink
	alerter    UsageAlerter
	queue      *dispatch.Queue
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink adds an event sink.
func WithSink(s Sink) Option {
	return func(r *Recorder) {
		r.sinks = append(r.sinks, s)
	}
}

// WithUsageSink adds a usage sink.
func WithUsageSink(s UsageSink) Option {
	return func(r *Recorder) {
		r.usageSinks = append(r.usageSinks, s)
	}
}

// WithAlerter sets who is alerted about high usage.
func WithAlerter(a UsageAlerter) Option {
	return func(r *Recorder) {
		r.alerter = a
	}
}

// WithQueue runs sink writes on q. Without a queue, writes happen inline.
func WithQueue(q *dispatch.Queue) Option {
	return func(r *Recorder) {
		r.queue = q
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// NewRecorder creates a recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record emits an audit event. It never blocks on a sink and never fails.
func (r *Recorder) Record(ctx context.Context, action, userID string, metadata map[string]any) {
	if r == nil {
		return
	}
	event := Event{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		Metadata:  maps.Clone(metadata),
		Timestamp: r.now().UTC(),
	}

	for _, sink := range r.sinks {
		r.dispatch(ctx, "audit:"+action, func(ctx context.Context) error {
			return sink.Write(ctx, event)
		})
	}
}

// ReportUsage meters token consumption. Reports of zero tokens are skipped.
func (r *Recorder) ReportUsage(ctx context.Context, usage Usage) {
	if r == nil || usage.Tokens <= 0 {
		return
	}

	if usage.Tokens > HighUsageThreshold {
		r.logger.Warn("High token usage",
			"user_id", usage.UserID,
			"project_id", usage.ProjectID,
			"tokens", usage.Tokens)
		if r.alerter != nil {
			r.dispatch(ctx, "alert:high_usage", func(ctx context.Context) error {
				return r.alerter.NotifyHighUsage(ctx, usage.ProjectID, usage.UserID, usage.Tokens)
			})
		}
	}

	for _, sink := range r.usageSinks {
		r.dispatch(ctx, "usage", func(ctx context.Context) error {
			return sink.WriteUsage(ctx, usage)
		})
	}

	r.Record(ctx, ActionUsageReported, usage.UserID, map[string]any{
		"project_id": usage.ProjectID,
		"stage":      usage.Stage,
		"model":      usage.Model,
		"tokens":     usage.Tokens,
		"estimated":  usage.Estimated,
	})
}

func (r *Recorder) dispatch(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if r.queue != nil {
		r.queue.Go(name, fn)
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warn("Audit sink write failed", "job", name, "error", err)
	}
}
