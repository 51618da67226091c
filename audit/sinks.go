package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360studio/buildforge/bus"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink over logger. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Write implements Sink.
func (s *LogSink) Write(ctx context.Context, e Event) error {
	s.logger.InfoContext(ctx, "Audit event",
		"event_id", e.ID,
		"action", e.Action,
		"user_id", e.UserID,
		"metadata", e.Metadata)
	return nil
}

// NATSSink publishes events as JSON on buildforge.audit.<action>.
type NATSSink struct {
	publisher bus.Publisher
}

// NewNATSSink returns a sink over p.
func NewNATSSink(p bus.Publisher) *NATSSink {
	return &NATSSink{publisher: p}
}

// Write implements Sink.
func (s *NATSSink) Write(ctx context.Context, e Event) error {
	return bus.PublishJSON(ctx, s.publisher, Subject(e.Action), e)
}

// Subject returns the subject an action is published on. Characters NATS treats
// as tokens separators or wildcards are replaced.
func Subject(action string) string {
	b := []byte(action)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ', ':':
			b[i] = '_'
		}
	}
	return bus.AuditPrefix + "." + string(b)
}

// MemorySink keeps events and usage reports in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	usage  []Usage
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// WriteUsage implements UsageSink.
func (s *MemorySink) WriteUsage(_ context.Context, u Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, u)
	return nil
}

// Events returns the recorded events, optionally filtered by action.
func (s *MemorySink) Events(action string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if action == "" || e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Usage returns the recorded usage reports.
func (s *MemorySink) Usage() []Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Usage(nil), s.usage...)
}
