package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/buildforge/bus"
	"github.com/c360studio/buildforge/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Record(t *testing.T) {
	sink := &MemorySink{}
	r := NewRecorder(WithSink(sink))
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	meta := map[string]any{"project_id": "p1"}
	r.Record(context.Background(), ActionProjectCompleted, "u1", meta)
	meta["project_id"] = "mutated"

	events := sink.Events(ActionProjectCompleted)
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "p1", e.Metadata["project_id"])
	assert.Equal(t, 2026, e.Timestamp.Year())
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), "x", "u", nil)
	r.ReportUsage(context.Background(), Usage{Tokens: 10})
}

func TestRecorder_ReportUsage(t *testing.T) {
	tests := []struct {
		name      string
		usage     Usage
		wantUsage int
		wantWarn  bool
	}{
		{"zero tokens skipped", Usage{UserID: "u", Tokens: 0}, 0, false},
		{"negative tokens skipped", Usage{UserID: "u", Tokens: -5}, 0, false},
		{"normal usage", Usage{UserID: "u", Tokens: 1200}, 1, false},
		{"high usage warns", Usage{UserID: "u", Tokens: HighUsageThreshold + 1}, 1, true},
		{"threshold itself does not warn", Usage{UserID: "u", Tokens: HighUsageThreshold}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			sink := &MemorySink{}
			alerter := &fakeAlerter{}
			r := NewRecorder(WithSink(sink), WithUsageSink(sink), WithLogger(logger), WithAlerter(alerter))

			r.ReportUsage(context.Background(), tt.usage)

			assert.Len(t, sink.Usage(), tt.wantUsage)
			assert.Len(t, sink.Events(ActionUsageReported), tt.wantUsage)
			assert.Equal(t, tt.wantWarn, strings.Contains(buf.String(), "High token usage"))
			assert.Equal(t, tt.wantWarn, len(alerter.tokens) == 1)
		})
	}
}

type fakeAlerter struct {
	mu     sync.Mutex
	tokens []int
	err    error
}

func (a *fakeAlerter) NotifyHighUsage(_ context.Context, _, _ string, tokens int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, tokens)
	return a.err
}

func TestRecorder_HighUsageAlertOnQueue(t *testing.T) {
	q := dispatch.New(dispatch.Config{Name: "audit", Workers: 1})
	alerter := &fakeAlerter{err: errors.New("smtp down")}
	r := NewRecorder(WithQueue(q), WithAlerter(alerter))

	r.ReportUsage(context.Background(), Usage{UserID: "u", ProjectID: "p", Tokens: 2 * HighUsageThreshold})
	require.NoError(t, q.Close(context.Background()))

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	assert.Equal(t, []int{2 * HighUsageThreshold}, alerter.tokens)
}

func TestRecorder_UsageFlagsEstimates(t *testing.T) {
	sink := &MemorySink{}
	r := NewRecorder(WithSink(sink), WithUsageSink(sink))

	r.ReportUsage(context.Background(), Usage{UserID: "u", Tokens: 42, Model: "grok-4-latest", Estimated: true})

	require.Len(t, sink.Usage(), 1)
	assert.True(t, sink.Usage()[0].Estimated)
	events := sink.Events(ActionUsageReported)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Metadata["estimated"])
	assert.Equal(t, 42, events[0].Metadata["tokens"])
	assert.Equal(t, "grok-4-latest", events[0].Metadata["model"])
}

type failingSink struct{}

func (failingSink) Write(context.Context, Event) error { return errors.New("sink down") }

func TestRecorder_SinkFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	good := &MemorySink{}
	r := NewRecorder(WithSink(failingSink{}), WithSink(good), WithLogger(logger))

	r.Record(context.Background(), "x", "u", nil)

	assert.Len(t, good.Events("x"), 1)
	assert.Contains(t, buf.String(), "sink down")
}

func TestRecorder_WithQueue(t *testing.T) {
	q := dispatch.New(dispatch.Config{Name: "audit", Workers: 2})
	sink := &MemorySink{}
	r := NewRecorder(WithSink(sink), WithQueue(q))

	for i := 0; i < 10; i++ {
		r.Record(context.Background(), "queued", "u", nil)
	}
	require.NoError(t, q.Close(context.Background()))
	assert.Len(t, sink.Events("queued"), 10)
}

func TestRecorder_SurvivesCancelledContext(t *testing.T) {
	pub := bus.NewMemoryPublisher()
	r := NewRecorder(WithSink(NewNATSSink(pub)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, ActionProjectFailed, "u", nil)

	assert.Len(t, pub.Messages(bus.AuditPrefix), 1)
}

func TestNATSSink(t *testing.T) {
	pub := bus.NewMemoryPublisher()
	sink := NewNATSSink(pub)

	e := Event{ID: "e1", Action: "tool_used:scan_code_for_vulnerabilities", UserID: "u"}
	require.NoError(t, sink.Write(context.Background(), e))

	msgs := pub.Messages("")
	require.Len(t, msgs, 1)
	assert.Equal(t, "buildforge.audit.tool_used_scan_code_for_vulnerabilities", msgs[0].Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "e1", got.ID)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "buildforge.audit.model_routed", Subject("model_routed"))
	assert.Equal(t, "buildforge.audit.a_b_c_d", Subject("a.b*c>d"))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, sink.Write(context.Background(), Event{ID: "e1", Action: "model_routed"}))
	assert.Contains(t, buf.String(), "action=model_routed")
}
