package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/metrics"
)

// MaxRecordedParamsLength is the max length for serialized parameters stored in a record.
const MaxRecordedParamsLength = 1000

// MaxRecordedResultLength is the max length for result content stored in a record.
const MaxRecordedResultLength = 2000

// maxAuditSummaryLength bounds the result summary attached to tool_used audit events.
const maxAuditSummaryLength = 200

// CallRecorder persists tool call records. *llm.ToolCallStore satisfies it.
type CallRecorder interface {
	Store(ctx context.Context, record *llm.ToolCallRecord) error
}

// Auditor receives a tool_used:<name> event per call.
type Auditor interface {
	Record(ctx context.Context, action, userID string, metadata map[string]any)
}

// RecordingExecutor wraps an Executor and records each call to the tool call store.
// With no store configured, calls pass through without recording.
type RecordingExecutor struct {
	inner   Executor
	store   CallRecorder
	auditor Auditor
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// RecordingOption configures a RecordingExecutor.
type RecordingOption func(*RecordingExecutor)

// WithCallRecorder sets the trajectory store.
func WithCallRecorder(store CallRecorder) RecordingOption {
	return func(r *RecordingExecutor) {
		r.store = store
	}
}

// WithAuditor emits a tool_used audit event per call.
func WithAuditor(a Auditor) RecordingOption {
	return func(r *RecordingExecutor) {
		r.auditor = a
	}
}

// WithMetrics counts calls by tool and status.
func WithMetrics(m *metrics.Metrics) RecordingOption {
	return func(r *RecordingExecutor) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RecordingOption {
	return func(r *RecordingExecutor) {
		r.logger = logger
	}
}

// NewRecordingExecutor wraps an executor with tool call recording.
func NewRecordingExecutor(inner Executor, opts ...RecordingOption) *RecordingExecutor {
	r := &RecordingExecutor{
		inner:  inner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the underlying tool executor and records the call.
func (r *RecordingExecutor) Execute(ctx context.Context, call llm.ToolCall) (Result, error) {
	startedAt := time.Now()

	result, execErr := r.inner.Execute(ctx, call)

	completedAt := time.Now()
	record := r.buildRecord(ctx, call, result, execErr, startedAt, completedAt)

	r.metrics.IncToolCall(call.Name, record.Status)
	if r.auditor != nil {
		r.auditor.Record(ctx, "tool_used:"+call.Name, "", map[string]any{
			"args":           record.Parameters,
			"result_summary": truncate(result.Content, maxAuditSummaryLength),
			"status":         record.Status,
			"trace_id":       record.TraceID,
		})
	}

	// Record asynchronously to avoid slowing down tool execution
	if r.store != nil {
		go r.recordCall(record)
	}

	return result, execErr
}

// ListTools delegates to the inner executor.
func (r *RecordingExecutor) ListTools() []llm.ToolDefinition {
	return r.inner.ListTools()
}

func (r *RecordingExecutor) buildRecord(
	ctx context.Context,
	call llm.ToolCall,
	result Result,
	execErr error,
	startedAt, completedAt time.Time,
) *llm.ToolCallRecord {
	status := "success"
	var errMsg string
	if execErr != nil {
		status = "error"
		errMsg = execErr.Error()
	} else if result.Error != "" {
		status = "error"
		errMsg = result.Error
	}

	traceCtx := llm.GetTraceContext(ctx)
	return &llm.ToolCallRecord{
		CallID:      call.ID,
		TraceID:     traceCtx.TraceID,
		Stage:       traceCtx.Stage,
		ToolName:    call.Name,
		Parameters:  truncate(call.Arguments, MaxRecordedParamsLength),
		Result:      truncate(result.Content, MaxRecordedResultLength),
		Status:      status,
		Error:       errMsg,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
	}
}

func (r *RecordingExecutor) recordCall(record *llm.ToolCallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.Store(ctx, record); err != nil {
		r.logger.Warn("Failed to record tool call",
			"tool", record.ToolName,
			"call_id", record.CallID,
			"error", err)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
