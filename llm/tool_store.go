package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ToolCallsBucket is the KV bucket name for storing tool call records.
const ToolCallsBucket = "TOOL_CALLS"

// DefaultToolCallsTTL is the default TTL for tool call records (7 days).
const DefaultToolCallsTTL = 7 * 24 * time.Hour

// ToolCallRecord represents a single tool execution.
type ToolCallRecord struct {
	CallID      string    `json:"call_id"`
	TraceID     string    `json:"trace_id"`
	Stage       string    `json:"stage,omitempty"`
	ToolName    string    `json:"tool_name"`
	Parameters  string    `json:"parameters"`
	Result      string    `json:"result"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// ToolCallStore persists tool call records to a KV bucket.
type ToolCallStore struct {
	bucket Bucket
	logger *slog.Logger
}

// ToolCallStoreOption configures a ToolCallStore.
type ToolCallStoreOption func(*ToolCallStore)

// WithToolCallStoreLogger sets the logger for the tool call store.
func WithToolCallStoreLogger(logger *slog.Logger) ToolCallStoreOption {
	return func(s *ToolCallStore) {
		s.logger = logger
	}
}

// NewToolCallStore opens (or creates) the TOOL_CALLS bucket.
func NewToolCallStore(ctx context.Context, opener BucketOpener, ttl time.Duration, opts ...ToolCallStoreOption) (*ToolCallStore, error) {
	if ttl == 0 {
		ttl = DefaultToolCallsTTL
	}
	bucket, err := openBucket(ctx, opener, ToolCallsBucket, "Tool call records for trajectory tracking", ttl)
	if err != nil {
		return nil, err
	}
	return NewToolCallStoreWithBucket(bucket, opts...), nil
}

// NewToolCallStoreWithBucket wraps an already-open bucket.
func NewToolCallStoreWithBucket(bucket Bucket, opts ...ToolCallStoreOption) *ToolCallStore {
	s := &ToolCallStore{
		bucket: bucket,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store saves a tool call record under {trace_id}.{call_id}.
func (s *ToolCallStore) Store(ctx context.Context, record *ToolCallRecord) error {
	if record.CallID == "" {
		return fmt.Errorf("call_id is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if _, err := s.bucket.Put(ctx, recordKey(record.TraceID, record.CallID), data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Get retrieves a tool call record by its key (trace_id.call_id or just call_id).
func (s *ToolCallStore) Get(ctx context.Context, key string) (*ToolCallRecord, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var record ToolCallRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &record, nil
}

// GetByTraceID returns a trace's tool calls, oldest first.
func (s *ToolCallStore) GetByTraceID(ctx context.Context, traceID string) ([]*ToolCallRecord, error) {
	records, err := listByTrace[ToolCallRecord](ctx, s.bucket, s.logger, traceID)
	if err != nil {
		return nil, err
	}
	SortToolCallsByStartTime(records)
	return records, nil
}

// Delete removes a tool call record by its key.
func (s *ToolCallStore) Delete(ctx context.Context, key string) error {
	return s.bucket.Delete(ctx, key)
}

// SortToolCallsByStartTime sorts tool call records chronologically by StartedAt.
func SortToolCallsByStartTime(records []*ToolCallRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}
