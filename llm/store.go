package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// CallsBucket is the KV bucket for LLM call records.
	CallsBucket = "LLM_CALLS"

	// DefaultCallsTTL is how long call records are kept.
	DefaultCallsTTL = 7 * 24 * time.Hour

	maxPreviewLength = 500
)

// Bucket is the part of jetstream.KeyValue the trajectory stores use.
type Bucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// BucketOpener opens KV buckets. *bus.Client and *natsclient.Client satisfy it.
type BucketOpener interface {
	CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error)
}

// openBucket returns the named bucket, creating it when missing.
func openBucket(ctx context.Context, opener BucketOpener, name, description string, ttl time.Duration) (jetstream.KeyValue, error) {
	if opener == nil {
		return nil, fmt.Errorf("kv bucket opener required")
	}
	bucket, err := opener.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", name, err)
	}
	return bucket, nil
}

// recordKey joins trace and record ids so a trace can be listed by prefix.
func recordKey(traceID, id string) string {
	if traceID == "" {
		return id
	}
	return traceID + "." + id
}

// listByTrace loads every JSON record under traceID's key prefix.
func listByTrace[T any](ctx context.Context, bucket Bucket, logger *slog.Logger, traceID string) ([]*T, error) {
	if traceID == "" {
		return nil, fmt.Errorf("trace_id is required")
	}

	keys, err := bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*T{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := traceID + "."
	records := make([]*T, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		entry, err := bucket.Get(ctx, key)
		if err != nil {
			// Keys can vanish between listing and reading.
			if !errors.Is(err, jetstream.ErrKeyDeleted) && !errors.Is(err, jetstream.ErrKeyNotFound) {
				logger.Warn("Failed to get key", "key", key, "error", err)
			}
			continue
		}

		var record T
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			logger.Warn("Failed to unmarshal record", "key", key, "error", err)
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// CallRecord is one model call with enough context to rebuild a run's trajectory.
type CallRecord struct {
	RequestID        string    `json:"request_id"`
	TraceID          string    `json:"trace_id"`
	Stage            string    `json:"stage,omitempty"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Mode             string    `json:"mode"`
	MessagesCount    int       `json:"messages_count"`
	ToolsBound       int       `json:"tools_bound"`
	ToolCalls        int       `json:"tool_calls"`
	ResponsePreview  string    `json:"response_preview,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ContextBudget    int       `json:"context_budget,omitempty"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	DurationMs       int64     `json:"duration_ms"`
	Error            string    `json:"error,omitempty"`
}

// CallStore persists call records to a JetStream KV bucket.
type CallStore struct {
	bucket Bucket
	logger *slog.Logger
}

// CallStoreOption configures a CallStore.
type CallStoreOption func(*CallStore)

// WithStoreLogger sets the logger for the call store.
func WithStoreLogger(logger *slog.Logger) CallStoreOption {
	return func(s *CallStore) {
		s.logger = logger
	}
}

// NewCallStore opens (or creates) the LLM_CALLS bucket.
func NewCallStore(ctx context.Context, opener BucketOpener, ttl time.Duration, opts ...CallStoreOption) (*CallStore, error) {
	if ttl == 0 {
		ttl = DefaultCallsTTL
	}
	bucket, err := openBucket(ctx, opener, CallsBucket, "LLM call records for trajectory tracking", ttl)
	if err != nil {
		return nil, err
	}
	return NewCallStoreWithBucket(bucket, opts...), nil
}

// NewCallStoreWithBucket wraps an already-open bucket.
func NewCallStoreWithBucket(bucket Bucket, opts ...CallStoreOption) *CallStore {
	s := &CallStore{
		bucket: bucket,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store saves a call record under {trace_id}.{request_id}.
func (s *CallStore) Store(ctx context.Context, record *CallRecord) error {
	if record.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if _, err := s.bucket.Put(ctx, recordKey(record.TraceID, record.RequestID), data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	s.logger.Debug("Recorded LLM call",
		"request_id", record.RequestID,
		"trace_id", record.TraceID,
		"model", record.Model)
	return nil
}

// GetByTraceID returns a trace's call records, oldest first.
func (s *CallStore) GetByTraceID(ctx context.Context, traceID string) ([]*CallRecord, error) {
	records, err := listByTrace[CallRecord](ctx, s.bucket, s.logger, traceID)
	if err != nil {
		return nil, err
	}
	SortByStartTime(records)
	return records, nil
}

// SortByStartTime sorts records chronologically by StartedAt.
func SortByStartTime(records []*CallRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}

// TraceContext identifies the run and stage a call belongs to.
type TraceContext struct {
	TraceID string
	Stage   string
}

type traceContextKey struct{}

// WithTraceContext adds trace information to a context.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// GetTraceContext extracts trace information from a context.
func GetTraceContext(ctx context.Context) TraceContext {
	if tc, ok := ctx.Value(traceContextKey{}).(TraceContext); ok {
		return tc
	}
	return TraceContext{}
}
