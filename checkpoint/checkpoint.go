// Package checkpoint persists serialized run state between transitions so an
// interrupted run can be resumed.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when no checkpoint exists for a run.
var ErrNotFound = errors.New("checkpoint not found")

// DefaultTTL is how long a checkpoint survives without being rewritten.
const DefaultTTL = 24 * time.Hour

// Store saves and loads opaque run snapshots keyed by project id.
type Store interface {
	Save(ctx context.Context, projectID string, data []byte) error
	Load(ctx context.Context, projectID string) ([]byte, error)
	Delete(ctx context.Context, projectID string) error
}

// RedisStore keeps checkpoints under checkpoint:<project_id>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store. A zero ttl uses DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func key(projectID string) string {
	return "checkpoint:" + projectID
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, projectID string, data []byte) error {
	if err := s.client.Set(ctx, key(projectID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", projectID, err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, projectID string) ([]byte, error) {
	data, err := s.client.Get(ctx, key(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", projectID, err)
	}
	return data, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, projectID string) error {
	if err := s.client.Del(ctx, key(projectID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", projectID, err)
	}
	return nil
}

// MemoryStore keeps checkpoints in a map.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, projectID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[projectID] = append([]byte(nil), data...)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, projectID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, projectID)
	return nil
}
