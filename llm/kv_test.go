package llm

import (
	"context"
	"sort"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// memBucket is an in-memory Bucket for tests.
type memBucket struct {
	mu      sync.Mutex
	entries map[string][]byte
	putErr  error
}

func newMemBucket() *memBucket {
	return &memBucket{entries: make(map[string][]byte)}
}

type memEntry struct {
	jetstream.KeyValueEntry
	key   string
	value []byte
}

func (e memEntry) Key() string   { return e.key }
func (e memEntry) Value() []byte { return e.value }

func (b *memBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return 0, b.putErr
	}
	b.entries[key] = append([]byte(nil), value...)
	return uint64(len(b.entries)), nil
}

func (b *memBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return memEntry{key: key, value: v}, nil
}

func (b *memBucket) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *memBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *memBucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
