package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
)

// Backend is a single key-value store a Port can compose. Both the fast
// cache and the durable doc store implement it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// RedisBackend is the fast-cache backend.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps client as a Backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, gwerrors.Wrap(gwerrors.CodeStorageUnavailable, "redis get", err)
	}
	return data, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.CodeStorageUnavailable, "redis set", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.CodeStorageUnavailable, "redis delete", err)
	}
	return nil
}

func (b *RedisBackend) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.CodeStorageUnavailable, "redis scan", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.CodeStorageUnavailable, "redis ping", err)
	}
	return nil
}

// MemoryDocStore stands in for the durable document store: persistent
// KVStore/DocStore backends are accessed through a port per the storage
// layer's design and no document-database driver is available, so this
// in-process, mutex-guarded map is the durable backend for this build.
type MemoryDocStore struct {
	mu   sync.RWMutex
	docs map[string]docEntry
}

type docEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryDocStore creates an empty MemoryDocStore.
func NewMemoryDocStore() *MemoryDocStore {
	return &MemoryDocStore{docs: make(map[string]docEntry)}
}

func (m *MemoryDocStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.docs[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.docs, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryDocStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.docs[key] = docEntry{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

func (m *MemoryDocStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.docs, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDocStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.docs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MemoryDocStore) Ping(ctx context.Context) error {
	return nil
}
