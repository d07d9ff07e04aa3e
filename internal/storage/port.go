package storage

import (
	"context"
	"sync"
	"time"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/infrastructure/resilience"
	"github.com/quotewire/marketdata-gateway/internal/obsmetrics"
)

// backendRetryConfig governs the exponential backoff every Port→Backend
// call runs under, per the transient-failure retry requirement: three
// attempts, capped at a one-second ceiling, small jitter to avoid
// synchronized retries across concurrent callers.
var backendRetryConfig = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     1 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// WritePolicy controls which backend(s) Set writes through to.
type WritePolicy string

const (
	WriteCacheOnly     WritePolicy = "cache_only"
	WritePersistentOnly WritePolicy = "persistent_only"
	WriteBoth          WritePolicy = "both"
)

// Stats is a snapshot of storage usage.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
	Errors int64
}

// Health reports the reachability of both composed backends.
type Health struct {
	CacheOK      bool
	PersistentOK bool
}

// Port composes a fast cache and a durable doc store behind a single
// get/set/delete/scan surface, with read-through fallback from cache to
// persistent storage and per-key coalescing for concurrent getOrSet calls.
type Port struct {
	cache      Backend
	persistent Backend
	logger     *logging.Logger
	metrics    *obsmetrics.Metrics

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall

	mu    sync.Mutex
	stats Stats
}

type inflightCall struct {
	done  chan struct{}
	value []byte
	err   error
}

// New builds a Port over a fast cache and a durable doc store. metrics may
// be nil, in which case operations go unrecorded.
func New(cache, persistent Backend, logger *logging.Logger, metrics *obsmetrics.Metrics) *Port {
	return &Port{
		cache:      cache,
		persistent: persistent,
		logger:     logger,
		metrics:    metrics,
		inflight:   make(map[string]*inflightCall),
	}
}

// retryGet runs backend.Get under backendRetryConfig's backoff, recording
// op/backend/result counters and latency against backendName ("cache" or
// "persistent").
func (p *Port) retryGet(ctx context.Context, backend Backend, backendName, key string) ([]byte, bool, error) {
	start := time.Now()
	var envelope []byte
	var ok bool
	err := resilience.Retry(ctx, backendRetryConfig, func() error {
		var rerr error
		envelope, ok, rerr = backend.Get(ctx, key)
		return rerr
	})
	p.metrics.RecordStorageLatency("get", backendName, time.Since(start).Seconds())
	p.metrics.RecordStorageOp("get", backendName, err == nil)
	return envelope, ok, err
}

// retrySet runs backend.Set under backendRetryConfig's backoff, recording
// the same op/backend/result counters and latency as retryGet.
func (p *Port) retrySet(ctx context.Context, backend Backend, backendName, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := resilience.Retry(ctx, backendRetryConfig, func() error {
		return backend.Set(ctx, key, value, ttl)
	})
	p.metrics.RecordStorageLatency("set", backendName, time.Since(start).Seconds())
	p.metrics.RecordStorageOp("set", backendName, err == nil)
	return err
}

// Get reads key, preferring the cache and falling back to the durable
// store, repopulating the cache on a persistent hit.
func (p *Port) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if envelope, ok, err := p.retryGet(ctx, p.cache, "cache", key); err == nil && ok {
		data, derr := unwrapBytes(envelope)
		if derr != nil {
			p.recordError()
			return nil, false, gwerrors.Wrap(gwerrors.CodeStorageCorrupted, "decode cache envelope", derr)
		}
		p.recordHit()
		return data, true, nil
	}

	envelope, ok, err := p.retryGet(ctx, p.persistent, "persistent", key)
	if err != nil {
		p.recordError()
		return nil, false, err
	}
	if !ok {
		p.recordMiss()
		return nil, false, nil
	}

	data, err := unwrapBytes(envelope)
	if err != nil {
		p.recordError()
		return nil, false, gwerrors.Wrap(gwerrors.CodeStorageCorrupted, "decode persistent envelope", err)
	}

	p.recordHit()
	_ = p.retrySet(ctx, p.cache, "cache", key, envelope, 0)
	return data, true, nil
}

// Set writes key per policy. value is enveloped (with compression above
// compressionThreshold) once and the same wrapped bytes fan out to
// whichever backend(s) policy selects.
func (p *Port) Set(ctx context.Context, key string, value []byte, ttl time.Duration, policy WritePolicy) error {
	p.mu.Lock()
	p.stats.Sets++
	p.mu.Unlock()

	envelope, err := wrapBytes(value)
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeStorageCorrupted, "encode envelope", err)
	}

	switch policy {
	case WriteCacheOnly:
		return p.retrySet(ctx, p.cache, "cache", key, envelope, ttl)
	case WritePersistentOnly:
		return p.retrySet(ctx, p.persistent, "persistent", key, envelope, ttl)
	default:
		if err := p.retrySet(ctx, p.persistent, "persistent", key, envelope, ttl); err != nil {
			return err
		}
		return p.retrySet(ctx, p.cache, "cache", key, envelope, ttl)
	}
}

// Delete removes key from both backends.
func (p *Port) Delete(ctx context.Context, key string) error {
	cacheErr := resilience.Retry(ctx, backendRetryConfig, func() error { return p.cache.Delete(ctx, key) })
	persistErr := resilience.Retry(ctx, backendRetryConfig, func() error { return p.persistent.Delete(ctx, key) })
	if cacheErr != nil {
		return cacheErr
	}
	return persistErr
}

// Exists reports whether key is present in either backend.
func (p *Port) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := p.Get(ctx, key)
	return ok, err
}

// Scan lists keys matching pattern across both backends, deduplicated.
func (p *Port) Scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string

	var cacheKeys []string
	err := resilience.Retry(ctx, backendRetryConfig, func() error {
		var rerr error
		cacheKeys, rerr = p.cache.Scan(ctx, pattern)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	for _, k := range cacheKeys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	var persistKeys []string
	err = resilience.Retry(ctx, backendRetryConfig, func() error {
		var rerr error
		persistKeys, rerr = p.persistent.Scan(ctx, pattern)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	for _, k := range persistKeys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	return keys, nil
}

// Clear deletes every key matching pattern.
func (p *Port) Clear(ctx context.Context, pattern string) error {
	keys, err := p.Scan(ctx, pattern)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// BatchGet reads multiple keys, read-coalescing: a key repeated in keys
// is fetched from the backends at most once.
func (p *Port) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		data, ok, err := p.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = data
		}
	}
	return result, nil
}

// BatchSet writes multiple keys under policy.
func (p *Port) BatchSet(ctx context.Context, values map[string][]byte, ttl time.Duration, policy WritePolicy) error {
	for key, value := range values {
		if err := p.Set(ctx, key, value, ttl, policy); err != nil {
			return err
		}
	}
	return nil
}

// BatchDelete removes multiple keys.
func (p *Port) BatchDelete(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := p.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of usage counters.
func (p *Port) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// HealthCheck pings both backends.
func (p *Port) HealthCheck(ctx context.Context) Health {
	return Health{
		CacheOK:      p.cache.Ping(ctx) == nil,
		PersistentOK: p.persistent.Ping(ctx) == nil,
	}
}

// Ping reports whether the fast cache backend is reachable.
func (p *Port) Ping(ctx context.Context) error {
	return p.cache.Ping(ctx)
}

// GetOrSet returns the cached value for key, invoking factory to produce
// and store it on a miss. Concurrent callers for the same key share a
// single in-flight factory invocation and a single Set; each caller still
// makes its own initial Get before joining the in-flight call.
func (p *Port) GetOrSet(ctx context.Context, key string, ttl time.Duration, policy WritePolicy, factory func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok, err := p.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return data, nil
	}

	p.inflightMu.Lock()
	if call, ok := p.inflight[key]; ok {
		p.inflightMu.Unlock()
		<-call.done
		return call.value, call.err
	}

	call := &inflightCall{done: make(chan struct{})}
	p.inflight[key] = call
	p.inflightMu.Unlock()

	value, err := factory(ctx)
	if err == nil {
		err = p.Set(ctx, key, value, ttl, policy)
	}
	if err != nil {
		err = gwerrors.Wrap(gwerrors.CodeStorageUnavailable, "getOrSet factory", err)
	}

	call.value = value
	call.err = err
	close(call.done)

	p.inflightMu.Lock()
	delete(p.inflight, key)
	p.inflightMu.Unlock()

	return value, err
}

func (p *Port) recordHit() {
	p.mu.Lock()
	p.stats.Hits++
	p.mu.Unlock()
}

func (p *Port) recordMiss() {
	p.mu.Lock()
	p.stats.Misses++
	p.mu.Unlock()
}

func (p *Port) recordError() {
	p.mu.Lock()
	p.stats.Errors++
	p.mu.Unlock()
}
