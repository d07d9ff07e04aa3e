// Package cache is a small in-process TTL cache for the market status
// service's per-(market, mode) results. Entries carry a per-Set TTL
// rather than one fixed for the whole cache; the market status service
// passes its mode's TTL (1 minute for REALTIME, 10 minutes for
// ANALYTICAL), which does not depend on whether the market is open.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value   interface{}
	expires time.Time
}

// Config parameterizes a Cache.
type Config struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns a 5-minute default TTL with cleanup every 10
// minutes; callers needing a per-entry TTL (such as the market status
// service's per-mode TTLs) pass an explicit ttl to Set instead of
// relying on DefaultTTL.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: 10 * time.Minute,
	}
}

// Cache is a locking map of string key to value with per-entry
// expiration, swept periodically by a background goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	cfg     Config
}

// NewCache builds a Cache and starts its background sweep goroutine,
// which runs for the lifetime of the process — the market status
// service is a process-wide singleton with no shutdown path of its own.
func NewCache(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}

	c := &Cache{
		entries: make(map[string]entry),
		cfg:     cfg,
	}
	go c.sweep()
	return c
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.evictExpired()
	}
}

func (c *Cache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, key)
		}
	}
}

// Get returns key's value if present and not yet expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, expiring after ttl (or cfg.DefaultTTL if
// ttl is zero).
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expires: time.Now().Add(ttl)}
}

// InvalidateAll drops every cached entry; used when the underlying
// trading-schedule table is reloaded and stale status results could
// otherwise outlive it.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}
