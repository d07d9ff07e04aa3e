// Package datamappercache caches mapping-rule lookups in three logical
// namespaces so the rule engine rarely needs to consult the durable rule
// store, and invalidates them with SCAN-based pattern deletes guarded by
// a circuit breaker against a degraded backing cache.
package datamappercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/infrastructure/resilience"
	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/obsmetrics"
)

const (
	nsBestRule      = "best_rule"
	nsRuleByID      = "rule_by_id"
	nsProviderRules = "provider_rules"
)

func bestRuleKey(provider string, apiType domain.APIType, ruleListType domain.RuleListType) string {
	return fmt.Sprintf("%s:%s:%s:%s", nsBestRule, provider, apiType, ruleListType)
}

func ruleByIDKey(id string) string {
	return fmt.Sprintf("%s:%s", nsRuleByID, id)
}

func providerRulesKey(provider string, apiType domain.APIType) string {
	return fmt.Sprintf("%s:%s:%s", nsProviderRules, provider, apiType)
}

// Metrics is a snapshot of cache usage counters.
type Metrics struct {
	Hits            int64
	Misses          int64
	Operations      int64
	AvgResponseTime time.Duration
	LastResetTime   time.Time
}

// Codec serializes/deserializes MappingRule values for the backing store.
// Production wiring uses JSON; tests may substitute a simpler codec.
type Codec interface {
	Marshal(rule *domain.MappingRule) ([]byte, error)
	Unmarshal(data []byte) (*domain.MappingRule, error)
	MarshalList(rules []*domain.MappingRule) ([]byte, error)
	UnmarshalList(data []byte) ([]*domain.MappingRule, error)
}

// Cache is the data-mapper rule cache. It holds a redis client for scan
// support plus a circuit breaker guarding SCAN calls against cascading
// load on a degraded backend.
type Cache struct {
	client  *redis.Client
	codec   Codec
	logger  *logging.Logger
	metrics *obsmetrics.Metrics
	breaker *resilience.CircuitBreaker
	ttl     time.Duration

	scanCountMu sync.Mutex
	scanCount   int64

	deferredMu       sync.Mutex
	deferredPatterns map[string]struct{}

	hits       int64
	misses     int64
	operations int64
	totalNanos int64
	resetAt    time.Time
}

// Config configures a Cache. ScanCountMin and ScanCountMax are filled
// with defaults by New but are not read when the SCAN COUNT hint adapts:
// that clamp is fixed at 10 and 1000.
type Config struct {
	TTL              time.Duration
	ScanCountStart   int64
	ScanCountMin     int64
	ScanCountMax     int64
	BreakerMaxFail   int
	BreakerTimeout   time.Duration
	BreakerHalfOpen  int
}

// New builds a Cache over client. metrics may be nil, in which case
// operations go unrecorded.
func New(client *redis.Client, codec Codec, logger *logging.Logger, metrics *obsmetrics.Metrics, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.ScanCountStart <= 0 {
		cfg.ScanCountStart = 100
	}
	if cfg.ScanCountMin <= 0 {
		cfg.ScanCountMin = 10
	}
	if cfg.ScanCountMax <= 0 {
		cfg.ScanCountMax = 1000
	}

	breakerCfg := resilience.DefaultConfig()
	breakerCfg.Name = "data_mapper_scan"
	if cfg.BreakerMaxFail > 0 {
		breakerCfg.MaxFailures = cfg.BreakerMaxFail
	}
	if cfg.BreakerTimeout > 0 {
		breakerCfg.Timeout = cfg.BreakerTimeout
	}
	if cfg.BreakerHalfOpen > 0 {
		breakerCfg.HalfOpenMax = cfg.BreakerHalfOpen
	}
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		if logger != nil {
			logger.LogCircuitBreakerTransition(context.Background(), name, from.String(), to.String())
		}
		metrics.RecordBreakerState(to.String())
	}

	return &Cache{
		client:           client,
		codec:            codec,
		logger:           logger,
		metrics:          metrics,
		breaker:          resilience.New(breakerCfg),
		ttl:              cfg.TTL,
		scanCount:        cfg.ScanCountStart,
		deferredPatterns: make(map[string]struct{}),
		resetAt:          time.Now(),
	}
}

func (c *Cache) record(namespace string, start time.Time, hit bool) {
	atomic.AddInt64(&c.operations, 1)
	atomic.AddInt64(&c.totalNanos, int64(time.Since(start)))
	if hit {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	c.metrics.RecordDataMapperOp(namespace, hit)
}

// Metrics returns a snapshot of usage counters.
func (c *Cache) Metrics() Metrics {
	ops := atomic.LoadInt64(&c.operations)
	var avg time.Duration
	if ops > 0 {
		avg = time.Duration(atomic.LoadInt64(&c.totalNanos) / ops)
	}
	return Metrics{
		Hits:            atomic.LoadInt64(&c.hits),
		Misses:          atomic.LoadInt64(&c.misses),
		Operations:      ops,
		AvgResponseTime: avg,
		LastResetTime:   c.resetAt,
	}
}

// CacheBestMatchingRule stores the best-matching rule for a provider's
// (apiType, ruleListType) family.
func (c *Cache) CacheBestMatchingRule(ctx context.Context, provider string, apiType domain.APIType, ruleListType domain.RuleListType, rule *domain.MappingRule) error {
	data, err := c.codec.Marshal(rule)
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeDataMapperCorrupted, "marshal best-matching rule", err)
	}
	if err := c.client.Set(ctx, bestRuleKey(provider, apiType, ruleListType), data, c.ttl).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "cache best-matching rule", err)
	}
	return nil
}

// GetCachedBestMatchingRule returns the cached best-matching rule, or nil
// if absent.
func (c *Cache) GetCachedBestMatchingRule(ctx context.Context, provider string, apiType domain.APIType, ruleListType domain.RuleListType) (*domain.MappingRule, error) {
	start := time.Now()
	data, err := c.client.Get(ctx, bestRuleKey(provider, apiType, ruleListType)).Bytes()
	if err == redis.Nil {
		c.record("best_rule", start, false)
		return nil, nil
	}
	if err != nil {
		c.record("best_rule", start, false)
		return nil, gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "get best-matching rule", err)
	}
	rule, err := c.codec.Unmarshal(data)
	if err != nil {
		c.record("best_rule", start, false)
		return nil, gwerrors.Wrap(gwerrors.CodeDataMapperCorrupted, "unmarshal best-matching rule", err)
	}
	c.record("best_rule", start, true)
	return rule, nil
}

// CacheRuleByID stores a rule by its ID.
func (c *Cache) CacheRuleByID(ctx context.Context, rule *domain.MappingRule) error {
	data, err := c.codec.Marshal(rule)
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeDataMapperCorrupted, "marshal rule by id", err)
	}
	if err := c.client.Set(ctx, ruleByIDKey(rule.ID), data, c.ttl).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "cache rule by id", err)
	}
	return nil
}

// GetCachedRuleByID returns the cached rule for id, or nil if absent.
func (c *Cache) GetCachedRuleByID(ctx context.Context, id string) (*domain.MappingRule, error) {
	start := time.Now()
	data, err := c.client.Get(ctx, ruleByIDKey(id)).Bytes()
	if err == redis.Nil {
		c.record("rule_by_id", start, false)
		return nil, nil
	}
	if err != nil {
		c.record("rule_by_id", start, false)
		return nil, gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "get rule by id", err)
	}
	rule, err := c.codec.Unmarshal(data)
	if err != nil {
		c.record("rule_by_id", start, false)
		return nil, gwerrors.Wrap(gwerrors.CodeDataMapperCorrupted, "unmarshal rule by id", err)
	}
	c.record("rule_by_id", start, true)
	return rule, nil
}

// CacheProviderRules stores the full rule list for a provider/apiType.
func (c *Cache) CacheProviderRules(ctx context.Context, provider string, apiType domain.APIType, rules []*domain.MappingRule) error {
	data, err := c.codec.MarshalList(rules)
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeDataMapperCorrupted, "marshal provider rules", err)
	}
	if err := c.client.Set(ctx, providerRulesKey(provider, apiType), data, c.ttl).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "cache provider rules", err)
	}
	return nil
}

// GetCachedProviderRules returns the cached rule list, or nil if absent.
func (c *Cache) GetCachedProviderRules(ctx context.Context, provider string, apiType domain.APIType) ([]*domain.MappingRule, error) {
	start := time.Now()
	data, err := c.client.Get(ctx, providerRulesKey(provider, apiType)).Bytes()
	if err == redis.Nil {
		c.record("provider_rules", start, false)
		return nil, nil
	}
	if err != nil {
		c.record("provider_rules", start, false)
		return nil, gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "get provider rules", err)
	}
	rules, err := c.codec.UnmarshalList(data)
	if err != nil {
		c.record("provider_rules", start, false)
		return nil, gwerrors.Wrap(gwerrors.CodeDataMapperCorrupted, "unmarshal provider rules", err)
	}
	c.record("provider_rules", start, true)
	return rules, nil
}

// InvalidateRuleCache drops the by-ID entry for id and, when rule is
// non-nil, the best_rule and provider_rules entries its (provider,
// apiType, ruleListType) participates in.
func (c *Cache) InvalidateRuleCache(ctx context.Context, id string, rule *domain.MappingRule) error {
	if err := c.client.Del(ctx, ruleByIDKey(id)).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "delete rule by id", err)
	}
	if rule == nil {
		return nil
	}
	if err := c.client.Del(ctx, bestRuleKey(rule.Provider, rule.APIType, rule.RuleListType)).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "delete best-matching rule", err)
	}
	return c.InvalidateProviderCache(ctx, rule.Provider)
}

// InvalidateProviderCache removes every provider_rules and best_rule
// entry for provider via a circuit-breaker-guarded SCAN, since both
// namespaces are keyed by provider but fan out across apiType/ruleListType
// combinations unknown to the caller.
func (c *Cache) InvalidateProviderCache(ctx context.Context, provider string) error {
	patterns := []string{
		fmt.Sprintf("%s:%s:*", nsProviderRules, provider),
		fmt.Sprintf("%s:%s:*", nsBestRule, provider),
	}
	for _, pattern := range patterns {
		if err := c.scanDelete(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// ClearAllRuleCache drops every entry in all three namespaces.
func (c *Cache) ClearAllRuleCache(ctx context.Context) error {
	for _, ns := range []string{nsBestRule, nsRuleByID, nsProviderRules} {
		if err := c.scanDelete(ctx, ns+":*"); err != nil {
			return err
		}
	}
	return nil
}

// WarmupCache preloads rule_by_id and provider_rules entries for rules,
// used at startup so the first request for each rule is a hit.
func (c *Cache) WarmupCache(ctx context.Context, rules []*domain.MappingRule) error {
	byProvider := make(map[string][]*domain.MappingRule)
	for _, rule := range rules {
		if err := c.CacheRuleByID(ctx, rule); err != nil {
			return err
		}
		key := string(rule.Provider) + "|" + string(rule.APIType)
		byProvider[key] = append(byProvider[key], rule)
	}
	for _, group := range byProvider {
		if err := c.CacheProviderRules(ctx, group[0].Provider, group[0].APIType, group); err != nil {
			return err
		}
	}
	return nil
}

// scanDelete iterates keys matching pattern with SCAN and deletes them in
// batches, behind the circuit breaker. The SCAN COUNT hint starts at the
// configured value and adapts: it doubles after a clean pass and halves
// after a timeout, clamped to [10, 1000], so a degraded backend sees
// smaller batches while a healthy one gets fewer round trips over time.
//
// When the breaker is open, SCAN is unavailable: rather than propagate
// ErrCircuitOpen to the caller, scanDelete makes a best-effort DEL of the
// pattern string itself and queues pattern onto the deferred batch-delete
// queue for DrainDeferred to retry once the backend recovers. That DEL
// removes a key only when pattern names one concrete key; for the
// wildcard patterns this file's invalidation methods pass it removes
// nothing, and the deferred queue alone carries the invalidation. Either way scanDelete returns nil: invalidation
// is advisory under a degraded cache, never a hard failure for callers.
func (c *Cache) scanDelete(ctx context.Context, pattern string) error {
	err := c.breaker.Execute(ctx, func() error {
		return c.scanDeleteOnce(ctx, pattern)
	})
	c.metrics.RecordBreakerState(c.breaker.State().String())
	if err == nil {
		return nil
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		if c.logger != nil {
			c.logger.Warn(ctx, "data mapper cache invalidation failed, deferring", map[string]interface{}{"pattern": pattern, "error": err.Error()})
		}
		c.deferPattern(pattern)
		return nil
	}

	_ = c.client.Del(ctx, pattern).Err()
	c.deferPattern(pattern)
	return nil
}

// scanDeleteOnce runs a single SCAN-then-DEL pass over pattern. Both
// callers run it under the circuit breaker: scanDelete for a fresh
// invalidation, DrainDeferred when retrying a deferred pattern.
func (c *Cache) scanDeleteOnce(ctx context.Context, pattern string) error {
	count := c.currentScanCount()
	var cursor uint64
	timedOut := false

	for {
		scanCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		keys, next, err := c.client.Scan(scanCtx, cursor, pattern, count).Result()
		cancel()
		if err != nil {
			if scanCtx.Err() != nil {
				timedOut = true
			}
			c.adjustScanCount(timedOut)
			return gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "scan keys for invalidation", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return gwerrors.Wrap(gwerrors.CodeDataMapperScanFailed, "delete scanned keys", err)
			}
			c.metrics.RecordDataMapperScanKeys(len(keys))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.adjustScanCount(timedOut)
	return nil
}

// deferPattern queues pattern for a later retry; duplicate patterns
// collapse to one pending entry.
func (c *Cache) deferPattern(pattern string) {
	c.deferredMu.Lock()
	c.deferredPatterns[pattern] = struct{}{}
	c.deferredMu.Unlock()
}

// DrainDeferred retries every pattern queued while the circuit breaker
// was open. A pattern that still fails, or that the breaker still
// rejects, stays queued for the next call. Meant to be invoked
// periodically (alongside rule reload scheduling) so a transient Redis
// outage self-heals without an operator re-triggering invalidation.
func (c *Cache) DrainDeferred(ctx context.Context) {
	c.deferredMu.Lock()
	pending := make([]string, 0, len(c.deferredPatterns))
	for p := range c.deferredPatterns {
		pending = append(pending, p)
	}
	c.deferredMu.Unlock()

	for _, pattern := range pending {
		err := c.breaker.Execute(ctx, func() error {
			return c.scanDeleteOnce(ctx, pattern)
		})
		if err != nil {
			continue
		}
		c.deferredMu.Lock()
		delete(c.deferredPatterns, pattern)
		c.deferredMu.Unlock()
	}
}

// PendingInvalidations reports how many patterns are currently queued
// behind the circuit breaker, for health/diagnostic surfaces.
func (c *Cache) PendingInvalidations() int {
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	return len(c.deferredPatterns)
}

func (c *Cache) currentScanCount() int64 {
	c.scanCountMu.Lock()
	defer c.scanCountMu.Unlock()
	return c.scanCount
}

func (c *Cache) adjustScanCount(timedOut bool) {
	c.scanCountMu.Lock()
	defer c.scanCountMu.Unlock()
	if timedOut {
		c.scanCount /= 2
	} else {
		c.scanCount *= 2
	}
	if c.scanCount < 10 {
		c.scanCount = 10
	}
	if c.scanCount > 1000 {
		c.scanCount = 1000
	}
}

// BreakerState exposes the circuit breaker's current state for health
// reporting.
func (c *Cache) BreakerState() resilience.State {
	return c.breaker.State()
}
