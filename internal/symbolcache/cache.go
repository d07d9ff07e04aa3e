// Package symbolcache implements the three-level LRU symbol mapper cache
// that translates between client "standard" symbols and provider-native
// symbols, bidirectionally, for single and batch requests.
package symbolcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/obsmetrics"
)

// RuleStore loads the durable SymbolMappingRule document for a provider,
// the source of truth L1 lazily populates from.
type RuleStore interface {
	LoadProviderRules(ctx context.Context, provider string) (*domain.SymbolMappingRule, error)
}

// BatchResult is the shape returned by ToStandard/FromStandard.
type BatchResult struct {
	Mapping   map[domain.Symbol]domain.Symbol
	Failed    []domain.Symbol
	CacheHits int
}

// Cache is the bidirectional three-tier symbol mapper.
type Cache struct {
	ruleStore RuleStore
	metrics   *obsmetrics.Metrics

	mu sync.RWMutex
	l1 *lru.Cache[string, *domain.SymbolMappingRule] // provider -> rule set
	l2 *lru.Cache[string, domain.Symbol]             // (provider,direction,symbol) -> mapped
	l3 *lru.Cache[string, BatchResult]                // (provider,direction,hash) -> batch result
}

// Config sizes the three LRU tiers.
type Config struct {
	L1Size int
	L2Size int
	L3Size int
}

// New builds a Cache backed by ruleStore with the given tier sizes. metrics
// may be nil, in which case lookups go unrecorded.
func New(ruleStore RuleStore, cfg Config, metrics *obsmetrics.Metrics) (*Cache, error) {
	l1, err := lru.New[string, *domain.SymbolMappingRule](nonZero(cfg.L1Size, 100))
	if err != nil {
		return nil, err
	}
	l2, err := lru.New[string, domain.Symbol](nonZero(cfg.L2Size, 5000))
	if err != nil {
		return nil, err
	}
	l3, err := lru.New[string, BatchResult](nonZero(cfg.L3Size, 500))
	if err != nil {
		return nil, err
	}
	return &Cache{ruleStore: ruleStore, metrics: metrics, l1: l1, l2: l2, l3: l3}, nil
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func l2Key(provider string, dir domain.Direction, symbol domain.Symbol) string {
	return provider + "|" + string(dir) + "|" + string(symbol)
}

func batchHash(symbols []domain.Symbol) string {
	sorted := make([]string, len(symbols))
	for i, s := range symbols {
		sorted[i] = string(s)
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

func l3Key(provider string, dir domain.Direction, symbols []domain.Symbol) string {
	return provider + "|" + string(dir) + "|" + batchHash(symbols)
}

// ToStandard translates provider-native symbols to standard symbols.
func (c *Cache) ToStandard(ctx context.Context, provider string, nativeSymbols []domain.Symbol) (BatchResult, error) {
	return c.translate(ctx, provider, domain.DirectionToStandard, nativeSymbols)
}

// FromStandard translates standard symbols to provider-native symbols.
func (c *Cache) FromStandard(ctx context.Context, provider string, standardSymbols []domain.Symbol) (BatchResult, error) {
	return c.translate(ctx, provider, domain.DirectionFromStandard, standardSymbols)
}

func (c *Cache) translate(ctx context.Context, provider string, dir domain.Direction, symbols []domain.Symbol) (BatchResult, error) {
	if len(symbols) == 0 {
		return BatchResult{Mapping: map[domain.Symbol]domain.Symbol{}}, nil
	}

	key := l3Key(provider, dir, symbols)
	if cached, ok := c.l3.Get(key); ok {
		cached.CacheHits = len(symbols)
		c.metrics.RecordSymbolCacheLookup("l3", true)
		return cached, nil
	}
	c.metrics.RecordSymbolCacheLookup("l3", false)

	result := BatchResult{Mapping: make(map[domain.Symbol]domain.Symbol)}
	var residual []domain.Symbol

	for _, sym := range symbols {
		if mapped, ok := c.l2.Get(l2Key(provider, dir, sym)); ok {
			result.Mapping[sym] = mapped
			result.CacheHits++
			c.metrics.RecordSymbolCacheLookup("l2", true)
			continue
		}
		c.metrics.RecordSymbolCacheLookup("l2", false)
		residual = append(residual, sym)
	}

	if len(residual) > 0 {
		ruleSet, err := c.getOrLoadL1(ctx, provider)
		if err != nil {
			return BatchResult{}, err
		}
		index := buildIndex(ruleSet, dir)
		for _, sym := range residual {
			if mapped, ok := index[sym]; ok {
				result.Mapping[sym] = mapped
				c.l2.Add(l2Key(provider, dir, sym), mapped)
			} else {
				result.Failed = append(result.Failed, sym)
			}
		}
	}

	c.l3.Add(key, result)
	c.metrics.RecordSymbolCacheSize("l1", c.l1.Len())
	c.metrics.RecordSymbolCacheSize("l2", c.l2.Len())
	c.metrics.RecordSymbolCacheSize("l3", c.l3.Len())
	return result, nil
}

// buildIndex produces a symbol->symbol lookup for the requested direction
// from a provider's durable rule set. A mapping from a symbol to itself is
// retained (identity mapping) when the rule set records it explicitly.
func buildIndex(ruleSet *domain.SymbolMappingRule, dir domain.Direction) map[domain.Symbol]domain.Symbol {
	index := make(map[domain.Symbol]domain.Symbol, len(ruleSet.Entries))
	for _, e := range ruleSet.Entries {
		if dir == domain.DirectionToStandard {
			index[e.ProviderSymbol] = e.StandardSymbol
		} else {
			index[e.StandardSymbol] = e.ProviderSymbol
		}
	}
	return index
}

func (c *Cache) getOrLoadL1(ctx context.Context, provider string) (*domain.SymbolMappingRule, error) {
	if ruleSet, ok := c.l1.Get(provider); ok {
		return ruleSet, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ruleSet, ok := c.l1.Get(provider); ok {
		return ruleSet, nil
	}

	ruleSet, err := c.ruleStore.LoadProviderRules(ctx, provider)
	if err != nil {
		return nil, err
	}
	c.l1.Add(provider, ruleSet)
	return ruleSet, nil
}

// InvalidateProvider evicts the provider's L1 entry and every L2/L3 entry
// whose key includes that provider, per a change-stream delete/update
// event for the provider's rule document.
func (c *Cache) InvalidateProvider(provider string) {
	c.l1.Remove(provider)
	c.evictByPrefix(provider + "|")
}

func (c *Cache) evictByPrefix(prefix string) {
	for _, key := range c.l2.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.l2.Remove(key)
		}
	}
	for _, key := range c.l3.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.l3.Remove(key)
		}
	}
}

// InvalidateEntry evicts a single provider/symbol's L2 entries in both
// directions, and any L3 batch result that included it is left to expire
// naturally (batch invalidation at that granularity is not tracked).
func (c *Cache) InvalidateEntry(provider string, symbol domain.Symbol) {
	c.l2.Remove(l2Key(provider, domain.DirectionToStandard, symbol))
	c.l2.Remove(l2Key(provider, domain.DirectionFromStandard, symbol))
}
