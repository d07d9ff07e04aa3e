// Package orchestrator implements the smart cache orchestrator: it
// chooses per-request TTL and background-refresh behavior from one of
// five strategies, delegates storage to the storage port, and falls back
// to a stale cached value when the factory fails.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/internal/storage"
)

// Factory produces the authoritative value for key on a cache miss or
// scheduled refresh.
type Factory func(ctx context.Context) ([]byte, error)

// Result is what GetOrSet reports back to the caller.
type Result struct {
	Data                      []byte
	Hit                       bool
	Source                    string // "cache", "factory", or "stale_fallback"
	TTLRemaining              time.Duration
	BackgroundRefreshTriggered bool
}

// Orchestrator is the smart cache.
type Orchestrator struct {
	port        *storage.Port
	concurrency *ConcurrencyController
	strategyCfg StrategyConfig
	statusSource MarketStatusSource
	logger      *logging.Logger

	refreshMu sync.Mutex
	inFlight  map[string]struct{}

	missMu       sync.Mutex
	missInFlight map[string]*missCall
}

// missCall is the shared outcome of a single coalesced miss-path factory
// invocation; every concurrent GetOrSet caller for the same key blocks on
// done and then reads the same result/err.
type missCall struct {
	done   chan struct{}
	result Result
	err    error
}

// Config configures an Orchestrator.
type Config struct {
	Strategy        Strategy
	EnableFallback  bool
	BackgroundBase  int
	StrategyConfig  StrategyConfig
}

// New builds an Orchestrator over port.
func New(port *storage.Port, statusSource MarketStatusSource, logger *logging.Logger, cfg Config) *Orchestrator {
	if cfg.StrategyConfig == (StrategyConfig{}) {
		cfg.StrategyConfig = DefaultStrategyConfig()
	}
	return &Orchestrator{
		port:         port,
		concurrency:  NewConcurrencyController(cfg.BackgroundBase),
		strategyCfg:  cfg.StrategyConfig,
		statusSource: statusSource,
		logger:       logger,
		inFlight:     make(map[string]struct{}),
		missInFlight: make(map[string]*missCall),
	}
}

// GetOrSet resolves key under strategy, using factory to produce a value
// on a miss. A miss is resolved under a per-key coalescing lock: concurrent
// GetOrSet callers for the same missing key share a single factory
// invocation rather than each triggering their own. When the factory fails
// and fallback is enabled, a stale cached value (if any) is returned
// instead of propagating the error.
func (o *Orchestrator) GetOrSet(ctx context.Context, key, market string, strategy Strategy, enableFallback bool, factory Factory) (Result, error) {
	ttl, backgroundRefresh := resolveTTL(strategy, o.strategyCfg, market, o.statusSource, o.pressure())

	if strategy == NoCache {
		data, err := factory(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data, Source: "factory"}, nil
	}

	data, ok, err := o.port.Get(ctx, key)
	if err == nil && ok {
		if backgroundRefresh {
			o.triggerBackgroundRefresh(key, ttl, factory)
		}
		return Result{Data: data, Hit: true, Source: "cache", TTLRemaining: ttl, BackgroundRefreshTriggered: backgroundRefresh}, nil
	}

	return o.coalescedMiss(ctx, key, ttl, enableFallback, factory)
}

// coalescedMiss runs factory under a per-key lock so that concurrent
// GetOrSet callers for the same missing key invoke factory exactly once;
// every other concurrent caller blocks on the first call's result instead
// of issuing its own redundant upstream fetch.
func (o *Orchestrator) coalescedMiss(ctx context.Context, key string, ttl time.Duration, enableFallback bool, factory Factory) (Result, error) {
	o.missMu.Lock()
	if call, running := o.missInFlight[key]; running {
		o.missMu.Unlock()
		<-call.done
		return call.result, call.err
	}

	call := &missCall{done: make(chan struct{})}
	o.missInFlight[key] = call
	o.missMu.Unlock()

	call.result, call.err = o.fetchAndStore(ctx, key, ttl, enableFallback, factory)
	close(call.done)

	o.missMu.Lock()
	delete(o.missInFlight, key)
	o.missMu.Unlock()

	return call.result, call.err
}

// fetchAndStore runs factory once for key, persists the result under
// WriteBoth plus its stale shadow entry when enabled, and on factory
// failure falls back to the stale shadow entry if fallback is enabled.
func (o *Orchestrator) fetchAndStore(ctx context.Context, key string, ttl time.Duration, enableFallback bool, factory Factory) (Result, error) {
	fresh, ferr := factory(ctx)
	if ferr != nil {
		if enableFallback {
			if stale, staleOK, staleErr := o.port.Get(ctx, staleShadowKey(key)); staleErr == nil && staleOK {
				if o.logger != nil {
					o.logger.LogCacheEvent(ctx, "orchestrator", "stale_fallback", key, 0)
				}
				return Result{Data: stale, Hit: true, Source: "stale_fallback"}, nil
			}
		}
		return Result{}, ferr
	}

	if err := o.port.Set(ctx, key, fresh, ttl, storage.WriteBoth); err != nil {
		return Result{}, err
	}
	if enableFallback {
		_ = o.port.Set(ctx, staleShadowKey(key), fresh, 0, storage.WritePersistentOnly)
	}
	return Result{Data: fresh, Source: "factory", TTLRemaining: ttl}, nil
}

// staleShadowKey is where the last successfully fetched value for key is
// durably held, with no expiry, so GetOrSet can still serve it after the
// live entry expires and a subsequent factory call fails.
func staleShadowKey(key string) string {
	return key + "::stale"
}

// BatchGetOrSet resolves many keys, grouping factory calls for misses so
// callers can batch upstream requests instead of issuing one per key.
func (o *Orchestrator) BatchGetOrSet(ctx context.Context, keys []string, market string, strategy Strategy, enableFallback bool, batchFactory func(ctx context.Context, missed []string) (map[string][]byte, error)) (map[string]Result, error) {
	results := make(map[string]Result, len(keys))
	var missed []string

	ttl, backgroundRefresh := resolveTTL(strategy, o.strategyCfg, market, o.statusSource, o.pressure())

	if strategy != NoCache {
		for _, key := range keys {
			data, ok, err := o.port.Get(ctx, key)
			if err == nil && ok {
				results[key] = Result{Data: data, Hit: true, Source: "cache", TTLRemaining: ttl, BackgroundRefreshTriggered: backgroundRefresh}
				continue
			}
			missed = append(missed, key)
		}
	} else {
		missed = keys
	}

	if len(missed) == 0 {
		return results, nil
	}

	fresh, err := batchFactory(ctx, missed)
	if err != nil {
		if enableFallback {
			for _, key := range missed {
				if stale, ok, staleErr := o.port.Get(ctx, staleShadowKey(key)); staleErr == nil && ok {
					results[key] = Result{Data: stale, Hit: true, Source: "stale_fallback"}
				}
			}
			if len(results) > 0 {
				return results, nil
			}
		}
		return nil, err
	}

	for key, data := range fresh {
		if strategy != NoCache {
			if err := o.port.Set(ctx, key, data, ttl, storage.WriteBoth); err != nil {
				return nil, err
			}
			if enableFallback {
				_ = o.port.Set(ctx, staleShadowKey(key), data, 0, storage.WritePersistentOnly)
			}
		}
		results[key] = Result{Data: data, Source: "factory", TTLRemaining: ttl}
	}
	return results, nil
}

func (o *Orchestrator) triggerBackgroundRefresh(key string, ttl time.Duration, factory Factory) {
	o.refreshMu.Lock()
	if _, running := o.inFlight[key]; running {
		o.refreshMu.Unlock()
		return
	}
	o.inFlight[key] = struct{}{}
	o.refreshMu.Unlock()

	o.concurrency.Acquire()
	go func() {
		defer o.concurrency.Release()
		defer func() {
			o.refreshMu.Lock()
			delete(o.inFlight, key)
			o.refreshMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		data, err := factory(ctx)
		if err != nil {
			if o.logger != nil {
				o.logger.LogCacheEvent(ctx, "orchestrator", "background_refresh_failed", key, 0)
			}
			return
		}
		_ = o.port.Set(ctx, key, data, ttl, storage.WriteBoth)
	}()
}

// pressure reads the concurrency controller's current memory-pressure
// signal, which the Adaptive strategy uses to scale its TTL.
func (o *Orchestrator) pressure() float64 {
	return o.concurrency.Pressure()
}

// StartConcurrencyController begins the background CPU/memory poller that
// resizes the background-refresh concurrency bound (§5's adaptive
// controller). Callers should invoke the returned stop function during
// graceful shutdown.
func (o *Orchestrator) StartConcurrencyController() func() {
	return o.concurrency.Start()
}

// ConcurrencyBound reports the controller's current background-refresh
// concurrency bound, for health/diagnostic surfaces.
func (o *Orchestrator) ConcurrencyBound() int {
	return o.concurrency.Current()
}
