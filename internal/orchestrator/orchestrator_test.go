package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/marketdata-gateway/internal/storage"
)

func newTestOrchestrator(t *testing.T, statusSource MarketStatusSource) *Orchestrator {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	port := storage.New(storage.NewRedisBackend(client), storage.NewMemoryDocStore(), nil, nil)
	return New(port, statusSource, nil, Config{})
}

type fakeMarketStatus struct {
	open bool
}

func (f fakeMarketStatus) IsTrading(market string) bool {
	return f.open
}

func TestGetOrSet_CacheMissInvokesFactory(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	var calls int64
	result, err := o.GetOrSet(ctx, "k", "", WeakTimeliness, false, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return []byte("v"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "factory", result.Source)
	require.Equal(t, int64(1), calls)

	result, err = o.GetOrSet(ctx, "k", "", WeakTimeliness, false, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "cache", result.Source)
	require.Equal(t, int64(1), calls)
}

// TestGetOrSet_CoalescesConcurrentCallers covers scenario S3: 10 concurrent
// GetOrSet callers for the same missing key invoke factory exactly once,
// and every caller observes the one computed result.
func TestGetOrSet_CoalescesConcurrentCallers(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	var calls int64
	factory := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("computed"), nil
	}

	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := o.GetOrSet(ctx, "shared-key", "", WeakTimeliness, false, factory)
			require.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, r := range results {
		require.Equal(t, "computed", string(r.Data))
	}
}

// TestGetOrSet_MarketAwareSwitchesTTL covers scenario S4: the same key
// under MARKET_AWARE gets a short TTL while the market trades and a long
// TTL once it closes.
func TestGetOrSet_MarketAwareSwitchesTTL(t *testing.T) {
	openSource := fakeMarketStatus{open: true}
	o := newTestOrchestrator(t, openSource)
	ctx := context.Background()

	result, err := o.GetOrSet(ctx, "quote:700.HK", "HK", MarketAware, false, func(ctx context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)
	require.Equal(t, o.strategyCfg.OpenMarketTTL, result.TTLRemaining)

	closedOrchestrator := newTestOrchestrator(t, fakeMarketStatus{open: false})
	result, err = closedOrchestrator.GetOrSet(ctx, "quote:700.HK", "HK", MarketAware, false, func(ctx context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)
	require.Equal(t, closedOrchestrator.strategyCfg.ClosedMarketTTL, result.TTLRemaining)
	require.Greater(t, closedOrchestrator.strategyCfg.ClosedMarketTTL, o.strategyCfg.OpenMarketTTL)
}

func TestGetOrSet_NoCacheAlwaysInvokesFactory(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	var calls int64
	factory := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		return []byte("v"), nil
	}

	_, err := o.GetOrSet(ctx, "k", "", NoCache, false, factory)
	require.NoError(t, err)
	_, err = o.GetOrSet(ctx, "k", "", NoCache, false, factory)
	require.NoError(t, err)
	require.Equal(t, int64(2), calls)
}

func TestGetOrSet_FallsBackToStaleOnFactoryFailure(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	result, err := o.GetOrSet(ctx, "k", "", StrongTimeliness, true, func(ctx context.Context) ([]byte, error) {
		return []byte("good-value"), nil
	})
	require.NoError(t, err)
	require.Equal(t, "factory", result.Source)

	require.NoError(t, o.port.Delete(ctx, "k"))

	result, err = o.GetOrSet(ctx, "k", "", StrongTimeliness, true, func(ctx context.Context) ([]byte, error) {
		return nil, &testError{"factory failed"}
	})
	require.NoError(t, err)
	require.Equal(t, "stale_fallback", result.Source)
	require.Equal(t, "good-value", string(result.Data))
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestBatchGetOrSet_GroupsMissedKeys(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	require.NoError(t, o.port.Set(ctx, "a", []byte("cached-a"), time.Minute, storage.WriteBoth))

	results, err := o.BatchGetOrSet(ctx, []string{"a", "b"}, "", WeakTimeliness, false, func(ctx context.Context, missed []string) (map[string][]byte, error) {
		require.Equal(t, []string{"b"}, missed)
		return map[string][]byte{"b": []byte("fresh-b")}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "cached-a", string(results["a"].Data))
	require.Equal(t, "fresh-b", string(results["b"].Data))
}
