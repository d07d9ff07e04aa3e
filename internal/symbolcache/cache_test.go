package symbolcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

type fakeRuleStore struct {
	rules map[string]*domain.SymbolMappingRule
	loads int
}

func (f *fakeRuleStore) LoadProviderRules(ctx context.Context, provider string) (*domain.SymbolMappingRule, error) {
	f.loads++
	return f.rules[provider], nil
}

func newTestCache(t *testing.T) (*Cache, *fakeRuleStore) {
	store := &fakeRuleStore{
		rules: map[string]*domain.SymbolMappingRule{
			"longport": {
				Provider: "longport",
				Entries: []domain.SymbolMapEntry{
					{Provider: "longport", StandardSymbol: "700.HK", ProviderSymbol: "700"},
					{Provider: "longport", StandardSymbol: "700.HK", ProviderSymbol: "0700"},
					{Provider: "longport", StandardSymbol: "AAPL.US", ProviderSymbol: "AAPL"},
				},
			},
		},
	}
	cache, err := New(store, Config{}, nil)
	require.NoError(t, err)
	return cache, store
}

// TestToStandard_BatchColdThenWarm covers scenario S1 from the spec.
func TestToStandard_BatchColdThenWarm(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	result, err := cache.ToStandard(ctx, "longport", []domain.Symbol{"700", "0700", "AAPL", "MSFT"})
	require.NoError(t, err)
	require.Equal(t, domain.Symbol("700.HK"), result.Mapping["700"])
	require.Equal(t, domain.Symbol("700.HK"), result.Mapping["0700"])
	require.Equal(t, domain.Symbol("AAPL.US"), result.Mapping["AAPL"])
	require.Equal(t, []domain.Symbol{"MSFT"}, result.Failed)
	require.Equal(t, 0, result.CacheHits)

	rerun, err := cache.ToStandard(ctx, "longport", []domain.Symbol{"700", "0700", "AAPL", "MSFT"})
	require.NoError(t, err)
	require.Equal(t, 4, rerun.CacheHits)
}

func TestFromStandard_RoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	toStd, err := cache.ToStandard(ctx, "longport", []domain.Symbol{"700"})
	require.NoError(t, err)
	standard := toStd.Mapping["700"]

	fromStd, err := cache.FromStandard(ctx, "longport", []domain.Symbol{standard})
	require.NoError(t, err)
	require.Contains(t, []domain.Symbol{"700", "0700"}, fromStd.Mapping[standard])
}

func TestInvalidateProvider_EvictsAllTiers(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	_, err := cache.ToStandard(ctx, "longport", []domain.Symbol{"700"})
	require.NoError(t, err)
	require.Equal(t, 1, store.loads)

	cache.InvalidateProvider("longport")

	_, err = cache.ToStandard(ctx, "longport", []domain.Symbol{"700"})
	require.NoError(t, err)
	require.Equal(t, 2, store.loads)
}

func TestInvalidateProvider_Idempotent(t *testing.T) {
	cache, _ := newTestCache(t)
	cache.InvalidateProvider("longport")
	cache.InvalidateProvider("longport")
}
