package orchestrator

import "time"

// Strategy selects how the orchestrator balances freshness against load
// for a given cache key.
type Strategy string

const (
	// StrongTimeliness serves cache only within a short TTL and always
	// triggers a background refresh once served, favoring freshness.
	StrongTimeliness Strategy = "STRONG_TIMELINESS"
	// WeakTimeliness tolerates a long TTL and refreshes only on expiry.
	WeakTimeliness Strategy = "WEAK_TIMELINESS"
	// MarketAware picks the TTL from the market's current trading state:
	// short while trading, long while closed.
	MarketAware Strategy = "MARKET_AWARE"
	// NoCache always invokes the factory, bypassing the cache entirely.
	NoCache Strategy = "NO_CACHE"
	// Adaptive scales TTL and background-refresh aggressiveness to the
	// concurrency controller's current pressure reading.
	Adaptive Strategy = "ADAPTIVE"
)

// MarketStatusSource reports whether a market is currently open, used by
// MarketAware to pick a TTL.
type MarketStatusSource interface {
	IsTrading(market string) bool
}

// StrategyConfig carries the TTLs a Strategy needs.
type StrategyConfig struct {
	StrongTTL        time.Duration
	WeakTTL          time.Duration
	OpenMarketTTL    time.Duration
	ClosedMarketTTL  time.Duration
	AdaptiveBaseTTL  time.Duration
}

// DefaultStrategyConfig mirrors the configured market-hours TTL table.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		StrongTTL:       2 * time.Second,
		WeakTTL:         5 * time.Minute,
		OpenMarketTTL:   2 * time.Second,
		ClosedMarketTTL: 5 * time.Minute,
		AdaptiveBaseTTL: 10 * time.Second,
	}
}

// resolveTTL computes the effective TTL and whether a background refresh
// should be triggered once a value is served, per strategy.
func resolveTTL(strategy Strategy, cfg StrategyConfig, market string, statusSource MarketStatusSource, pressure float64) (ttl time.Duration, backgroundRefresh bool) {
	switch strategy {
	case StrongTimeliness:
		return cfg.StrongTTL, true
	case WeakTimeliness:
		return cfg.WeakTTL, false
	case MarketAware:
		if statusSource != nil && statusSource.IsTrading(market) {
			return cfg.OpenMarketTTL, true
		}
		return cfg.ClosedMarketTTL, false
	case NoCache:
		return 0, false
	case Adaptive:
		ttl := cfg.AdaptiveBaseTTL
		if pressure > 0.8 {
			ttl *= 4
		} else if pressure < 0.2 {
			ttl /= 2
		}
		return ttl, pressure < 0.8
	default:
		return cfg.WeakTTL, false
	}
}
