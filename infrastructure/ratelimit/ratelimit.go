// Package ratelimit throttles the recovery engine's historical-data
// replay so a reconnect storm refilling many clients at once never
// exceeds the provider backend's sustained request budget.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config sets the steady-state replay rate and the burst allowance on
// top of it.
type Config struct {
	ReplayPerSecond float64
	Burst           int
}

// DefaultConfig matches spec.md's recovery replay defaults: ten
// data-batches per second, bursting to twenty.
func DefaultConfig() Config {
	return Config{
		ReplayPerSecond: 10,
		Burst:           20,
	}
}

// RateLimiter throttles recovery batch delivery with a token bucket. It
// also tracks how many times a caller found the bucket empty, so the
// recovery engine can report sustained throttling rather than only
// individual hits.
type RateLimiter struct {
	bucket        *rate.Limiter
	throttledHits int64
}

// New builds a RateLimiter from cfg, falling back to DefaultConfig's
// rate when cfg.ReplayPerSecond is non-positive.
func New(cfg Config) *RateLimiter {
	if cfg.ReplayPerSecond <= 0 {
		cfg.ReplayPerSecond = DefaultConfig().ReplayPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.ReplayPerSecond * 2)
	}
	return &RateLimiter{bucket: rate.NewLimiter(rate.Limit(cfg.ReplayPerSecond), cfg.Burst)}
}

// Wait blocks until the bucket admits one token or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.bucket.Wait(ctx)
}

// LimitExceeded reports whether the bucket is currently empty, without
// consuming a token. Each true result increments the throttled-hit
// counter Hits reports.
func (r *RateLimiter) LimitExceeded() bool {
	reservation := r.bucket.ReserveN(time.Now(), 1)
	delay := reservation.Delay()
	reservation.Cancel()
	if delay > 0 {
		atomic.AddInt64(&r.throttledHits, 1)
		return true
	}
	return false
}

// Hits reports how many times LimitExceeded has observed an empty
// bucket since the limiter was built.
func (r *RateLimiter) Hits() int64 {
	return atomic.LoadInt64(&r.throttledHits)
}
