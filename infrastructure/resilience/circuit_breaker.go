// Package resilience guards the gateway's dependencies — the Data Mapper
// Cache's SCAN invalidation path and each stream connection's dispatch
// loop — against cascading failure, and retries transient backend calls
// with exponential backoff.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of a CircuitBreaker's three states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned by Execute while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when a half-open breaker's probe
	// budget is exhausted for the current recovery attempt.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config parameterizes a CircuitBreaker. Name distinguishes breaker
// instances in logs and metrics — the gateway runs one per data mapper
// cache (guarding SCAN) plus one per live stream connection (guarding
// dispatch), so an anonymous breaker would make diagnosing a trip
// ambiguous.
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the constants spec.md §4.C/§4.F require: five
// failures to trip, a 30s open window, three half-open probes.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker is a closed/open/half_open guard around a dependency.
type CircuitBreaker struct {
	cfg Config

	mu           sync.RWMutex
	state        State
	failures     int
	probeSuccess int
	halfOpenUsed int
	trippedAt    time.Time
}

// New builds a CircuitBreaker in the closed state.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Counts is a point-in-time snapshot of a breaker's internal counters,
// for health/diagnostic surfaces.
type Counts struct {
	Name              string
	State             State
	ConsecutiveFails  int
	HalfOpenProbes    int
	HalfOpenSucceeded int
}

// Snapshot reports cb's current counters.
func (cb *CircuitBreaker) Snapshot() Counts {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Counts{
		Name:              cb.cfg.Name,
		State:             cb.state,
		ConsecutiveFails:  cb.failures,
		HalfOpenProbes:    cb.halfOpenUsed,
		HalfOpenSucceeded: cb.probeSuccess,
	}
}

// Execute runs fn under the breaker's protection: rejected outright while
// open, admitted as a bounded probe while half-open, and admitted freely
// while closed. The outcome of a fn that returns feeds back into the
// state machine through settle. A fn that panics skips settle and leaves
// the breaker's counters exactly where Execute found them; callers that
// need panic safety recover above Execute.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()
	cb.settle(err == nil)
	return err
}

// admit decides whether a call may proceed, transitioning open→half_open
// once the recovery timeout has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.trippedAt) <= cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenUsed = 1
		return nil
	case StateHalfOpen:
		if cb.halfOpenUsed >= cb.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenUsed++
	}
	return nil
}

// settle records a call's outcome against the state machine.
func (cb *CircuitBreaker) settle(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ok {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.probeSuccess++
		if cb.probeSuccess >= cb.cfg.HalfOpenMax {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.trippedAt = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen)
		}
	}
}

// transition moves the breaker to newState, resetting the per-state
// counters and firing the configured OnStateChange hook (used to log the
// transition and update the breaker-state gauge) off the critical path.
func (cb *CircuitBreaker) transition(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.failures = 0
	cb.probeSuccess = 0
	cb.halfOpenUsed = 0

	if cb.cfg.OnStateChange != nil {
		name := cb.cfg.Name
		go cb.cfg.OnStateChange(name, old, newState)
	}
}
