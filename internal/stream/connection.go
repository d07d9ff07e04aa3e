package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/infrastructure/resilience"
	"github.com/quotewire/marketdata-gateway/internal/domain"
)

const (
	maxConsecutiveFailures = 5
	maxCumulativeFailures  = 10
	queueCapacity          = 256
	writeTimeout           = 5 * time.Second
)

// Connection wraps one client WebSocket, its subscription state, a
// bounded outbound queue, and a circuit breaker that trips after
// repeated write failures.
type Connection struct {
	ID     string
	conn   *websocket.Conn
	logger *logging.Logger

	breaker    *resilience.CircuitBreaker
	cumulative int
	breakerMu  sync.Mutex

	mu            sync.Mutex
	subscriptions map[domain.WSCapabilityType]*domain.Subscription

	queueMu       sync.Mutex
	queue         []queuedMessage
	memoryWarned  bool

	closed chan struct{}
}

type queuedMessage struct {
	payload    []byte
	isRecovery bool
	symbol     domain.Symbol // empty for recovery/non-tick payloads
}

// OutboundMessage is one drained queue entry: its wire payload plus, for
// live ticks, the symbol it carries so the pump can attribute the write
// outcome back to the right per-symbol subscription health.
type OutboundMessage struct {
	Payload []byte
	Symbol  domain.Symbol
}

// NewConnection wraps conn for clientID.
func NewConnection(clientID string, conn *websocket.Conn, logger *logging.Logger) *Connection {
	cfg := resilience.DefaultConfig()
	cfg.Name = "stream_connection_" + clientID
	cfg.Timeout = 60 * time.Second
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		if logger != nil {
			logger.LogCircuitBreakerTransition(context.Background(), name, from.String(), to.String())
		}
	}
	return &Connection{
		ID:            clientID,
		conn:          conn,
		logger:        logger,
		breaker:       resilience.New(cfg),
		subscriptions: make(map[domain.WSCapabilityType]*domain.Subscription),
		closed:        make(chan struct{}),
	}
}

// Subscription returns the subscription for capability, creating one if
// absent.
func (c *Connection) Subscription(capability domain.WSCapabilityType) *domain.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subscriptions[capability]
	if !ok {
		sub = domain.NewSubscription(c.ID, capability)
		c.subscriptions[capability] = sub
	}
	return sub
}

// Enqueue appends a message to the outbound queue. When the queue is at
// capacity, the oldest non-recovery message is evicted first so recovery
// replay traffic is not silently dropped in favor of live ticks; if every
// queued message is recovery traffic, the oldest of those is dropped.
// Either way a memory_warning event is logged once per overflow episode.
func (c *Connection) Enqueue(payload []byte, isRecovery bool) {
	c.enqueue(payload, isRecovery, "")
}

// EnqueueTick queues a live tick payload for symbol, same back-pressure
// rules as Enqueue, but carries symbol through to Drain so the writer
// pump can attribute the write outcome to the right subscription.
func (c *Connection) EnqueueTick(payload []byte, symbol domain.Symbol) {
	c.enqueue(payload, false, symbol)
}

func (c *Connection) enqueue(payload []byte, isRecovery bool, symbol domain.Symbol) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) >= queueCapacity {
		evicted := c.evictOldestNonRecoveryLocked()
		if !evicted {
			c.queue = c.queue[1:]
		}
		if !c.memoryWarned {
			c.memoryWarned = true
			if c.logger != nil {
				c.logger.LogStreamEvent(context.Background(), c.ID, "memory_warning", nil)
			}
		}
	} else {
		c.memoryWarned = false
	}

	c.queue = append(c.queue, queuedMessage{payload: payload, isRecovery: isRecovery, symbol: symbol})
}

func (c *Connection) evictOldestNonRecoveryLocked() bool {
	for i, m := range c.queue {
		if !m.isRecovery {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Drain pops every currently queued message for writing.
func (c *Connection) Drain() []OutboundMessage {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	out := make([]OutboundMessage, len(c.queue))
	for i, m := range c.queue {
		out[i] = OutboundMessage{Payload: m.payload, Symbol: m.symbol}
	}
	c.queue = nil
	return out
}

// WriteJSON sends v through the circuit breaker, recording the outcome
// against both the breaker's consecutive-failure count and this
// connection's cumulative failure count.
func (c *Connection) WriteJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(payload)
}

// WriteRaw sends an already-serialized payload through the same breaker
// path as WriteJSON. Enqueue/Drain callers (recovery replay, queued
// back-pressure delivery) use this to avoid double-marshaling a payload
// that was serialized when it was queued.
func (c *Connection) WriteRaw(payload []byte) error {
	return c.breaker.Execute(context.Background(), func() error {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		writeErr := c.conn.WriteMessage(websocket.TextMessage, payload)
		c.recordOutcome(writeErr == nil)
		return writeErr
	})
}

// recordOutcome tracks lifetime cumulative failures alongside the
// breaker's own consecutive-failure count, and force-trips the breaker
// once the cumulative threshold is reached even if intervening successes
// keep resetting the consecutive streak below its own threshold.
// Cumulative never resets on success: it measures how unreliable the
// connection has been overall, not just its current streak.
func (c *Connection) recordOutcome(success bool) {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()

	if success {
		return
	}

	c.cumulative++
	if c.cumulative >= maxCumulativeFailures && c.breaker.State() != resilience.StateOpen {
		for i := 0; i < maxConsecutiveFailures && c.breaker.State() != resilience.StateOpen; i++ {
			_ = c.breaker.Execute(context.Background(), func() error { return errForcedOpen })
		}
	}
}

var errForcedOpen = &forcedOpenError{}

type forcedOpenError struct{}

func (*forcedOpenError) Error() string { return "connection circuit forced open: cumulative failure threshold exceeded" }

// BreakerState reports the connection's circuit breaker state.
func (c *Connection) BreakerState() resilience.State {
	return c.breaker.State()
}

// Close marks the connection closed and closes the underlying socket.
func (c *Connection) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.conn.Close()
}
