package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotewire/marketdata-gateway/infrastructure/resilience"
	"github.com/quotewire/marketdata-gateway/internal/domain"
)

func newBareConnection() *Connection {
	cfg := resilience.DefaultConfig()
	cfg.Timeout = 60 * time.Second
	return &Connection{
		ID:            "c1",
		breaker:       resilience.New(cfg),
		subscriptions: make(map[domain.WSCapabilityType]*domain.Subscription),
		closed:        make(chan struct{}),
	}
}

func TestEnqueue_EvictsOldestNonRecoveryFirst(t *testing.T) {
	conn := newBareConnection()

	for i := 0; i < queueCapacity; i++ {
		conn.Enqueue([]byte("live"), false)
	}
	conn.Enqueue([]byte("recovery-1"), true)
	conn.Enqueue([]byte("new-live"), false)

	drained := conn.Drain()
	require.Len(t, drained, queueCapacity)
	require.Equal(t, "recovery-1", string(drained[len(drained)-2].Payload))
	require.Equal(t, "new-live", string(drained[len(drained)-1].Payload))
}

func TestEnqueue_DropsOldestRecoveryWhenQueueIsAllRecovery(t *testing.T) {
	conn := newBareConnection()

	for i := 0; i < queueCapacity; i++ {
		conn.Enqueue([]byte("recovery"), true)
	}
	conn.Enqueue([]byte("newest-recovery"), true)

	drained := conn.Drain()
	require.Len(t, drained, queueCapacity)
	require.Equal(t, "newest-recovery", string(drained[len(drained)-1].Payload))
}

func TestRecordOutcome_ForceOpensOnCumulativeThreshold(t *testing.T) {
	conn := newBareConnection()

	// Interleave successes so the breaker's own consecutive-failure count
	// never reaches its threshold on its own.
	for i := 0; i < maxCumulativeFailures; i++ {
		conn.recordOutcome(false)
		conn.recordOutcome(true)
		conn.recordOutcome(false)
	}

	require.Equal(t, resilience.StateOpen, conn.BreakerState())
}
