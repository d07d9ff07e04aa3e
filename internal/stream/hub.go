package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/infrastructure/resilience"
	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/obsmetrics"
	"github.com/quotewire/marketdata-gateway/internal/symbolcache"
)

// SymbolResolver resolves standard symbols to their provider-native
// mapping, so Subscribe can reject a symbol no rule covers for provider.
// *symbolcache.Cache satisfies this.
type SymbolResolver interface {
	FromStandard(ctx context.Context, provider string, standardSymbols []domain.Symbol) (symbolcache.BatchResult, error)
}

// Hub tracks live connections and the reverse index from standard symbol
// to the connections subscribed to it, so an inbound ProviderEvent can be
// fanned out without scanning every connection.
type Hub struct {
	logger   *logging.Logger
	resolver SymbolResolver
	metrics  *obsmetrics.Metrics

	mu          sync.RWMutex
	connections map[string]*Connection
	bySymbol    map[domain.Symbol]map[string]struct{} // symbol -> connection IDs
}

// NewHub creates an empty Hub. resolver may be nil, in which case Subscribe
// only enforces symbol format, skipping provider-resolvability checks.
// metrics may be nil, in which case dispatch/connection counters go
// unrecorded.
func NewHub(logger *logging.Logger, resolver SymbolResolver, metrics *obsmetrics.Metrics) *Hub {
	return &Hub{
		logger:      logger,
		resolver:    resolver,
		metrics:     metrics,
		connections: make(map[string]*Connection),
		bySymbol:    make(map[domain.Symbol]map[string]struct{}),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID] = conn
	h.metrics.RecordStreamConnections(len(h.connections))
}

// Unregister removes a connection and every symbol subscription it held.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, connID)
	for symbol, members := range h.bySymbol {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.bySymbol, symbol)
		}
	}
	h.metrics.RecordStreamConnections(len(h.connections))
}

// Subscribe validates symbols before adding anything to connID's
// subscription for capability: a symbol must match a known standard
// symbol format, and when a SymbolResolver is configured, must also
// resolve to a provider-native symbol for provider. Only symbols passing
// both checks are added; everything else comes back in Rejected, and a
// subscription may never hold a symbol that failed either gate.
func (h *Hub) Subscribe(ctx context.Context, connID string, capability domain.WSCapabilityType, provider string, symbols []domain.Symbol) SubscribeAckMessage {
	h.mu.RLock()
	_, connected := h.connections[connID]
	h.mu.RUnlock()
	if !connected {
		return SubscribeAckMessage{Type: TypeSubscribeAck, Rejected: symbols}
	}

	var formatValid, rejected []domain.Symbol
	for _, symbol := range symbols {
		if domain.IsValidStandardSymbol(symbol) {
			formatValid = append(formatValid, symbol)
		} else {
			rejected = append(rejected, symbol)
		}
	}

	accepted := formatValid
	if h.resolver != nil && len(formatValid) > 0 {
		result, err := h.resolver.FromStandard(ctx, provider, formatValid)
		if err != nil {
			rejected = append(rejected, formatValid...)
			accepted = nil
		} else {
			accepted = make([]domain.Symbol, 0, len(formatValid))
			for _, symbol := range formatValid {
				if _, ok := result.Mapping[symbol]; ok {
					accepted = append(accepted, symbol)
				} else {
					rejected = append(rejected, symbol)
				}
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connID]
	if !ok {
		return SubscribeAckMessage{Type: TypeSubscribeAck, Rejected: symbols}
	}

	sub := conn.Subscription(capability)
	if sub.PreferredProvider == "" {
		sub.PreferredProvider = provider
	}

	for _, symbol := range accepted {
		sub.Symbols[symbol] = struct{}{}
		if h.bySymbol[symbol] == nil {
			h.bySymbol[symbol] = make(map[string]struct{})
		}
		h.bySymbol[symbol][connID] = struct{}{}
	}

	return SubscribeAckMessage{Type: TypeSubscribeAck, Accepted: accepted, Rejected: rejected}
}

// Unsubscribe removes symbols from connID's subscription for capability.
func (h *Hub) Unsubscribe(connID string, capability domain.WSCapabilityType, symbols []domain.Symbol) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connID]
	if !ok {
		return
	}
	sub, ok := conn.subscriptions[capability]
	if !ok {
		return
	}
	for _, symbol := range symbols {
		delete(sub.Symbols, symbol)
		if members, ok := h.bySymbol[symbol]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(h.bySymbol, symbol)
			}
		}
	}
}

// OnProviderEvent fans a mapped tick out to every connection subscribed
// to symbol, enqueuing onto each connection's bounded outbound queue
// rather than writing synchronously, so one slow client can't stall
// delivery to the others. The actual socket write, and the resulting
// per-subscription health update, happen later on that connection's
// RunPump.
func (h *Hub) OnProviderEvent(symbol domain.Symbol, mapped map[string]interface{}) {
	h.mu.RLock()
	members := h.bySymbol[symbol]
	conns := make([]*Connection, 0, len(members))
	for connID := range members {
		if conn, ok := h.connections[connID]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	tick := TickMessage{Type: TypeTick, Symbol: symbol, Data: mapped, Timestamp: time.Now().UnixMilli()}
	payload, err := json.Marshal(tick)
	if err != nil {
		return
	}
	for _, conn := range conns {
		conn.EnqueueTick(payload, symbol)
	}
}

func (h *Hub) recordError(conn *Connection, symbol domain.Symbol) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range conn.subscriptions {
		if _, has := sub.Symbols[symbol]; has {
			sub.ConsecutiveErrors++
			sub.TotalErrors++
			sub.Health = gradeHealth(sub)
		}
	}
}

func (h *Hub) recordSuccess(conn *Connection, symbol domain.Symbol) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range conn.subscriptions {
		if _, has := sub.Symbols[symbol]; has {
			sub.ConsecutiveErrors = 0
			sub.LastReceiveTs = time.Now()
			sub.Health = gradeHealth(sub)
		}
	}
}

func gradeHealth(sub *domain.Subscription) domain.Health {
	switch {
	case sub.ConsecutiveErrors == 0:
		return domain.HealthExcellent
	case sub.ConsecutiveErrors < 3:
		return domain.HealthGood
	case sub.ConsecutiveErrors < maxConsecutiveFailures:
		return domain.HealthPoor
	default:
		return domain.HealthCritical
	}
}

// Reconnect builds the recovery time range a reconnecting client should
// request, anchored on its previous subscription's LastReceiveTs.
func (h *Hub) Reconnect(connID string, capability domain.WSCapabilityType) ReconnectMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.connections[connID]
	if !ok {
		return ReconnectMessage{Type: TypeReconnect, FromTs: time.Now().UnixMilli(), ToTs: time.Now().UnixMilli()}
	}
	sub, ok := conn.subscriptions[capability]
	if !ok {
		return ReconnectMessage{Type: TypeReconnect, FromTs: time.Now().UnixMilli(), ToTs: time.Now().UnixMilli()}
	}
	return ReconnectMessage{Type: TypeReconnect, FromTs: sub.LastReceiveTs.UnixMilli(), ToTs: time.Now().UnixMilli()}
}

// SubscribedSymbols returns the symbols connID currently holds a
// subscription for under capability, for recovery job construction on
// reconnect.
func (h *Hub) SubscribedSymbols(connID string, capability domain.WSCapabilityType) []domain.Symbol {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.connections[connID]
	if !ok {
		return nil
	}
	sub, ok := conn.subscriptions[capability]
	if !ok {
		return nil
	}
	symbols := make([]domain.Symbol, 0, len(sub.Symbols))
	for symbol := range sub.Symbols {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ConnectionCount reports how many connections are registered.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Enqueue queues payload for connID's outbound queue, for delivery by that
// connection's writer pump. Used by the recovery engine's Sink to deliver
// RecoveryDataMessage/RecoveryFailureMessage frames without competing with
// live tick dispatch for the socket.
func (h *Hub) Enqueue(connID string, payload []byte, isRecovery bool) error {
	h.mu.RLock()
	conn, ok := h.connections[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stream: connection %q is not registered", connID)
	}
	conn.Enqueue(payload, isRecovery)
	return nil
}

// RunPump drains connID's outbound queue onto its socket every interval
// until ctx is cancelled or the connection is unregistered. One pump runs
// per connection so a slow or broken socket's retries never block fan-out
// to other subscribers.
func (h *Hub) RunPump(ctx context.Context, connID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			conn, ok := h.connections[connID]
			h.mu.RUnlock()
			if !ok {
				return
			}
			for _, msg := range conn.Drain() {
				err := conn.WriteRaw(msg.Payload)
				h.metrics.RecordStreamDispatch(err == nil)
				if err != nil {
					if h.logger != nil {
						h.logger.LogStreamEvent(ctx, connID, "dispatch_error", err)
					}
					if conn.BreakerState() == resilience.StateOpen {
						h.metrics.RecordStreamBreakerOpen()
					}
				}
				if msg.Symbol != "" {
					if err != nil {
						h.recordError(conn, msg.Symbol)
					} else {
						h.recordSuccess(conn, msg.Symbol)
					}
				}
			}
		}
	}
}
