package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/symbolcache"
)

var upgrader = websocket.Upgrader{}

func newWSPair(t *testing.T) (*websocket.Conn, *Connection) {
	var serverConn *websocket.Conn
	ready := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = conn
		close(ready)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	<-ready
	return clientConn, NewConnection("c1", serverConn, nil)
}

// TestHub_SubscribeAndFanOut covers the back-pressure path end to end:
// OnProviderEvent only enqueues, delivery happens on the connection's
// RunPump, so a slow subscriber queues up rather than blocking fan-out.
func TestHub_SubscribeAndFanOut(t *testing.T) {
	clientConn, conn := newWSPair(t)
	hub := NewHub(nil, nil, nil)
	hub.Register(conn)

	ack := hub.Subscribe(context.Background(), "c1", domain.CapabilityQuote, "longport", []domain.Symbol{"700.HK"})
	require.Equal(t, []domain.Symbol{"700.HK"}, ack.Accepted)

	hub.OnProviderEvent("700.HK", map[string]interface{}{"price": 123.45})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.RunPump(ctx, "c1", 10*time.Millisecond)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var tick TickMessage
	require.NoError(t, clientConn.ReadJSON(&tick))
	require.Equal(t, TypeTick, tick.Type)
	require.Equal(t, domain.Symbol("700.HK"), tick.Symbol)
	require.Equal(t, 123.45, tick.Data["price"])
}

// TestHub_OnProviderEvent_OnlyEnqueuesUntilPumpRuns confirms OnProviderEvent
// does not write synchronously: with no pump running, the message sits in
// the connection's queue instead of reaching the socket.
func TestHub_OnProviderEvent_OnlyEnqueuesUntilPumpRuns(t *testing.T) {
	clientConn, conn := newWSPair(t)
	hub := NewHub(nil, nil, nil)
	hub.Register(conn)
	hub.Subscribe(context.Background(), "c1", domain.CapabilityQuote, "longport", []domain.Symbol{"700.HK"})

	hub.OnProviderEvent("700.HK", map[string]interface{}{"price": 1.0})

	clientConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var tick TickMessage
	err := clientConn.ReadJSON(&tick)
	require.Error(t, err)

	drained := conn.Drain()
	require.Len(t, drained, 1)
	require.Equal(t, domain.Symbol("700.HK"), drained[0].Symbol)
}

// TestHub_Subscribe_RejectsMalformedSymbol covers the format gate: a
// symbol that doesn't match any known standard format never enters the
// subscription, with no resolver involved.
func TestHub_Subscribe_RejectsMalformedSymbol(t *testing.T) {
	_, conn := newWSPair(t)
	hub := NewHub(nil, nil, nil)
	hub.Register(conn)

	ack := hub.Subscribe(context.Background(), "c1", domain.CapabilityQuote, "longport", []domain.Symbol{"not a symbol!"})
	require.Empty(t, ack.Accepted)
	require.Equal(t, []domain.Symbol{"not a symbol!"}, ack.Rejected)

	require.Empty(t, hub.SubscribedSymbols("c1", domain.CapabilityQuote))
}

type fakeResolver struct {
	resolvable map[domain.Symbol]domain.Symbol
}

func (f fakeResolver) FromStandard(ctx context.Context, provider string, symbols []domain.Symbol) (symbolcache.BatchResult, error) {
	result := symbolcache.BatchResult{Mapping: make(map[domain.Symbol]domain.Symbol)}
	for _, s := range symbols {
		if mapped, ok := f.resolvable[s]; ok {
			result.Mapping[s] = mapped
		} else {
			result.Failed = append(result.Failed, s)
		}
	}
	return result, nil
}

// TestHub_Subscribe_RejectsUnresolvableSymbol covers the resolution gate:
// a well-formed symbol the configured resolver has no mapping for is
// rejected rather than added to the subscription.
func TestHub_Subscribe_RejectsUnresolvableSymbol(t *testing.T) {
	_, conn := newWSPair(t)
	resolver := fakeResolver{resolvable: map[domain.Symbol]domain.Symbol{"700.HK": "00700"}}
	hub := NewHub(nil, resolver, nil)
	hub.Register(conn)

	ack := hub.Subscribe(context.Background(), "c1", domain.CapabilityQuote, "longport", []domain.Symbol{"700.HK", "9999.HK"})
	require.Equal(t, []domain.Symbol{"700.HK"}, ack.Accepted)
	require.Equal(t, []domain.Symbol{"9999.HK"}, ack.Rejected)

	require.Equal(t, []domain.Symbol{"700.HK"}, hub.SubscribedSymbols("c1", domain.CapabilityQuote))
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	_, conn := newWSPair(t)
	hub := NewHub(nil, nil, nil)
	hub.Register(conn)

	hub.Subscribe(context.Background(), "c1", domain.CapabilityQuote, "longport", []domain.Symbol{"700.HK"})
	hub.Unsubscribe("c1", domain.CapabilityQuote, []domain.Symbol{"700.HK"})

	hub.mu.RLock()
	_, stillSubscribed := hub.bySymbol["700.HK"]
	hub.mu.RUnlock()
	require.False(t, stillSubscribed)
}

func TestHub_UnregisterRemovesSymbolIndex(t *testing.T) {
	_, conn := newWSPair(t)
	hub := NewHub(nil, nil, nil)
	hub.Register(conn)

	hub.Subscribe(context.Background(), "c1", domain.CapabilityQuote, "longport", []domain.Symbol{"700.HK"})
	hub.Unregister("c1")

	require.Equal(t, 0, hub.ConnectionCount())
	hub.mu.RLock()
	_, stillIndexed := hub.bySymbol["700.HK"]
	hub.mu.RUnlock()
	require.False(t, stillIndexed)
}

func TestHub_Reconnect_UsesLastReceiveTs(t *testing.T) {
	_, conn := newWSPair(t)
	hub := NewHub(nil, nil, nil)
	hub.Register(conn)
	hub.Subscribe(context.Background(), "c1", domain.CapabilityQuote, "longport", []domain.Symbol{"700.HK"})

	msg := hub.Reconnect("c1", domain.CapabilityQuote)
	require.Equal(t, TypeReconnect, msg.Type)
	require.LessOrEqual(t, msg.FromTs, msg.ToTs)
}
