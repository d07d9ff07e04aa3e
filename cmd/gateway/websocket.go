package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/infrastructure/utils"
	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/recovery"
	"github.com/quotewire/marketdata-gateway/internal/stream"
)

const pumpInterval = 100 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsServer wires the stream hub and recovery engine to inbound WebSocket
// connections: it upgrades the HTTP request, registers the connection
// with the hub, starts its write pump, and dispatches subscribe/reconnect
// frames off the read loop until the socket closes.
type wsServer struct {
	hub      *stream.Hub
	recovery *recovery.Engine
	logger   *logging.Logger
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(r.Context(), "websocket upgrade failed", err, nil)
		}
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = logging.NewTraceID()
	}

	wrapped := stream.NewConnection(clientID, conn, s.logger)
	s.hub.Register(wrapped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	utils.SafeGo(func() { s.hub.RunPump(ctx, clientID, pumpInterval) }, func(err error) {
		if s.logger != nil {
			s.logger.Error(ctx, "connection pump panicked", err, map[string]interface{}{"clientId": clientID})
		}
	})

	defer func() {
		s.hub.Unregister(clientID)
		wrapped.Close()
	}()

	s.readLoop(ctx, clientID, conn)
}

func (s *wsServer) readLoop(ctx context.Context, clientID string, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			continue
		}

		switch stream.MessageType(envelope.Type) {
		case stream.TypeSubscribe:
			var msg stream.SubscribeMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			ack := s.hub.Subscribe(ctx, clientID, msg.Capability, msg.Provider, msg.Symbols)
			s.writeAck(clientID, ack)
		case stream.TypeReconnect:
			s.handleReconnect(ctx, clientID)
		}
	}
}

func (s *wsServer) writeAck(clientID string, ack stream.SubscribeAckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		return
	}
	_ = s.hub.Enqueue(clientID, payload, false)
}

// handleReconnect replays the gap since the client's last acknowledged
// receive using the recovery engine, anchored on the hub's bookkeeping
// for that client's existing subscription.
func (s *wsServer) handleReconnect(ctx context.Context, clientID string) {
	if s.recovery == nil {
		return
	}
	window := s.hub.Reconnect(clientID, domain.CapabilityQuote)
	job, err := s.recovery.NewJob(
		clientID,
		s.hub.SubscribedSymbols(clientID, domain.CapabilityQuote),
		time.UnixMilli(window.FromTs),
		time.UnixMilli(window.ToTs),
	)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(ctx, "build recovery job failed", err, map[string]interface{}{"clientId": clientID})
		}
		return
	}
	go func() {
		if err := s.recovery.Process(ctx, job); err != nil && s.logger != nil {
			s.logger.Error(ctx, "recovery job failed", err, map[string]interface{}{"jobId": job.ID})
		}
	}()
}
