package stream

import "github.com/quotewire/marketdata-gateway/internal/domain"

// MessageType tags the wire protocol's JSON envelope.
type MessageType string

const (
	TypeSubscribe    MessageType = "subscribe"
	TypeSubscribeAck MessageType = "subscribe_ack"
	TypeTick         MessageType = "tick"
	TypeReconnect    MessageType = "reconnect"
)

// SubscribeMessage is a client's request to receive push data for a set
// of standard symbols under one capability.
type SubscribeMessage struct {
	Type       MessageType         `json:"type"`
	Symbols    []domain.Symbol     `json:"symbols"`
	Capability domain.WSCapabilityType `json:"capability"`
	Provider   string              `json:"provider,omitempty"`
}

// SubscribeAckMessage confirms which symbols were accepted and which
// were rejected (e.g. no rule, unknown provider).
type SubscribeAckMessage struct {
	Type     MessageType     `json:"type"`
	Accepted []domain.Symbol `json:"accepted"`
	Rejected []domain.Symbol `json:"rejected,omitempty"`
}

// TickMessage carries one mapped market-data record for a single symbol.
type TickMessage struct {
	Type      MessageType            `json:"type"`
	Symbol    domain.Symbol          `json:"symbol"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// ReconnectMessage tells a reconnecting client the time range it should
// request recovery for, based on its last acknowledged receive time.
type ReconnectMessage struct {
	Type        MessageType `json:"type"`
	FromTs      int64       `json:"fromTs"`
	ToTs        int64       `json:"toTs"`
	ResumeToken string      `json:"resumeToken,omitempty"`
}
