package domain

import "time"

// WSCapabilityType is the kind of push data a subscription requests.
type WSCapabilityType string

const (
	CapabilityQuote  WSCapabilityType = "quote"
	CapabilityDepth  WSCapabilityType = "depth"
	CapabilityTrade  WSCapabilityType = "trade"
	CapabilityBroker WSCapabilityType = "broker"
	CapabilityKline  WSCapabilityType = "kline"
)

// Health grades a Subscription's delivery quality, derived from
// consecutive errors and last-activity timestamps.
type Health string

const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthPoor      Health = "poor"
	HealthCritical  Health = "critical"
)

// Subscription is one client's live interest in a set of standard symbols.
type Subscription struct {
	ClientID          string
	Symbols           map[Symbol]struct{}
	WSCapabilityType  WSCapabilityType
	PreferredProvider string
	LastReceiveTs     time.Time
	Health            Health
	ConsecutiveErrors int
	TotalErrors       int
}

// NewSubscription creates an empty subscription for a client.
func NewSubscription(clientID string, capability WSCapabilityType) *Subscription {
	return &Subscription{
		ClientID:         clientID,
		Symbols:          make(map[Symbol]struct{}),
		WSCapabilityType: capability,
		LastReceiveTs:    time.Now(),
		Health:           HealthExcellent,
	}
}

// ProviderEvent is an inbound data event from an upstream provider, keyed
// by the provider's own native symbol.
type ProviderEvent struct {
	Provider      string
	NativeSymbol  Symbol
	APIType       APIType
	RuleListType  RuleListType
	Raw           RawValue
	ObservedAt    time.Time
}

// RawValue is a tagged value tree representing heterogeneous provider
// payloads: object, array, string, number, bool, or null.
type RawValue = interface{}
