package domain

import "time"

// MarketState is the current trading-session classification for a market.
type MarketState string

const (
	MarketPreMarket  MarketState = "pre_market"
	MarketTrading    MarketState = "trading"
	MarketLunchBreak MarketState = "lunch_break"
	MarketAfterHours MarketState = "after_hours"
	MarketClosed     MarketState = "closed"
	MarketWeekend    MarketState = "weekend"
	MarketHoliday    MarketState = "holiday"
)

// Market identifies a tradable venue, e.g. "HK", "US", "CN", "SG".
type Market string

// MarketStatus is the computed session state for a market at a point in time.
type MarketStatus struct {
	Market           Market
	State            MarketState
	CurrentSession   string
	NextSessionStart *time.Time
	Confidence       float64
}

// Principal identifies the caller making a request, along with the
// capabilities it has been granted. Authentication/RBAC that produces a
// Principal is out of scope; only this shape is assumed.
type Principal struct {
	ID           string
	Capabilities map[Capability]bool
}

// Capability is a named permission a Principal may hold.
type Capability string

const (
	CapabilityReadQuotes   Capability = "read_quotes"
	CapabilitySubscribe    Capability = "subscribe"
	CapabilityManageRules  Capability = "manage_rules"
)

// HasCapability reports whether p holds capability c.
func (p *Principal) HasCapability(c Capability) bool {
	return p != nil && p.Capabilities[c]
}
