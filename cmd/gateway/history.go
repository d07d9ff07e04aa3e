package main

import (
	"sync"
	"time"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

// tickHistoryRetention bounds how long tickHistory keeps records before
// they age out, matching the recovery engine's recentCutoff assumption
// that "recent" data is only a short window of live ticks.
const tickHistoryRetention = 10 * time.Minute

// tickHistory is an in-process ring of recently mapped records per
// symbol, the recovery engine's RecentSource. Anything older than
// tickHistoryRetention is expected to have already been folded into the
// durable archive by the caller that feeds both.
type tickHistory struct {
	mu      sync.Mutex
	records map[domain.Symbol][]map[string]interface{}
}

func newTickHistory() *tickHistory {
	return &tickHistory{records: make(map[domain.Symbol][]map[string]interface{})}
}

// record appends rec (expected to carry a "timestamp" epoch-millis field)
// for symbol and evicts anything past the retention window.
func (h *tickHistory) record(symbol domain.Symbol, rec map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-tickHistoryRetention)
	entries := append(h.records[symbol], rec)
	kept := entries[:0]
	for _, e := range entries {
		if ts, ok := e["timestamp"].(float64); ok && time.UnixMilli(int64(ts)).Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	h.records[symbol] = kept
}

// between returns symbol's recorded entries whose timestamp falls within
// [from, to).
func (h *tickHistory) between(symbol domain.Symbol, from, to time.Time) []map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []map[string]interface{}
	for _, e := range h.records[symbol] {
		ts, ok := e["timestamp"].(float64)
		if !ok {
			continue
		}
		t := time.UnixMilli(int64(ts))
		if !t.Before(from) && t.Before(to) {
			out = append(out, e)
		}
	}
	return out
}
