package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/recovery"
	"github.com/quotewire/marketdata-gateway/internal/storage"
	"github.com/quotewire/marketdata-gateway/internal/stream"
	"github.com/quotewire/marketdata-gateway/internal/symbolcache"
)

// symbolRuleStore loads a provider's durable SymbolMappingRule document
// from the storage port, satisfying symbolcache.RuleStore. Rule documents
// are seeded at startup under the "sm:provider_rules:<provider>" key.
type symbolRuleStore struct {
	port *storage.Port
}

func (s *symbolRuleStore) LoadProviderRules(ctx context.Context, provider string) (*domain.SymbolMappingRule, error) {
	raw, ok, err := s.port.Get(ctx, symbolRuleKey(provider))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &domain.SymbolMappingRule{Provider: provider}, nil
	}
	var rule domain.SymbolMappingRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *symbolRuleStore) put(ctx context.Context, rule domain.SymbolMappingRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return s.port.Set(ctx, symbolRuleKey(rule.Provider), raw, 0, storage.WritePersistentOnly)
}

func symbolRuleKey(provider string) string {
	return "sm:provider_rules:" + provider
}

// recoverySource backs both recovery.RecentSource and
// recovery.ArchiveSource: FetchRecent reads the in-process tickHistory
// ring of recent ticks, while FetchArchive reads the symbol's archived
// records through the storage port for anything older.
type recoverySource struct {
	history *tickHistory
	port    *storage.Port
}

func (r *recoverySource) FetchRecent(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]map[string]interface{}, error) {
	return r.history.between(symbol, from, to), nil
}

func (r *recoverySource) FetchArchive(ctx context.Context, symbol domain.Symbol, from, to time.Time) ([]map[string]interface{}, error) {
	raw, ok, err := r.port.Get(ctx, archiveKey(symbol))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	var inRange []map[string]interface{}
	for _, rec := range records {
		ts, ok := rec["timestamp"].(float64)
		if !ok {
			continue
		}
		t := time.UnixMilli(int64(ts))
		if !t.Before(from) && t.Before(to) {
			inRange = append(inRange, rec)
		}
	}
	return inRange, nil
}

func archiveKey(symbol domain.Symbol) string {
	return "archive:" + string(symbol)
}

// hubSink delivers RecoveryDataMessage/RecoveryFailureMessage frames to a
// reconnecting client's outbound queue, satisfying recovery.Sink.
type hubSink struct {
	hub *stream.Hub
}

func (h *hubSink) SendData(ctx context.Context, clientID string, msg recovery.RecoveryDataMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.hub.Enqueue(clientID, payload, true)
}

func (h *hubSink) SendFailure(ctx context.Context, clientID string, msg recovery.RecoveryFailureMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.hub.Enqueue(clientID, payload, true)
}

// nopChangeStream satisfies symbolcache.ChangeStreamSource for a build with
// no external change-feed collaborator: it blocks until ctx is cancelled,
// producing no events, rather than busy-polling a source that doesn't exist.
type nopChangeStream struct{}

func (nopChangeStream) Watch(ctx context.Context, events chan<- symbolcache.ChangeEvent) error {
	<-ctx.Done()
	return ctx.Err()
}
