package main

import (
	"context"
	"time"

	"github.com/quotewire/marketdata-gateway/internal/domain"
	"github.com/quotewire/marketdata-gateway/internal/ruleengine"
)

// demoProvider is the only upstream wired in this build; its symbol and
// mapping rules are seeded at startup so the gateway has something to
// serve without a live provider connection.
const demoProvider = "longport"

// seedSymbolRules writes demoProvider's symbol mapping document, mirroring
// scenario S1: two provider-native spellings of the same standard symbol
// plus one US ticker (AAPL → AAPL.US), with everything else left unmapped so it
// always resolves to "failed" rather than an accidental identity mapping.
func seedSymbolRules(ctx context.Context, store *symbolRuleStore) error {
	rule := domain.SymbolMappingRule{
		Provider: demoProvider,
		Entries: []domain.SymbolMapEntry{
			{Provider: demoProvider, StandardSymbol: "700.HK", ProviderSymbol: "700"},
			{Provider: demoProvider, StandardSymbol: "700.HK", ProviderSymbol: "0700"},
			{Provider: demoProvider, StandardSymbol: "AAPL.US", ProviderSymbol: "AAPL"},
		},
	}
	return store.put(ctx, rule)
}

// seedMappingRules registers the quote field-mapping rule scenario S2
// exercises: a provider payload nesting its quote fields under a
// secu_quote array, rewritten to the gateway's canonical price/volume
// fields.
func seedMappingRules(store *ruleengine.Store) {
	store.Put(&domain.MappingRule{
		ID:           "longport-quote-v1",
		Provider:     demoProvider,
		APIType:      domain.APITypeStream,
		RuleListType: domain.RuleListQuoteFields,
		IsDefault:    true,
		State:        domain.RuleStateActive,
		UpdatedAt:    time.Now(),
		Mappings: []domain.FieldMapping{
			{
				SourcePath: "secu_quote[].last_done",
				TargetPath: "price",
				Transform:  domain.Transform{Kind: domain.TransformMultiply, Operand: 1},
			},
			{
				SourcePath: "secu_quote[].volume",
				TargetPath: "volume",
				Transform:  domain.Transform{Kind: domain.TransformNone},
			},
		},
	})
}
