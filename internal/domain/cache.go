package domain

// CacheEnvelope wraps every value written to the storage port with the
// bookkeeping needed for compression and staleness decisions.
type CacheEnvelope[T any] struct {
	Data           T
	StoredAt       int64 // epoch milliseconds
	Compressed     bool
	OriginalSize   int
	CompressedSize int
	Metadata       map[string]string
}

// SymbolMapEntry is a single directed translation between a standard and
// provider-native symbol, sourced from a provider's durable rule document.
type SymbolMapEntry struct {
	Provider        string
	StandardSymbol  Symbol
	ProviderSymbol  Symbol
}

// SymbolMappingRule is the durable document holding every SymbolMapEntry
// for one provider.
type SymbolMappingRule struct {
	Provider string
	Entries  []SymbolMapEntry
}
