package domain

import "time"

// APIType is the upstream transport a mapping rule applies to.
type APIType string

const (
	APITypeREST   APIType = "rest"
	APITypeStream APIType = "stream"
)

// RuleListType names the field family a mapping rule rewrites.
type RuleListType string

const (
	RuleListQuoteFields       RuleListType = "quote_fields"
	RuleListBasicInfoFields   RuleListType = "basic_info_fields"
	RuleListIndexFields       RuleListType = "index_fields"
	RuleListMarketStatusFields RuleListType = "market_status_fields"
)

// RuleState is a MappingRule's lifecycle state; only Active rules
// participate in matching.
type RuleState string

const (
	RuleStateDraft      RuleState = "draft"
	RuleStateTesting    RuleState = "testing"
	RuleStateActive     RuleState = "active"
	RuleStateInactive   RuleState = "inactive"
	RuleStateDeprecated RuleState = "deprecated"
	RuleStateError      RuleState = "error"
)

// TransformKind enumerates the declarative transforms a FieldMapping may
// apply. There is no "custom"/scripting kind by design.
type TransformKind string

const (
	TransformNone     TransformKind = "none"
	TransformMultiply TransformKind = "multiply"
	TransformDivide   TransformKind = "divide"
	TransformAdd      TransformKind = "add"
	TransformSubtract TransformKind = "subtract"
	TransformFormat   TransformKind = "format"
)

// Transform is a single declarative value rewrite applied after path
// resolution. Operand is the numeric argument for arithmetic kinds;
// Template is the format string for TransformFormat.
type Transform struct {
	Kind     TransformKind
	Operand  float64
	Template string
}

// FieldMapping describes one source-to-target rewrite within a rule.
// SourcePath is a dot/bracket path with depth bounded by the rule
// engine's configured maximum.
type FieldMapping struct {
	SourcePath string
	TargetPath string
	Transform  Transform
}

// MappingRule is an immutable snapshot of a field-mapping ruleset for a
// given provider, API type, and rule-list family.
type MappingRule struct {
	ID           string
	Provider     string
	APIType      APIType
	RuleListType RuleListType
	IsDefault    bool
	State        RuleState
	Mappings     []FieldMapping
	UpdatedAt    time.Time
}

// IsActive reports whether the rule currently participates in matching.
func (r *MappingRule) IsActive() bool {
	return r != nil && r.State == RuleStateActive
}
