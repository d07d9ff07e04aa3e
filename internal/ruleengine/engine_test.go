package ruleengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

func quoteRule() *domain.MappingRule {
	return &domain.MappingRule{
		ID:           "rule-1",
		Provider:     "longport",
		APIType:      domain.APITypeREST,
		RuleListType: domain.RuleListQuoteFields,
		State:        domain.RuleStateActive,
		UpdatedAt:    time.Now(),
		Mappings: []domain.FieldMapping{
			{SourcePath: "secu_quote[].last_done", TargetPath: "price", Transform: domain.Transform{Kind: domain.TransformMultiply, Operand: 1}},
			{SourcePath: "secu_quote[].volume", TargetPath: "volume", Transform: domain.Transform{Kind: domain.TransformNone}},
		},
	}
}

// TestApply_ElementwiseArrayMapping covers scenario S2 from the spec.
func TestApply_ElementwiseArrayMapping(t *testing.T) {
	engine := NewEngine(NewStore())
	raw := map[string]interface{}{
		"secu_quote": []interface{}{
			map[string]interface{}{"last_done": "123.45", "volume": "1000"},
		},
	}

	records, warnings, err := engine.Apply(quoteRule(), raw)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, records, 1)
	require.Equal(t, 123.45, records[0]["price"])
	require.Equal(t, "1000", records[0]["volume"])
}

func TestApply_DoesNotMutateRaw(t *testing.T) {
	engine := NewEngine(NewStore())
	raw := map[string]interface{}{
		"secu_quote": []interface{}{
			map[string]interface{}{"last_done": "1.0", "volume": "5"},
		},
	}
	snapshot := map[string]interface{}{
		"secu_quote": []interface{}{
			map[string]interface{}{"last_done": "1.0", "volume": "5"},
		},
	}

	_, _, err := engine.Apply(quoteRule(), raw)
	require.NoError(t, err)
	require.Equal(t, snapshot, raw)
}

func TestApply_DangerousPathRejected(t *testing.T) {
	engine := NewEngine(NewStore())
	rule := &domain.MappingRule{
		ID: "bad", State: domain.RuleStateActive,
		Mappings: []domain.FieldMapping{
			{SourcePath: "__proto__.polluted", TargetPath: "x"},
		},
	}

	_, _, err := engine.Apply(rule, map[string]interface{}{})
	require.Error(t, err)
}

// TestApply_PathDepthExceededWarnsAndLeavesTargetUndefined covers the
// "11 warns and returns undefined" boundary: a path one segment past
// maxPathDepth does not fail the whole Apply call, it just drops that
// mapping's target and reports a Warning for it.
func TestApply_PathDepthExceededWarnsAndLeavesTargetUndefined(t *testing.T) {
	engine := NewEngine(NewStore())
	deep := "a.b.c.d.e.f.g.h.i.j.k"
	rule := &domain.MappingRule{
		ID: "deep", State: domain.RuleStateActive,
		Mappings: []domain.FieldMapping{{SourcePath: deep, TargetPath: "x"}},
	}

	records, warnings, err := engine.Apply(rule, map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Equal(t, "x", warnings[0].Path)
	require.Len(t, records, 1)
	_, present := records[0]["x"]
	require.False(t, present)
}

// TestApply_PathDepthExactlyMaxSucceeds covers the other side of the
// boundary: a path exactly at maxPathDepth compiles and applies cleanly,
// with no warning for it.
func TestApply_PathDepthExactlyMaxSucceeds(t *testing.T) {
	engine := NewEngine(NewStore())
	exact := "a.b.c.d.e.f.g.h.i.j"
	rule := &domain.MappingRule{
		ID: "exact", State: domain.RuleStateActive,
		Mappings: []domain.FieldMapping{{SourcePath: exact, TargetPath: "x"}},
	}
	raw := map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": map[string]interface{}{"d": map[string]interface{}{
			"e": map[string]interface{}{"f": map[string]interface{}{"g": map[string]interface{}{"h": map[string]interface{}{
				"i": map[string]interface{}{"j": "leaf"},
			}}}},
		}}}},
	}

	records, warnings, err := engine.Apply(rule, raw)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, "leaf", records[0]["x"])
}

func TestApply_DivisionByZeroPassesThroughWithWarning(t *testing.T) {
	engine := NewEngine(NewStore())
	rule := &domain.MappingRule{
		ID: "div0", State: domain.RuleStateActive,
		Mappings: []domain.FieldMapping{
			{SourcePath: "v", TargetPath: "out", Transform: domain.Transform{Kind: domain.TransformDivide, Operand: 0}},
		},
	}

	records, warnings, err := engine.Apply(rule, map[string]interface{}{"v": "10"})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Equal(t, "10", records[0]["out"])
}

func TestApply_FormatTransform(t *testing.T) {
	engine := NewEngine(NewStore())
	rule := &domain.MappingRule{
		ID: "fmt", State: domain.RuleStateActive,
		Mappings: []domain.FieldMapping{
			{SourcePath: "v", TargetPath: "out", Transform: domain.Transform{Kind: domain.TransformFormat, Template: "${value}"}},
		},
	}

	records, _, err := engine.Apply(rule, map[string]interface{}{"v": "9.5"})
	require.NoError(t, err)
	require.Equal(t, "$9.5", records[0]["out"])
}

func TestApply_CaseAndSnakeCamelTolerantTraversal(t *testing.T) {
	engine := NewEngine(NewStore())
	rule := &domain.MappingRule{
		ID: "tol", State: domain.RuleStateActive,
		Mappings: []domain.FieldMapping{
			{SourcePath: "lastDone", TargetPath: "price"},
		},
	}

	records, _, err := engine.Apply(rule, map[string]interface{}{"last_done": "42"})
	require.NoError(t, err)
	require.Equal(t, "42", records[0]["price"])
}

func TestStore_FindBestMatching_PrefersDefaultThenRecency(t *testing.T) {
	store := NewStore()
	old := &domain.MappingRule{ID: "old", Provider: "p", APIType: domain.APITypeREST, RuleListType: domain.RuleListQuoteFields, State: domain.RuleStateActive, UpdatedAt: time.Now().Add(-time.Hour)}
	newer := &domain.MappingRule{ID: "new", Provider: "p", APIType: domain.APITypeREST, RuleListType: domain.RuleListQuoteFields, State: domain.RuleStateActive, UpdatedAt: time.Now()}
	inactive := &domain.MappingRule{ID: "inactive", Provider: "p", APIType: domain.APITypeREST, RuleListType: domain.RuleListQuoteFields, State: domain.RuleStateDraft, UpdatedAt: time.Now()}

	store.Put(old)
	store.Put(newer)
	store.Put(inactive)

	best := store.FindBestMatching("p", domain.APITypeREST, domain.RuleListQuoteFields)
	require.NotNil(t, best)
	require.Equal(t, "new", best.ID)
}
