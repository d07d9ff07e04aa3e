package ruleengine

import (
	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
	"github.com/quotewire/marketdata-gateway/internal/domain"
)

// Warning records a non-fatal issue encountered while applying a rule:
// a missing target, a depth overflow, or a transform that fell back to
// pass-through.
type Warning struct {
	Path    string
	Message string
}

// Engine matches and applies mapping rules against raw provider payloads.
type Engine struct {
	store *Store
}

// NewEngine creates an Engine backed by store.
func NewEngine(store *Store) *Engine {
	return &Engine{store: store}
}

// FindBestMatching delegates to the backing store.
func (e *Engine) FindBestMatching(provider string, apiType domain.APIType, ruleListType domain.RuleListType) *domain.MappingRule {
	return e.store.FindBestMatching(provider, apiType, ruleListType)
}

// FindByID delegates to the backing store.
func (e *Engine) FindByID(id string) *domain.MappingRule {
	return e.store.FindByID(id)
}

// ListByProvider delegates to the backing store.
func (e *Engine) ListByProvider(provider string, apiType domain.APIType) []*domain.MappingRule {
	return e.store.ListByProvider(provider, apiType)
}

// compiledMapping pairs a FieldMapping with its pre-parsed source path
// segments, computed once per Apply call.
type compiledMapping struct {
	mapping domain.FieldMapping
	source  []pathSegment
}

// Apply maps raw through rule, producing zero or more canonical records.
// raw is never mutated. If raw is a top-level array, each element produces
// its own record. If a source path traverses an array subfield via `[]`,
// every field mapping sharing that array is evaluated elementwise so the
// resulting records align, e.g. secu_quote[].last_done and
// secu_quote[].volume into one record per secu_quote element.
//
// A mapping whose source path exceeds maxPathDepth never aborts the call:
// it is dropped from compilation, its target is left undefined in every
// output record, and a Warning is returned instead. A dangerous-key path
// (__proto__, constructor, prototype) is a hard failure and aborts Apply,
// since it signals a malformed or hostile rule rather than an overly deep
// but otherwise legitimate one.
func (e *Engine) Apply(rule *domain.MappingRule, raw interface{}) ([]map[string]interface{}, []Warning, error) {
	if rule == nil {
		return nil, nil, gwerrors.New(gwerrors.CodeRuleNotFound, "no rule to apply")
	}

	compiled := make([]compiledMapping, 0, len(rule.Mappings))
	var compileWarnings []Warning
	for _, m := range rule.Mappings {
		segs, err := compilePath(m.SourcePath)
		if err != nil {
			if gwerrors.Is(err, gwerrors.CodePathDepthExceeded) {
				compileWarnings = append(compileWarnings, Warning{
					Path:    m.TargetPath,
					Message: "source path exceeds maximum depth, target left undefined",
				})
				continue
			}
			return nil, nil, err
		}
		compiled = append(compiled, compiledMapping{mapping: m, source: segs})
	}

	if arr, isArray := raw.([]interface{}); isArray {
		var records []map[string]interface{}
		var warnings []Warning
		for _, elem := range arr {
			rec, warns, err := e.applyOne(compiled, elem)
			if err != nil {
				return nil, nil, err
			}
			records = append(records, rec)
			warnings = append(warnings, warns...)
		}
		return records, append(compileWarnings, warnings...), nil
	}

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, nil, gwerrors.New(gwerrors.CodeInvalidTransform, "raw payload is not an object or array")
	}

	n := arrayFanoutLength(compiled, obj)
	if n == 0 {
		rec, warns, err := e.applyOne(compiled, obj)
		if err != nil {
			return nil, nil, err
		}
		return []map[string]interface{}{rec}, append(compileWarnings, warns...), nil
	}

	var records []map[string]interface{}
	var warnings []Warning
	for i := 0; i < n; i++ {
		rec := make(map[string]interface{})
		var recWarnings []Warning
		for _, cm := range compiled {
			values := getValueAtIndex(obj, cm.source, i)
			if len(values) == 0 {
				recWarnings = append(recWarnings, Warning{Path: cm.mapping.TargetPath, Message: "source path resolved to no value"})
				continue
			}
			result, ok := applyTransform(cm.mapping.Transform, values[0])
			if !ok {
				recWarnings = append(recWarnings, Warning{Path: cm.mapping.TargetPath, Message: "transform failed, passed through source value"})
			}
			setValueAtPath(rec, cm.mapping.TargetPath, result)
		}
		records = append(records, rec)
		warnings = append(warnings, recWarnings...)
	}
	return records, append(compileWarnings, warnings...), nil
}

// applyOne applies every compiled mapping against a single object (no
// array fan-out), producing one output record.
func (e *Engine) applyOne(compiled []compiledMapping, raw interface{}) (map[string]interface{}, []Warning, error) {
	rec := make(map[string]interface{})
	var warnings []Warning
	for _, cm := range compiled {
		values := getValueFromPath(raw, cm.source)
		if len(values) == 0 {
			warnings = append(warnings, Warning{Path: cm.mapping.TargetPath, Message: "source path resolved to no value"})
			continue
		}
		result, ok := applyTransform(cm.mapping.Transform, values[0])
		if !ok {
			warnings = append(warnings, Warning{Path: cm.mapping.TargetPath, Message: "transform failed, passed through source value"})
		}
		setValueAtPath(rec, cm.mapping.TargetPath, result)
	}
	return rec, warnings, nil
}

// arrayFanoutLength returns the length of the first array subfield any
// compiled mapping's source path wildcards into, or 0 if none do.
func arrayFanoutLength(compiled []compiledMapping, obj map[string]interface{}) int {
	for _, cm := range compiled {
		length, ok := firstEachArrayLength(obj, cm.source)
		if ok {
			return length
		}
	}
	return 0
}

func firstEachArrayLength(raw interface{}, segments []pathSegment) (int, bool) {
	cur := raw
	for _, seg := range segments {
		switch {
		case seg.isEach:
			arr, ok := cur.([]interface{})
			if !ok {
				return 0, false
			}
			return len(arr), true
		case seg.isIndex:
			arr, ok := cur.([]interface{})
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return 0, false
			}
			cur = arr[seg.index]
		default:
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return 0, false
			}
			val, found := lookupTolerant(obj, seg.field)
			if !found {
				return 0, false
			}
			cur = val
		}
	}
	return 0, false
}

// getValueAtIndex resolves segments against raw, fixing every `[]`
// wildcard to the given record index rather than flattening across all
// elements, so sibling field mappings stay aligned to the same element.
func getValueAtIndex(raw interface{}, segments []pathSegment, index int) []interface{} {
	cur := raw
	for _, seg := range segments {
		switch {
		case seg.isEach:
			arr, ok := cur.([]interface{})
			if !ok || index < 0 || index >= len(arr) {
				return nil
			}
			cur = arr[index]
		case seg.isIndex:
			arr, ok := cur.([]interface{})
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return nil
			}
			cur = arr[seg.index]
		default:
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return nil
			}
			val, found := lookupTolerant(obj, seg.field)
			if !found {
				return nil
			}
			cur = val
		}
	}
	return []interface{}{cur}
}
