// Package ingest flattens a provider's raw REST response into the
// generic shape the rule engine's compiled matcher expects, before any
// mapping rule is applied. It is a thin ingestion-time shortcut, not a
// replacement for the rule engine's own path traversal: it locates the
// record (or record array) a provider nests its payload under so the
// matcher always starts from a flat top-level object or array.
package ingest

import (
	"github.com/tidwall/gjson"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
)

// Flatten extracts the value at recordsPath within raw (a provider's raw
// JSON response body) and returns it decoded into generic Go values
// (map[string]interface{}, []interface{}, or scalars), ready to hand to
// ruleengine.Engine.Apply. An empty recordsPath returns the whole
// document decoded the same way.
func Flatten(raw []byte, recordsPath string) (interface{}, error) {
	if recordsPath == "" {
		return decode(gjson.ParseBytes(raw)), nil
	}
	result := gjson.GetBytes(raw, recordsPath)
	if !result.Exists() {
		return nil, gwerrors.New(gwerrors.CodeRuleNotFound, "ingest records path did not resolve").With("path", recordsPath)
	}
	return decode(result), nil
}

// decode converts a gjson.Result tree into plain Go values using the same
// shapes encoding/json would produce, since the rule engine's path
// traversal only understands map[string]interface{}/[]interface{}/scalars.
func decode(result gjson.Result) interface{} {
	switch {
	case result.IsObject():
		out := make(map[string]interface{})
		result.ForEach(func(key, value gjson.Result) bool {
			out[key.String()] = decode(value)
			return true
		})
		return out
	case result.IsArray():
		var out []interface{}
		result.ForEach(func(_, value gjson.Result) bool {
			out = append(out, decode(value))
			return true
		})
		return out
	case result.Type == gjson.Number:
		return result.Num
	case result.Type == gjson.True, result.Type == gjson.False:
		return result.Bool()
	case result.Type == gjson.Null:
		return nil
	default:
		return result.String()
	}
}
