package ruleengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

// applyTransform rewrites value per t. A transform never raises out of the
// engine: on failure (non-numeric operand, division by zero) the source
// value passes through unchanged and ok is false to let the caller record
// a warning.
func applyTransform(t domain.Transform, value interface{}) (result interface{}, ok bool) {
	switch t.Kind {
	case domain.TransformNone, "":
		return value, true
	case domain.TransformMultiply, domain.TransformDivide, domain.TransformAdd, domain.TransformSubtract:
		num, valid := toFloat(value)
		if !valid {
			return value, false
		}
		switch t.Kind {
		case domain.TransformMultiply:
			return num * t.Operand, true
		case domain.TransformDivide:
			if t.Operand == 0 {
				return value, false
			}
			return num / t.Operand, true
		case domain.TransformAdd:
			return num + t.Operand, true
		case domain.TransformSubtract:
			return num - t.Operand, true
		}
	case domain.TransformFormat:
		rendered := strings.ReplaceAll(t.Template, "{value}", fmt.Sprintf("%v", value))
		return rendered, true
	}
	return value, false
}

// toFloat coerces a raw JSON-ish value (float64, string, int) to float64.
func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
