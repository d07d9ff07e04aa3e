package ruleengine

import (
	"strconv"
	"strings"

	gwerrors "github.com/quotewire/marketdata-gateway/infrastructure/errors"
)

const maxPathDepth = 10

// dangerousKeys are rejected outright to prevent prototype-pollution-style
// traversal into reserved property names.
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// pathSegment is one hop of a compiled path: either a field name (possibly
// matched case/snake-camel-insensitively against object keys) or an array
// index, or the "each element" wildcard `[]`.
type pathSegment struct {
	field    string
	index    int
	isIndex  bool
	isEach   bool
}

// compilePath parses a dot/bracket path like "secu_quote[].last_done" into
// segments, rejecting dangerous keys and overly deep paths up front.
func compilePath(path string) ([]pathSegment, error) {
	var segments []pathSegment
	var current strings.Builder

	flush := func() error {
		if current.Len() == 0 {
			return nil
		}
		field := current.String()
		current.Reset()
		if dangerousKeys[strings.ToLower(field)] {
			return gwerrors.New(gwerrors.CodeDangerousPath, "path references a dangerous key").
				With("field", field)
		}
		segments = append(segments, pathSegment{field: field})
		return nil
	}

	i := 0
	for i < len(path) {
		c := path[i]
		switch c {
		case '.':
			if err := flush(); err != nil {
				return nil, err
			}
			i++
		case '[':
			if err := flush(); err != nil {
				return nil, err
			}
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, gwerrors.New(gwerrors.CodeInvalidTransform, "unterminated bracket in path")
			}
			inner := path[i+1 : i+end]
			if inner == "" {
				segments = append(segments, pathSegment{isEach: true})
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil {
					return nil, gwerrors.New(gwerrors.CodeInvalidTransform, "non-numeric array index").With("index", inner)
				}
				segments = append(segments, pathSegment{index: idx, isIndex: true})
			}
			i += end + 1
		default:
			current.WriteByte(c)
			i++
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	depth := 0
	for _, seg := range segments {
		if !seg.isEach {
			depth++
		}
	}
	if depth > maxPathDepth {
		return nil, gwerrors.New(gwerrors.CodePathDepthExceeded, "path depth exceeds maximum").
			With("depth", depth).With("max", maxPathDepth)
	}

	return segments, nil
}

// keysEqualTolerant compares field names ignoring case and snake/camel
// variance: "lastDone", "last_done", and "LAST_DONE" are all equal.
func keysEqualTolerant(a, b string) bool {
	return normalizeKey(a) == normalizeKey(b)
}

func normalizeKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || r == '-' {
			continue
		}
		b.WriteRune(toLowerRune(r))
	}
	return b.String()
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// lookupTolerant finds obj[key] using case/snake-camel tolerant matching.
func lookupTolerant(obj map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for k, v := range obj {
		if keysEqualTolerant(k, key) {
			return v, true
		}
	}
	return nil, false
}

// getValueFromPath resolves segments against raw, returning each matched
// leaf value. When a segment traverses an array (explicit index or `[]`
// wildcard), every matching element contributes its own leaf value(s),
// preserving order. Missing/undefined paths yield no values and no error;
// only depth-bound and dangerous-key violations are errors (both already
// rejected at compile time).
func getValueFromPath(raw interface{}, segments []pathSegment) []interface{} {
	values := []interface{}{raw}
	for _, seg := range segments {
		var next []interface{}
		for _, v := range values {
			switch seg.isEach || seg.isIndex {
			case true:
				arr, ok := v.([]interface{})
				if !ok {
					continue
				}
				if seg.isEach {
					next = append(next, arr...)
				} else if seg.index >= 0 && seg.index < len(arr) {
					next = append(next, arr[seg.index])
				}
			default:
				obj, ok := v.(map[string]interface{})
				if !ok {
					continue
				}
				if val, found := lookupTolerant(obj, seg.field); found {
					next = append(next, val)
				}
			}
		}
		values = next
		if len(values) == 0 {
			return nil
		}
	}
	return values
}

// setValueAtPath writes value into a freshly constructed output tree at the
// given target path. Output is never the same object as any input; callers
// must not pass a raw input tree here.
func setValueAtPath(output map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	cur := output
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
}
