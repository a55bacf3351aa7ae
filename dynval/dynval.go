// Package dynval implements the dynamic value model shared by the engine:
// dotted property-path resolution over map[string]any trees, loose value
// comparison for matching rules, index-key stringification, and the
// "{{path}}" payload template resolver used by cascading rules.
package dynval

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolve walks a dotted path through nested map[string]any values. The
// second return value reports whether every segment was found; a missing
// segment yields (nil, false) rather than an error.
func Resolve(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// IndexKey renders a scalar value as the canonical string used in property
// index buckets. Integral floats (the JSON decoding of whole numbers) render
// without a fractional part so that 5000 and 5000.0 share a bucket.
func IndexKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return IndexKey(float64(x))
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Scalar reports whether a value is a flat scalar suitable for the property
// index fast path.
func Scalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

// asFloat attempts a numeric coercion for comparison purposes.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// Equal performs loose equality: numerics compare by value across int/float
// representations, everything else by canonical string form.
func Equal(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	return IndexKey(a) == IndexKey(b)
}

// Compare evaluates `instanceValue op eventValue` for a matching rule
// operator. Unknown operators and type mismatches evaluate to false.
func Compare(instanceValue any, op string, eventValue any) bool {
	switch op {
	case "===", "==":
		return Equal(instanceValue, eventValue)
	case "!==", "!=":
		return !Equal(instanceValue, eventValue)
	case ">", "<", ">=", "<=":
		fi, ok1 := asFloat(instanceValue)
		fe, ok2 := asFloat(eventValue)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case ">":
			return fi > fe
		case "<":
			return fi < fe
		case ">=":
			return fi >= fe
		default:
			return fi <= fe
		}
	case "contains":
		switch container := instanceValue.(type) {
		case string:
			needle, ok := eventValue.(string)
			return ok && strings.Contains(container, needle)
		case []any:
			for _, item := range container {
				if Equal(item, eventValue) {
					return true
				}
			}
			return false
		default:
			return false
		}
	case "in":
		list, ok := eventValue.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if Equal(instanceValue, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Clone returns a shallow copy of a map, or an empty map for nil input.
func Clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies every key of src into dst, overwriting existing keys.
func Merge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// templateRef extracts the path of a "{{dotted.path}}" reference, if the
// value is exactly one.
func templateRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	if len(s) < 5 || !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	return strings.TrimSpace(s[2 : len(s)-2]), true
}

// ResolveTemplate materialises a cascade payload template against a source
// data tree. Values that are exactly "{{path}}" are replaced by the
// dereferenced value (nil when the path is absent); nested maps are processed
// recursively; everything else passes through unchanged.
func ResolveTemplate(template map[string]any, source map[string]any) map[string]any {
	if template == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(template))
	for k, v := range template {
		switch {
		case isTemplateMap(v):
			out[k] = ResolveTemplate(v.(map[string]any), source)
		default:
			if path, ok := templateRef(v); ok {
				resolved, _ := Resolve(source, path)
				out[k] = resolved
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func isTemplateMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}
