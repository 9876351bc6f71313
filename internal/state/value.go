// Package state defines the document model shared by land rules and the
// sync pipeline: snapshot values, JSON-pointer paths, patches and field
// scoping. A snapshot is a map[string]any whose values are normalized to
// nil, bool, int64, float64, string, []any and map[string]any.
package state

import (
	"encoding/json"
	"fmt"
)

// ValueMap is a normalized snapshot document keyed by top-level field name.
type ValueMap = map[string]any

// Normalize converts v into the canonical value set. Integer kinds collapse
// to int64, floats to float64, json.Number to int64 when integral and
// float64 otherwise. Containers are rebuilt so the result never aliases v.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case string:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	case map[any]any:
		// Some binary decoders produce any-keyed maps.
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports deep equality of two normalized values. Numeric values
// compare across int64/float64 so that 5 and 5.0 are the same, which keeps
// diffs stable across codecs that do not preserve the integer/double split.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case int64:
		switch bv := b.(type) {
		case int64:
			return av == bv
		case float64:
			return float64(av) == bv
		}
		return false
	case float64:
		switch bv := b.(type) {
		case int64:
			return av == float64(bv)
		case float64:
			return av == bv
		}
		return false
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, e := range av {
			be, present := bv[k]
			if !present || !Equal(e, be) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Clone deep-copies a normalized value. Scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// CloneMap clones a snapshot document. A nil input yields an empty map.
func CloneMap(m ValueMap) ValueMap {
	out := make(ValueMap, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}
