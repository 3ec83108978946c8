// Package convert coerces loosely-typed values (deliberation memo fields,
// decoded YAML/JSON scalars) into the concrete types the control plane
// works with. Unparseable input yields the zero value, never an error:
// callers validate ranges themselves.
package convert

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ToFloat64 converts numeric types and numeric strings to float64.
func ToFloat64(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

// ToInt converts through ToFloat64, truncating any fraction.
func ToInt(v any) int {
	return int(ToFloat64(v))
}

// ToString renders scalars as trimmed strings. Containers and nil come
// back empty.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// ToStringSlice flattens an array of scalars into their string forms,
// dropping empties.
func ToStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := ToString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
