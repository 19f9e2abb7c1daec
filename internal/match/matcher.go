// Package match implements the declarative condition matcher used by the
// sequence and rule registries. Matching is pure: no I/O, no side effects.
package match

import (
	"encoding/json"
)

// Matches evaluates a condition set against an event attribute bag.
//
// Each condition entry is keyed by attribute name and interpreted as:
//   - list value: the event attribute must be a member of the list
//   - map with "min"/"max": the event attribute must be numeric and fall
//     within the inclusive range; an absent bound is unbounded on that side
//   - anything else: exact equality
//
// All entries must match (logical AND). An empty condition set matches every
// event. A condition key missing from the attribute bag fails that entry.
// A multi-valued attribute (interest tags) matches when any of its elements
// satisfies the condition.
func Matches(attrs map[string]interface{}, conditions map[string]interface{}) bool {
	for key, cond := range conditions {
		value, ok := attrs[key]
		if !ok {
			return false
		}
		if !matchValue(value, cond) {
			return false
		}
	}
	return true
}

func matchValue(value, cond interface{}) bool {
	if elems, ok := attributeSlice(value); ok {
		for _, elem := range elems {
			if matchValue(elem, cond) {
				return true
			}
		}
		return false
	}

	switch c := cond.(type) {
	case []interface{}:
		return containsValue(c, value)
	case []string:
		for _, member := range c {
			if equalValues(value, member) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		if isRange(c) {
			return matchRange(value, c)
		}
		return equalValues(value, c)
	case map[interface{}]interface{}:
		// yaml.v2-style maps; normalized before they get here, but be safe.
		converted := make(map[string]interface{}, len(c))
		for k, v := range c {
			if ks, ok := k.(string); ok {
				converted[ks] = v
			}
		}
		return matchValue(value, converted)
	default:
		return equalValues(value, cond)
	}
}

// attributeSlice detects a multi-valued event attribute. Condition lists are
// typed []interface{} by the YAML loader and never reach here as values.
func attributeSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []string:
		out := make([]interface{}, len(s))
		for i, elem := range s {
			out[i] = elem
		}
		return out, true
	case []interface{}:
		return s, true
	default:
		return nil, false
	}
}

func containsValue(list []interface{}, value interface{}) bool {
	for _, member := range list {
		if equalValues(value, member) {
			return true
		}
	}
	return false
}

func isRange(m map[string]interface{}) bool {
	if len(m) == 0 || len(m) > 2 {
		return false
	}
	for key := range m {
		if key != "min" && key != "max" {
			return false
		}
	}
	return true
}

func matchRange(value interface{}, bounds map[string]interface{}) bool {
	num, ok := asNumber(value)
	if !ok {
		return false
	}

	if minRaw, present := bounds["min"]; present {
		minVal, ok := asNumber(minRaw)
		if !ok || num < minVal {
			return false
		}
	}

	if maxRaw, present := bounds["max"]; present {
		maxVal, ok := asNumber(maxRaw)
		if !ok || num > maxVal {
			return false
		}
	}

	return true
}

// equalValues compares loosely: numeric values compare by value regardless of
// Go type (YAML yields int, JSON yields float64), everything else by ==.
func equalValues(a, b interface{}) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
		return false
	}
	return a == b
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
