// Copyright 2025 Certen Protocol
//
// Open-Record Probing Helpers
// The v3 response envelope varies across API generations, so every parser in
// this package works on open records and fails soft. These helpers keep the
// probing readable: a miss returns the zero value, never an error.

package accumulate

import (
	"strconv"
	"strings"
)

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// asInt accepts the numeric shapes JSON decoding produces plus numeric
// strings.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// firstMap returns the first non-nil map among candidates.
func firstMap(candidates ...interface{}) map[string]interface{} {
	for _, c := range candidates {
		if m := asMap(c); m != nil {
			return m
		}
	}
	return nil
}

// dig walks nested maps along path, returning nil on the first miss.
func dig(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, key := range path {
		mm := asMap(cur)
		if mm == nil {
			return nil
		}
		cur = mm[key]
	}
	return cur
}
