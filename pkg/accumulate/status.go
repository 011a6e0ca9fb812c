// Copyright 2025 Certen Protocol
//
// Transaction Status Parsing
// The status field has appeared as a bare string, a numeric code, a string
// code and a pair of boolean flags across API generations.

package accumulate

import (
	"strings"

	"github.com/certen/inbox-discovery/pkg/model"
)

// Ledger status codes (mirror HTTP semantics).
const (
	statusCodeDelivered = 201
	statusCodePending   = 202
)

// ParseStatus reduces any of the observed status shapes to one of the
// model.Status* strings. Missing or unrecognized input yields "unknown".
func ParseStatus(v interface{}) string {
	switch s := v.(type) {
	case string:
		return normalizeStatusName(s)
	case map[string]interface{}:
		if code, ok := asInt(s["code"]); ok {
			// a string code may be a name rather than a number
			switch code {
			case statusCodePending:
				return model.StatusPending
			case statusCodeDelivered:
				return model.StatusDelivered
			default:
				return model.StatusUnknown
			}
		}
		if name := asString(s["code"]); name != "" {
			return normalizeStatusName(name)
		}
		if b, ok := s["pending"].(bool); ok && b {
			return model.StatusPending
		}
		if b, ok := s["delivered"].(bool); ok && b {
			return model.StatusDelivered
		}
	}
	return model.StatusUnknown
}

func normalizeStatusName(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case model.StatusPending:
		return model.StatusPending
	case model.StatusDelivered:
		return model.StatusDelivered
	case model.StatusRemote:
		return model.StatusRemote
	case model.StatusFailed:
		return model.StatusFailed
	case model.StatusExpired:
		return model.StatusExpired
	default:
		return model.StatusUnknown
	}
}
