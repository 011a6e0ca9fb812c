// Copyright 2025 Certen Protocol
//
// Raw-record helpers for the signature-chain scan. The chain records come
// through the Ledger interface unparsed; these mirror the client's fail-soft
// probing without exporting its internals.

package discovery

import (
	"github.com/certen/inbox-discovery/pkg/accumulate"
)

func mapOf(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func sliceOf(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

// rawStatus reads the status field of a raw transaction response.
func rawStatus(raw map[string]interface{}) string {
	if raw == nil {
		return ""
	}
	return accumulate.ParseStatus(raw["status"])
}
