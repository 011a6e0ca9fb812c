// Copyright 2025 Certen Protocol
//
// Signature Extraction
// A transaction response may carry signatures in three structures: the
// nested v3 record tree, the paginated signature-book layout, and the flat
// legacy array. A response can populate more than one; results are merged
// and deduplicated by (signer, key hash, timestamp).

package accumulate

import (
	"fmt"
	"time"

	"github.com/certen/inbox-discovery/pkg/canon"
	"github.com/certen/inbox-discovery/pkg/model"
)

// ExtractSignatures collects every signature record present in a raw
// transaction response, across all known envelope shapes.
func ExtractSignatures(result map[string]interface{}) []model.SignatureRecord {
	var out []model.SignatureRecord
	seen := make(map[string]bool)

	add := func(rec model.SignatureRecord) {
		if rec.Signer == "" && rec.PublicKeyHash == "" {
			return
		}
		key := fmt.Sprintf("%s|%s|%d", rec.Signer, rec.PublicKeyHash, rec.Timestamp.UnixMilli())
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, rec)
	}

	// Shape 1: nested v3 record tree.
	if sm := asMap(result["signatures"]); sm != nil {
		for _, outer := range asSlice(sm["records"]) {
			inner := asMap(dig(asMap(outer), "signatures"))
			for _, rec := range asSlice(inner["records"]) {
				if sig := signatureMessage(rec); sig != nil {
					add(fromSignatureObject(sig))
				}
			}
		}
	}

	// Shape 2: paginated signature books.
	for _, book := range asSlice(result["signatureBooks"]) {
		for _, page := range asSlice(asMap(book)["pages"]) {
			sigs := asMap(page)["signatures"]
			items := asSlice(sigs)
			if items == nil {
				items = asSlice(asMap(sigs)["records"])
			}
			for _, rec := range items {
				if sig := signatureMessage(rec); sig != nil {
					add(fromSignatureObject(sig))
				}
			}
		}
	}

	// Shape 3: flat legacy array (signatures as an array, not a record map).
	for _, set := range asSlice(result["signatures"]) {
		sm := asMap(set)
		if sm == nil {
			continue
		}
		defaultSigner := signerURL(sm["signer"])
		if inner := asSlice(sm["signatures"]); inner != nil {
			for _, s := range inner {
				add(legacyRecord(asMap(s), defaultSigner))
			}
		} else {
			add(legacyRecord(sm, defaultSigner))
		}
	}

	return out
}

// signatureMessage unwraps record.message and returns the signature object
// when the message is of type "signature".
func signatureMessage(rec interface{}) map[string]interface{} {
	msg := asMap(dig(asMap(rec), "message"))
	if msg == nil || asString(msg["type"]) != "signature" {
		return nil
	}
	return asMap(msg["signature"])
}

// fromSignatureObject builds a record from a v3 signature object. The signer
// is discovered by descending through delegated wrappers; the remaining
// fields come from the innermost signature.
func fromSignatureObject(sig map[string]interface{}) model.SignatureRecord {
	signer := findSigner(sig)
	inner := innermost(sig)
	return model.SignatureRecord{
		Signer:        signer,
		PublicKeyHash: canon.NormalizeHash(asString(inner["publicKeyHash"])),
		Vote:          voteOf(inner),
		Timestamp:     parseTimestamp(inner["timestamp"]),
	}
}

// findSigner takes .signer when it is a string, otherwise descends into the
// nested .signature object (delegated signatures wrap their inner signer).
func findSigner(sig map[string]interface{}) string {
	if s := asString(sig["signer"]); s != "" {
		return canon.NormalizeURL(s)
	}
	if inner := asMap(sig["signature"]); inner != nil {
		return findSigner(inner)
	}
	return ""
}

func innermost(sig map[string]interface{}) map[string]interface{} {
	for {
		inner := asMap(sig["signature"])
		if inner == nil {
			return sig
		}
		sig = inner
	}
}

func legacyRecord(s map[string]interface{}, defaultSigner string) model.SignatureRecord {
	if s == nil {
		return model.SignatureRecord{}
	}
	signer := signerURL(s["signer"])
	if signer == "" {
		signer = defaultSigner
	}
	return model.SignatureRecord{
		Signer:        signer,
		PublicKeyHash: canon.NormalizeHash(asString(s["publicKeyHash"])),
		Vote:          voteOf(s),
		Timestamp:     parseTimestamp(s["timestamp"]),
	}
}

// signerURL accepts a bare URL string or a {url: ...} object.
func signerURL(v interface{}) string {
	if s := asString(v); s != "" {
		return canon.NormalizeURL(s)
	}
	if m := asMap(v); m != nil {
		if s := asString(m["url"]); s != "" {
			return canon.NormalizeURL(s)
		}
	}
	return ""
}

func voteOf(sig map[string]interface{}) string {
	if v := asString(sig["vote"]); v != "" {
		return v
	}
	return model.VoteApprove
}

// parseTimestamp interprets the numeric timestamp heuristically: v3 delivers
// microseconds (> 1e15), legacy seconds (< 1e12), anything between is taken
// as milliseconds. RFC 3339 strings are accepted as-is.
func parseTimestamp(v interface{}) time.Time {
	if s := asString(v); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	f, ok := asFloat(v)
	if !ok || f <= 0 {
		return time.Time{}
	}
	n := int64(f)
	switch {
	case f > 1e15:
		return time.UnixMicro(n).UTC()
	case f < 1e12:
		return time.Unix(n, 0).UTC()
	default:
		return time.UnixMilli(n).UTC()
	}
}
