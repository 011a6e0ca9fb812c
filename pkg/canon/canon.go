// Copyright 2025 Certen Protocol
//
// Canonical URL and Hash Handling
// Normalizes Accumulate URLs and transaction hashes into comparable keys.
// Every URL- or hash-typed value crossing a package boundary is canonical.

package canon

import (
	"regexp"
	"strings"

	accurl "gitlab.com/accumulatenetwork/accumulate/pkg/url"
)

const scheme = "acc://"

var (
	keyBookRE = regexp.MustCompile(`/books?$`)
	keyPageRE = regexp.MustCompile(`(/books?/\d+|/page/\d+)$`)
)

// NormalizeURL reduces an Accumulate URL to its canonical form: trimmed,
// lowercase, acc:// prefixed, no trailing slash. Comparisons elsewhere are
// byte equality of this form. Empty input stays empty.
func NormalizeURL(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, scheme) {
		if strings.HasPrefix(s, "acc:") {
			s = scheme + s[len("acc:"):]
			// "acc:/foo" collapses to "acc:///foo" above; strip the extras
			s = scheme + strings.TrimLeft(s[len(scheme):], "/")
		} else {
			s = scheme + s
		}
	}
	return strings.TrimRight(s, "/")
}

// NormalizeHash reduces a transaction hash or transaction ID to bare lowercase
// hex. Accepts 0x-prefixed hex and the ledger's acc://HEX@principal/path
// transaction-id form. Empty input stays empty.
func NormalizeHash(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, scheme)
	if i := strings.IndexAny(s, "@/"); i >= 0 {
		s = s[:i]
	}
	return s
}

// ExtractADI returns the root identity of a canonical URL: acc://<adi> with
// any path removed. A URL with no path is returned unchanged. The accumulate
// parser is authoritative; the string fallback covers inputs it rejects.
func ExtractADI(canonical string) string {
	u := NormalizeURL(canonical)
	if u == "" {
		return ""
	}
	if parsed, err := accurl.Parse(u); err == nil {
		return NormalizeURL(parsed.RootIdentity().String())
	}
	rest := strings.TrimPrefix(u, scheme)
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return scheme + rest
}

// IsKeyBookURL reports whether a URL looks like a key book by path shape.
// Advisory only: the ledger's account type field is authoritative.
func IsKeyBookURL(u string) bool {
	return keyBookRE.MatchString(NormalizeURL(u))
}

// IsKeyPageURL reports whether a URL looks like a key page by path shape.
// Advisory only: the ledger's account type field is authoritative.
func IsKeyPageURL(u string) bool {
	return keyPageRE.MatchString(NormalizeURL(u))
}
