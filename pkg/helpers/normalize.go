// Package helpers provides common normalization utilities used across the codebase.
package helpers

import (
	"regexp"
	"strings"
)

var (
	logIndexSuffix = regexp.MustCompile(`-(\d+)$`)
	hexHash        = regexp.MustCompile(`^0x[0-9a-f]+$`)
)

// NormalizeHash canonicalizes a transaction hash for comparison.
// Trailing "-<digits>" suffixes (EVM log index) are stripped to a fixed
// point, and pure 0x-hex hashes are lowercased. Non-hex hashes (Solana
// base58, Cardano) keep their case; hashes mixing hex and non-hex
// characters are treated as case-sensitive.
func NormalizeHash(hash string) string {
	h := strings.TrimSpace(hash)
	for {
		stripped := logIndexSuffix.ReplaceAllString(h, "")
		if stripped == h {
			break
		}
		h = stripped
	}
	if hexHash.MatchString(strings.ToLower(h)) {
		return strings.ToLower(h)
	}
	return h
}

// HashSuffix returns the trailing "-<digits>" log-index suffix of a hash,
// without the dash, or "" when the hash carries none.
func HashSuffix(hash string) string {
	m := logIndexSuffix.FindStringSubmatch(strings.TrimSpace(hash))
	if m == nil {
		return ""
	}
	return m[1]
}

// HashesEqual reports whether two hashes identify the same transaction
// after normalization.
func HashesEqual(a, b string) bool {
	na, nb := NormalizeHash(a), NormalizeHash(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb
}

// NormalizeAddress canonicalizes an address. Case-insensitive chains
// (Bitcoin, EVM hex) lowercase; case-preserving chains (Cardano bech32,
// Solana base58) only trim.
func NormalizeAddress(addr string, caseSensitive bool) string {
	a := strings.TrimSpace(addr)
	if caseSensitive {
		return a
	}
	return strings.ToLower(a)
}

// AddressesEqual compares two addresses case-insensitively after trimming.
// Used by the matching engine, where chain case rules are unknown; a
// case-insensitive match is the weaker, safe comparison for evidence.
func AddressesEqual(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}
