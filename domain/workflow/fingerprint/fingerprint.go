// Package fingerprint computes the deterministic content hashes used to
// deduplicate workflow requests and their individual entries. Every
// function here is pure: same input, same digest, forever.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// FormatFloat renders f with two fraction digits so fingerprints computed
// from floating-point fields (e.g. amounts) are stable across platforms
// and JSON round-trips.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// Hash returns the SHA-256 hex digest of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CanonicalForm joins fields in their caller-supplied canonical order.
// The field order is fixed per workflow kind; callers build it from
// their own typed param structs before calling EntryHash or feeding the
// result into WorkflowHash.
func CanonicalForm(fields ...string) string {
	return strings.Join(fields, "|")
}

// EntryHash computes an entry fingerprint from its already-ordered
// critical fields.
func EntryHash(fields ...string) string {
	return Hash(CanonicalForm(fields...))
}

// WorkflowHash computes the request-level fingerprint: the credentials
// identifier followed by the lexicographically sorted canonical forms of
// every entry, pipe-joined, then hashed.
func WorkflowHash(credentialsID string, entryCanonicalForms []string) string {
	sorted := make([]string, len(entryCanonicalForms))
	copy(sorted, entryCanonicalForms)
	sort.Strings(sorted)
	return Hash(credentialsID + "|" + strings.Join(sorted, "|"))
}
