// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing and signing of gateway records
// (token payloads, request fingerprints, decision records).
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JSON marshals v to standard JSON, then transforms it into its RFC 8785
// canonical form: sorted object keys, no insignificant whitespace, fixed
// number formatting. Signature and hash computations must operate on this
// form so verification never depends on map key ordering.
func JSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}

	return canonical, nil
}

// Hash returns the SHA-256 hex digest of the JCS-canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeString applies Unicode NFC normalization so that visually
// identical tool parameters (e.g. a URL or "to" address typed with
// combining marks) fingerprint identically regardless of the byte-level
// representation a caller used.
func NormalizeString(s string) string {
	return norm.NFC.String(s)
}
