// Package crypto provides the gateway's low-level cryptographic primitives:
// HMAC signing for token integrity, AES-256 envelope encryption for
// credentials at rest, RSA-2048 agent keypairs, and SHA-256 hashing for
// request fingerprints. All functions operate on byte slices, never
// strings, so callers never accidentally sign or hash an encoding-specific
// representation of the same logical value.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// TagSize is the length in bytes of an HMAC-SHA-256 tag.
const TagSize = sha256.Size

// Sign computes an HMAC-SHA-256 tag over data using secret.
func Sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify reports whether tag is the correct HMAC-SHA-256 tag for data under
// secret. Comparison is constant-time with respect to tag so that timing
// cannot be used to recover the expected signature a byte at a time.
func Verify(secret, data, tag []byte) bool {
	expected := Sign(secret, data)
	return hmac.Equal(expected, tag)
}

// Hash returns the SHA-256 digest of data. Used for request fingerprints
// and content-addressed references.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}
