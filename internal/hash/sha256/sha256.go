// Package sha256 provides SHA-256 hashing for learning-bit fingerprints and blob keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint hashes text after lowercasing it and collapsing whitespace, so
// the same fragment found with different formatting maps to one identity.
func (h *Hasher) Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// NormalizeText lowercases s and collapses runs of whitespace into single spaces.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
