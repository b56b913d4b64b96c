// Package sha256 fingerprints document bodies and cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements collector.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the hex digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key maps an arbitrary cache key onto a fixed-length, filesystem-safe name.
func Key(key string) string {
	return Sum([]byte(key))
}
