// Package crypto holds small helpers shared by the kdf and envelope packages.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
)

// Sizes of the per-encryption random values.
const (
	SaltSize  = 32
	NonceSize = 12 // standard GCM nonce
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
