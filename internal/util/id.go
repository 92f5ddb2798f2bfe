package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 24-char hex id.
func NewID() string {
	return randomHex(12)
}

// NewToken returns a random 64-char hex bearer token.
func NewToken() string {
	return randomHex(32)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
