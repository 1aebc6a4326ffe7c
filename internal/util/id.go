package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 32-char hex identifier, optionally prefixed as
// "<prefix>_<hex>".
func NewID(prefix string) string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	id := hex.EncodeToString(buf[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
