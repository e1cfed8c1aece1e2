package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the hex-encoded sha256 digest of s. Used for
// cache keys derived from identifiers, never for stored credentials.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
