package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey returns the hex encoded sha256 of a provider api key.
// Keys are never logged as plain text.
func HashAPIKey(arg string) string {
	hasher := sha256.New()
	hasher.Write([]byte(arg))
	return hex.EncodeToString(hasher.Sum(nil))
}
