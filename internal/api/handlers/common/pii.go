package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// RedactPII returns a SHA-256 hash of the input string.
// PIX keys (CPF, e-mail, phone) are logged through it.
func RedactPII(s string) string {
	if s == "" {
		return ""
	}
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
