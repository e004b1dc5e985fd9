// Package security provides the proxy's security primitives: keyed token
// hashing, input validation, audit logging, rate limiting, and client IP
// extraction.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HashString computes the hex-encoded HMAC-SHA256 of s under secret.
//
// The proxy uses this to index sessions by access token without ever
// persisting the raw token: the same (token, secret) pair always produces the
// same hash, so the hash works as a lookup key, while the token itself cannot
// be recovered from the stored value.
func HashString(s, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}
