package session

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// computeHash implements the login password hash: lowercase the email,
// concatenate email and password, SHA-256 the result, base64-encode it.
// This is the Open Question resolution documented in SPEC_FULL.md §9 — no
// golden vector was captured for this deployment, so the canonical vendor
// algorithm from §4.2.1 is used as-is.
func computeHash(email, password string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email) + password))
	return base64.StdEncoding.EncodeToString(sum[:])
}
