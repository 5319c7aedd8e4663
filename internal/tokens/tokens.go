// Package tokens generates the random secrets used for activation links,
// remember-me cookies, session identifiers and CSRF protection.
package tokens

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// Size is the number of random bytes behind every token.
const Size = 32

// New returns Size random bytes, hex encoded.
func New() (string, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Equal compares two tokens in constant time.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
