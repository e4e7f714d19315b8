// Package adminauth protects the admin surface's mutating endpoints
// with a bearer token derived from an operator-supplied master secret.
// It replaces the teacher's SPAKE2+ pairing session-key derivation
// (internal/peer/crypto.go) with a much smaller surface: one key
// derivation at startup, one constant-time comparison per request.
package adminauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "trainrouter-admin-v1"

// Authenticator derives a signing key from the admin master secret and
// verifies bearer tokens signed with it.
type Authenticator struct {
	signingKey []byte
}

// New derives the Authenticator's signing key from masterSecret via
// HKDF-SHA256. masterSecret is the ADMIN_SECRET environment variable.
func New(masterSecret string) (*Authenticator, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("admin secret must not be empty")
	}

	reader := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := reader.Read(key); err != nil {
		return nil, fmt.Errorf("deriving admin signing key: %w", err)
	}

	return &Authenticator{signingKey: key}, nil
}

// IssueToken generates a new opaque bearer token: 32 random bytes plus
// an HMAC-SHA256 tag over them, hex-encoded as "<value>.<tag>".
func (a *Authenticator) IssueToken() (string, error) {
	value := make([]byte, 32)
	if _, err := rand.Read(value); err != nil {
		return "", fmt.Errorf("generating token value: %w", err)
	}

	tag := a.sign(value)
	return hex.EncodeToString(value) + "." + hex.EncodeToString(tag), nil
}

// Verify checks a bearer token's HMAC tag in constant time.
func (a *Authenticator) Verify(token string) bool {
	dot := -1
	for i, c := range token {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return false
	}

	value, err := hex.DecodeString(token[:dot])
	if err != nil {
		return false
	}
	tag, err := hex.DecodeString(token[dot+1:])
	if err != nil {
		return false
	}

	expected := a.sign(value)
	return subtle.ConstantTimeCompare(expected, tag) == 1
}

func (a *Authenticator) sign(value []byte) []byte {
	mac := hmac.New(sha256.New, a.signingKey)
	mac.Write(value)
	return mac.Sum(nil)
}
