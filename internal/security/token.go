package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const refreshTokenBytes = 32

// NewRefreshToken returns an opaque, URL-safe refresh token. The raw value
// is handed to the client once and only its hash is persisted.
func NewRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken derives the storable hash of a refresh token. The pepper
// is a server-side secret so a leaked sessions table alone cannot be used
// to forge refreshes.
func HashRefreshToken(token, pepper string) string {
	sum := sha3.Sum256([]byte(token + pepper))
	return hex.EncodeToString(sum[:])
}

// VerifyRefreshToken compares a presented token against the stored hash in
// constant time. A stale (already rotated) token fails here exactly like a
// forged one.
func VerifyRefreshToken(token, pepper, storedHash string) bool {
	computed := HashRefreshToken(token, pepper)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
