package oauth

import (
	"crypto/sha256"
	"encoding/base64"
)

// S256Challenge derives the RFC 7636 S256 code challenge for a verifier
func S256Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
