package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenBytes is the amount of entropy behind every generated token
const TokenBytes = 32

// GenerateSecureToken creates a cryptographically secure random token.
// Returns 32 random bytes as unpadded base64url, suitable for OAuth state
// parameters, PKCE verifiers and CSRF tokens.
func GenerateSecureToken() (string, error) {
	b, err := GenerateRandomBytes(TokenBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateRandomBytes returns n bytes from the system CSPRNG
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
