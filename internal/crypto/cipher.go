package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Sealed cookie layout: version(1) || iv(12) || ciphertext(N) || tag(16),
// encoded as unpadded base64url.
const (
	CookieFormatVersion byte = 1

	KeySize  = 32
	ivSize   = 12
	tagSize  = 16
	minSize  = 1 + ivSize + tagSize
	ivOffset = 1
)

var (
	// ErrMalformedCookie is returned when a sealed value cannot be a cookie
	// produced by this cipher: bad encoding, too short or an unknown version.
	ErrMalformedCookie = errors.New("malformed cookie")
	// ErrCookieDecryptionFailed is returned when the authentication tag does
	// not verify, which covers a wrong key, truncation and tampering.
	ErrCookieDecryptionFailed = errors.New("cookie decryption failed")
)

// CookieCipher seals and unseals cookie payloads with AES-256-GCM.
// It is immutable after construction and safe for concurrent use.
type CookieCipher struct {
	aead cipher.AEAD
}

// NewCookieCipher creates a cipher from a raw 32-byte key
func NewCookieCipher(key []byte) (*CookieCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &CookieCipher{aead: aead}, nil
}

// NewCookieCipherFromHex creates a cipher from a hex-encoded 32-byte key
func NewCookieCipherFromHex(hexKey string) (*CookieCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	return NewCookieCipher(key)
}

// Seal encrypts plaintext under a fresh random IV
func (c *CookieCipher) Seal(plaintext []byte) (string, error) {
	iv, err := GenerateRandomBytes(ivSize)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, minSize+len(plaintext))
	out = append(out, CookieFormatVersion)
	out = append(out, iv...)
	out = c.aead.Seal(out, iv, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Unseal decrypts a value produced by Seal. The cookie name is only used to
// give errors context.
func (c *CookieCipher) Unseal(name, sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64url", ErrMalformedCookie, name)
	}
	if len(raw) < minSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrMalformedCookie, name, len(raw))
	}
	if raw[0] != CookieFormatVersion {
		return nil, fmt.Errorf("%w: %s has unknown version %d", ErrMalformedCookie, name, raw[0])
	}

	iv := raw[ivOffset : ivOffset+ivSize]
	plaintext, err := c.aead.Open(nil, iv, raw[ivOffset+ivSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCookieDecryptionFailed, name)
	}
	return plaintext, nil
}

// SealString is Seal for string payloads
func (c *CookieCipher) SealString(plaintext string) (string, error) {
	return c.Seal([]byte(plaintext))
}

// UnsealString is Unseal for string payloads
func (c *CookieCipher) UnsealString(name, sealed string) (string, error) {
	b, err := c.Unseal(name, sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
