// Package cryptostore provides authenticated symmetric encryption for
// capture-store lines.
//
// golang.org/x/crypto is already present in the teacher's dependency
// closure (pulled in indirectly by refraction-networking/utls); this
// package promotes it to a direct, actively-imported dependency rather
// than hand-rolling AES-GCM from crypto/aes+crypto/cipher.
// XChaCha20-Poly1305 is used specifically because its 24-byte nonce can be
// drawn from crypto/rand per call without a birthday-bound collision risk
// under concurrent writers; a 12-byte AES-GCM nonce would need a
// counter-based scheme serialised through one writer to stay safe, which
// the capture store's per-line encryption model does not guarantee.
package cryptostore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cookiemonster/cookiemonster/internal/errs"
)

// KeySize is the required decoded key length in bytes (256 bits).
const KeySize = chacha20poly1305.KeySize

// DecodeKey decodes a base64url (no padding) key string into raw bytes,
// validating its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "cryptostore: decode key")
	}
	if len(key) != KeySize {
		return nil, errs.New(errs.ConfigInvalid, "cryptostore: key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// EncodeKey encodes raw key bytes as base64url (no padding), the form keys
// are stored in on disk or in environment variables (spec.md §4.B).
func EncodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("cryptostore: generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key, returning nonce||ciphertext. The
// ciphertext is opaque to callers; no key identifier is embedded (spec.md
// §4.B: "Ciphertext is opaque; no key identifier is embedded").
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: init AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptostore: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce||ciphertext blob produced by Encrypt. A failed
// authentication check (wrong key or tampered ciphertext) is reported as
// CaptureAuthFailure so callers can skip the line without treating it as
// fatal (spec.md §4.B, §7).
func Decrypt(blob, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: init AEAD: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, errs.New(errs.CaptureAuthFailure, "cryptostore: ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CaptureAuthFailure, err, "cryptostore: authentication failed")
	}
	return plaintext, nil
}
