// Package crypto: HKDF key derivation + ChaCha20-Poly1305 sealing.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize for derived keys and ChaCha20-Poly1305.
	KeySize = chacha20poly1305.KeySize
	// NonceSize for ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize
)

var (
	ErrKeySize    = errors.New("crypto: key size must be 32")
	ErrCiphertext = errors.New("crypto: ciphertext too short")
)

// DeriveKey expands secret into a KeySize key bound to info (HKDF-SHA256,
// nil salt).
func DeriveKey(secret, info []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: empty input key material")
	}
	reader := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a random nonce, which is
// prepended to the result. ad is authenticated but not encrypted.
func Seal(key, plaintext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal.
func Open(key, sealed, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+aead.Overhead() {
		return nil, ErrCiphertext
	}
	nonce, ct := sealed[:NonceSize], sealed[NonceSize:]
	return aead.Open(nil, nonce, ct, ad)
}
