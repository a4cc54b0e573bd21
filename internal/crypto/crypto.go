package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	SaltSize  = 32                          // Salt size in bytes
	KeySize   = chacha20poly1305.KeySize    // 256-bit keys
	NonceSize = chacha20poly1305.NonceSizeX // XChaCha20 nonce size
	TagSize   = chacha20poly1305.Overhead   // Poly1305 tag size
	Overhead  = NonceSize + TagSize         // Bytes added to every plaintext
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrAuthFailed   = errors.New("authentication failed")
)

// Encrypt seals plaintext under key with XChaCha20-Poly1305.
// Output layout: nonce || ciphertext || tag. A fresh random nonce is drawn
// for every call.
func Encrypt(plaintext []byte, key *SecretKey) ([]byte, error) {
	var out []byte
	err := key.Use(func(k []byte) error {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return fmt.Errorf("failed to create cipher: %w", err)
		}

		nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}

		out = aead.Seal(nonce, nonce, plaintext, nil)
		return nil
	})
	return out, err
}

// Decrypt opens a blob produced by Encrypt. Every failure, including a
// truncated blob, a wrong key or a flipped bit, yields ErrAuthFailed.
func Decrypt(blob []byte, key *SecretKey) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, ErrAuthFailed
	}

	var plaintext []byte
	err := key.Use(func(k []byte) error {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return ErrAuthFailed
		}

		plaintext, err = aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
		if err != nil {
			return ErrAuthFailed
		}
		return nil
	})
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// ClearBytes securely clears a byte slice
func ClearBytes(b []byte) {
	memguard.WipeBytes(b)
}

// ConstantTimeCompare performs a constant-time comparison of two byte slices
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateRandom generates n random bytes
func GenerateRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
