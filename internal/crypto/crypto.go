// Package crypto implements the relay channel's cryptography: device secret
// generation, the pairing-code keystream used once to hand a secret to a new
// device, and AES-256-GCM frame sealing for every command after that.
//
// All functions are pure; nothing here holds state between calls.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// SecretSize is the size of a device secret and of the frame key.
	SecretSize = 32

	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16
)

var (
	// ErrInvalidKey is returned for secrets that are not SecretSize bytes.
	ErrInvalidKey = errors.New("invalid device secret")

	// ErrInvalidNonce is returned for a nonce that is not valid base64 or not NonceSize bytes.
	ErrInvalidNonce = errors.New("invalid frame nonce")

	// ErrInvalidCiphertext is returned for a box that is not valid base64 or too short.
	ErrInvalidCiphertext = errors.New("invalid frame ciphertext")

	// ErrAuthentication is returned when the GCM tag does not verify.
	ErrAuthentication = errors.New("frame authentication failed")
)

// Secret is a 32-byte device secret.
type Secret [SecretSize]byte

// GenerateSecret returns a fresh random device secret.
func GenerateSecret() (Secret, error) {
	var s Secret
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return s, fmt.Errorf("generate secret: %w", err)
	}
	return s, nil
}

// EncodeSecret renders a secret as standard base64, the persisted form.
func EncodeSecret(s Secret) string {
	return base64.StdEncoding.EncodeToString(s[:])
}

// DecodeSecret parses a persisted secret and enforces its length.
func DecodeSecret(encoded string) (Secret, error) {
	var s Secret
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != SecretSize {
		return s, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}
	copy(s[:], raw)
	return s, nil
}

// EncryptFrame seals plaintext under key with a fresh random nonce and no
// associated data. Both outputs are standard base64.
func EncryptFrame(key Secret, plaintext []byte) (nonceB64, boxB64 string, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", "", err
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	box := aead.Seal(nil, nonce[:], plaintext, nil)

	return base64.StdEncoding.EncodeToString(nonce[:]),
		base64.StdEncoding.EncodeToString(box), nil
}

// DecryptFrame opens a box produced by EncryptFrame.
func DecryptFrame(key Secret, nonceB64, boxB64 string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonce, len(nonce))
	}

	box, err := base64.StdEncoding.DecodeString(boxB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(box) < TagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(box))
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key Secret) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}
