// Package identity provides the relay host identity.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// IDSize is the size of a HostID in bytes (128 bits).
	IDSize = 16

	// MasterSecretSize is the size of the reserved master secret in bytes.
	MasterSecretSize = 32
)

var (
	// ErrInvalidIDLength is returned when the ID length is incorrect.
	ErrInvalidIDLength = errors.New("invalid host ID length: expected 16 bytes")

	// ErrInvalidHexString is returned when the hex string is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for host ID")

	// ZeroID represents an uninitialized host ID.
	ZeroID = HostID{}
)

// HostID identifies this host to the relay server. It is stable and
// random, but not secret: the relay uses it to route device traffic here.
type HostID [IDSize]byte

// NewHostID generates a random HostID.
func NewHostID() (HostID, error) {
	var id HostID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("failed to generate host ID: %w", err)
	}
	return id, nil
}

// ParseHostID parses a HostID from its 32-character hex form.
func ParseHostID(s string) (HostID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), IDSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}

	var id HostID
	copy(id[:], b)
	return id, nil
}

// FromBytes creates a HostID from a byte slice.
func FromBytes(b []byte) (HostID, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id HostID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation.
func (id HostID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first 8 hex characters, for logs.
func (id HostID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the HostID is uninitialized.
func (id HostID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id HostID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *HostID) UnmarshalText(text []byte) error {
	parsed, err := ParseHostID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewHostIDString is NewHostID rendered as hex.
func NewHostIDString() (string, error) {
	id, err := NewHostID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewMasterSecret returns 32 random bytes encoded as standard base64.
// The secret is persisted with the relay config but not used on the wire.
func NewMasterSecret() (string, error) {
	b := make([]byte, MasterSecretSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate master secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
