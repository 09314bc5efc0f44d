package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// PairingCodeLength is the number of characters in a pairing code.
	PairingCodeLength = 6

	// PairingAlphabet excludes I, O, 0 and 1.
	PairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// pairingDomain separates the pairing keystream from any other use of SHA-256.
	pairingDomain = "comine-pairing-v1\x00"
)

// ErrInvalidPairingCode is returned when an obfuscated secret cannot be decoded.
var ErrInvalidPairingCode = errors.New("invalid pairing payload")

// GeneratePairingCode returns a uniformly random code over PairingAlphabet.
func GeneratePairingCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(PairingAlphabet)))

	var b strings.Builder
	b.Grow(PairingCodeLength)
	for i := 0; i < PairingCodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		b.WriteByte(PairingAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ValidPairingCode reports whether code has the generated shape.
func ValidPairingCode(code string) bool {
	if len(code) != PairingCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(PairingAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// pairingKeystream is SHA-256(domain || code).
func pairingKeystream(code string) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(pairingDomain))
	h.Write([]byte(code))

	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func xorKeystream(code string, in []byte) []byte {
	ks := pairingKeystream(code)
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ ks[i%len(ks)]
	}
	return out
}

// EncryptWithPairingCode obfuscates secret with the code-derived keystream
// and returns it as standard base64. The result is deterministic for a given
// code and secret; its strength rests entirely on the code being short-lived
// and delivered out of band.
func EncryptWithPairingCode(code string, secret []byte) string {
	return base64.StdEncoding.EncodeToString(xorKeystream(code, secret))
}

// DecryptWithPairingCode reverses EncryptWithPairingCode.
func DecryptWithPairingCode(code, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPairingCode, err)
	}
	return xorKeystream(code, raw), nil
}
