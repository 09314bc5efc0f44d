package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func mustSecret(t *testing.T) Secret {
	t.Helper()
	s, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	return s
}

func TestGenerateSecret(t *testing.T) {
	s1 := mustSecret(t)
	s2 := mustSecret(t)

	var zero Secret
	if s1 == zero {
		t.Error("secret is zero")
	}
	if s1 == s2 {
		t.Error("two generated secrets are identical")
	}
}

func TestEncodeDecodeSecret(t *testing.T) {
	s := mustSecret(t)

	decoded, err := DecodeSecret(EncodeSecret(s))
	if err != nil {
		t.Fatalf("DecodeSecret() error = %v", err)
	}
	if decoded != s {
		t.Error("decoded secret does not match")
	}

	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	if _, err := DecodeSecret(short); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("DecodeSecret(16 bytes) error = %v, want ErrInvalidKey", err)
	}
	if _, err := DecodeSecret("%%%"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("DecodeSecret(garbage) error = %v, want ErrInvalidKey", err)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	key := mustSecret(t)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"json command", []byte(`{"type":"download","cmd_id":"x1","url":"https://example.com/v"}`)},
		{"binary", bytes.Repeat([]byte{0x00, 0xff, 0x7f}, 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce, box, err := EncryptFrame(key, tt.plaintext)
			if err != nil {
				t.Fatalf("EncryptFrame() error = %v", err)
			}

			got, err := DecryptFrame(key, nonce, box)
			if err != nil {
				t.Fatalf("DecryptFrame() error = %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("round trip = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestFrame_FreshNonce(t *testing.T) {
	key := mustSecret(t)
	plaintext := []byte("same")

	n1, b1, _ := EncryptFrame(key, plaintext)
	n2, b2, _ := EncryptFrame(key, plaintext)

	if n1 == n2 {
		t.Error("nonce reused across frames")
	}
	if b1 == b2 {
		t.Error("identical ciphertext for identical plaintext")
	}

	raw, _ := base64.StdEncoding.DecodeString(n1)
	if len(raw) != NonceSize {
		t.Errorf("nonce length = %d, want %d", len(raw), NonceSize)
	}
}

func TestFrame_WrongKey(t *testing.T) {
	key := mustSecret(t)
	other := mustSecret(t)

	nonce, box, _ := EncryptFrame(key, []byte("secret command"))

	if _, err := DecryptFrame(other, nonce, box); !errors.Is(err, ErrAuthentication) {
		t.Errorf("DecryptFrame(wrong key) error = %v, want ErrAuthentication", err)
	}
}

func TestFrame_Tampered(t *testing.T) {
	key := mustSecret(t)
	nonce, box, _ := EncryptFrame(key, []byte("secret command"))

	raw, _ := base64.StdEncoding.DecodeString(box)
	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		_, err := DecryptFrame(key, nonce, base64.StdEncoding.EncodeToString(tampered))
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("byte %d flipped: error = %v, want ErrAuthentication", i, err)
		}
	}

	rawNonce, _ := base64.StdEncoding.DecodeString(nonce)
	rawNonce[0] ^= 0x80
	if _, err := DecryptFrame(key, base64.StdEncoding.EncodeToString(rawNonce), box); !errors.Is(err, ErrAuthentication) {
		t.Errorf("tampered nonce: error = %v, want ErrAuthentication", err)
	}
}

func TestDecryptFrame_Malformed(t *testing.T) {
	key := mustSecret(t)
	goodNonce, goodBox, _ := EncryptFrame(key, []byte("x"))

	tests := []struct {
		name    string
		nonce   string
		box     string
		wantErr error
	}{
		{"nonce not base64", "!!!", goodBox, ErrInvalidNonce},
		{"nonce wrong length", base64.StdEncoding.EncodeToString(make([]byte, 8)), goodBox, ErrInvalidNonce},
		{"box not base64", goodNonce, "!!!", ErrInvalidCiphertext},
		{"box shorter than tag", goodNonce, base64.StdEncoding.EncodeToString(make([]byte, 4)), ErrInvalidCiphertext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptFrame(key, tt.nonce, tt.box)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
