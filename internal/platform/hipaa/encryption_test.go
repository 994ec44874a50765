package hipaa

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func newIV(t *testing.T) []byte {
	t.Helper()
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("generate iv: %v", err)
	}
	return iv
}

func TestNewCipher(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		c, err := NewCipher(generateTestKey(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c == nil {
			t.Fatal("expected non-nil cipher")
		}
	})

	for name, size := range map[string]int{"empty": 0, "aes-128": 16, "too long": 64} {
		t.Run(name, func(t *testing.T) {
			if _, err := NewCipher(make([]byte, size)); err == nil {
				t.Fatalf("expected error for %d-byte key", size)
			}
		})
	}
}

func TestCipher_SealOpen(t *testing.T) {
	c, err := NewCipher(generateTestKey(t))
	if err != nil {
		t.Fatalf("create cipher: %v", err)
	}

	cases := [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"note":"patient reports improved sleep"}`),
		bytes.Repeat([]byte("long narrative "), 1000),
	}
	for _, plaintext := range cases {
		iv := newIV(t)
		sealed, err := c.Seal(iv, plaintext)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if len(sealed) != len(plaintext)+TagSize {
			t.Errorf("expected %d sealed bytes, got %d", len(plaintext)+TagSize, len(sealed))
		}
		got, err := c.Open(iv, sealed)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch for %d-byte plaintext", len(plaintext))
		}
	}
}

func TestCipher_SealRejectsBadIV(t *testing.T) {
	c, _ := NewCipher(generateTestKey(t))
	if _, err := c.Seal(make([]byte, 12), []byte("x")); err == nil {
		t.Fatal("expected error for 12-byte iv")
	}
}

func TestCipher_OpenStructuralFailures(t *testing.T) {
	c, _ := NewCipher(generateTestKey(t))
	iv := newIV(t)
	sealed, _ := c.Seal(iv, []byte("hello"))

	tests := []struct {
		name   string
		iv     []byte
		sealed []byte
	}{
		{"short iv", iv[:12], sealed},
		{"long iv", append(append([]byte{}, iv...), 0), sealed},
		{"missing iv", nil, sealed},
		{"shorter than tag", iv, sealed[:TagSize-1]},
		{"empty ciphertext", iv, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Open(tt.iv, tt.sealed)
			if !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("expected ErrInvalidCiphertext, got %v", err)
			}
		})
	}
}

func TestCipher_OpenAuthFailures(t *testing.T) {
	key := generateTestKey(t)
	c, _ := NewCipher(key)
	iv := newIV(t)
	sealed, _ := c.Seal(iv, []byte("session narrative"))

	t.Run("wrong key", func(t *testing.T) {
		other, _ := NewCipher(generateTestKey(t))
		if _, err := other.Open(iv, sealed); !errors.Is(err, ErrAuthTagMismatch) {
			t.Errorf("expected ErrAuthTagMismatch, got %v", err)
		}
	})

	t.Run("wrong iv", func(t *testing.T) {
		if _, err := c.Open(newIV(t), sealed); !errors.Is(err, ErrAuthTagMismatch) {
			t.Errorf("expected ErrAuthTagMismatch, got %v", err)
		}
	})

	t.Run("tag only", func(t *testing.T) {
		if _, err := c.Open(iv, sealed[len(sealed)-TagSize:]); !errors.Is(err, ErrAuthTagMismatch) {
			t.Errorf("expected ErrAuthTagMismatch, got %v", err)
		}
	})
}

func TestVerifyIntegrity(t *testing.T) {
	valid := &EncryptedPayload{Ciphertext: make([]byte, TagSize), IV: make([]byte, IVSize), KeyID: "k1"}

	tests := []struct {
		name string
		p    *EncryptedPayload
		want bool
	}{
		{"valid minimal", valid, true},
		{"valid longer", &EncryptedPayload{Ciphertext: make([]byte, 64), IV: make([]byte, IVSize), KeyID: "k1"}, true},
		{"nil", nil, false},
		{"no key id", &EncryptedPayload{Ciphertext: make([]byte, 32), IV: make([]byte, IVSize)}, false},
		{"12-byte iv", &EncryptedPayload{Ciphertext: make([]byte, 32), IV: make([]byte, 12), KeyID: "k1"}, false},
		{"short ciphertext", &EncryptedPayload{Ciphertext: make([]byte, TagSize-1), IV: make([]byte, IVSize), KeyID: "k1"}, false},
		{"empty ciphertext", &EncryptedPayload{IV: make([]byte, IVSize), KeyID: "k1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyIntegrity(tt.p); got != tt.want {
				t.Errorf("VerifyIntegrity = %v, want %v", got, tt.want)
			}
		})
	}
}
