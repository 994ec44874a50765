package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/ehr/clinvault/internal/platform/keys"
)

const (
	// IVSize is the length of the random nonce stored with every payload.
	IVSize = 16
	// TagSize is the length of the GCM tag trailing every ciphertext.
	TagSize = 16
)

// Cipher is AES-256-GCM with a 16-byte nonce. Sealed output is
// ciphertext followed by the tag.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher for a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keys.KeySize {
		return nil, fmt.Errorf("cipher: key must be %d bytes, got %d", keys.KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: create block: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("cipher: create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext under iv. The iv must never be reused with the
// same key.
func (c *Cipher) Seal(iv, plaintext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("cipher: iv must be %d bytes, got %d", IVSize, len(iv))
	}
	return c.aead.Seal(nil, iv, plaintext, nil), nil
}

// Open authenticates and decrypts sealed. Structural problems return
// ErrInvalidCiphertext; any authentication failure returns
// ErrAuthTagMismatch.
func (c *Cipher) Open(iv, sealed []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidCiphertext, IVSize, len(iv))
	}
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the tag", ErrInvalidCiphertext, len(sealed))
	}
	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthTagMismatch
	}
	return plaintext, nil
}
