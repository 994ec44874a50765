package hipaa

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ehr/clinvault/internal/platform/keys"
)

// KeyProvider is the part of keys.Manager the engine depends on.
type KeyProvider interface {
	ActiveKey(ctx context.Context, purpose keys.Purpose) (*keys.KeyMetadata, error)
	KeyByID(ctx context.Context, keyID string) ([]byte, error)
	ValidateForDecryption(ctx context.Context, keyID string) error
	UserPersonalKey(userID string) ([]byte, error)
}

// Engine seals structured content with AES-256-GCM under keys from a
// KeyProvider. Every decryption failure is audited before it is returned.
type Engine struct {
	keys   KeyProvider
	audit  AuditSink
	logger zerolog.Logger
	rand   io.Reader
}

// NewEngine creates an Engine. A nil audit sink discards records.
func NewEngine(kp KeyProvider, audit AuditSink, logger zerolog.Logger) *Engine {
	if audit == nil {
		audit = NopAuditSink
	}
	return &Engine{
		keys:   kp,
		audit:  audit,
		logger: logger.With().Str("component", "encryption").Logger(),
		rand:   rand.Reader,
	}
}

// Encrypt serializes content as JSON and seals it under the active key for
// purpose.
func (e *Engine) Encrypt(ctx context.Context, content any, purpose keys.Purpose) (*EncryptedPayload, error) {
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt: serialize content: %w", err)
	}
	return e.encryptBytes(ctx, plaintext, purpose)
}

func (e *Engine) encryptBytes(ctx context.Context, plaintext []byte, purpose keys.Purpose) (*EncryptedPayload, error) {
	meta, err := e.keys.ActiveKey(ctx, purpose)
	if err != nil {
		return nil, fmt.Errorf("encrypt: resolve active key for %s: %w", purpose, err)
	}
	key, err := e.keys.KeyByID(ctx, meta.KeyID)
	if err != nil {
		return nil, fmt.Errorf("encrypt: load key %s: %w", meta.KeyID, err)
	}
	return e.seal(key, meta.KeyID, plaintext)
}

func (e *Engine) seal(key []byte, keyID string, plaintext []byte) (*EncryptedPayload, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return nil, fmt.Errorf("encrypt: generate iv: %w", err)
	}
	sealed, err := c.Seal(iv, plaintext)
	if err != nil {
		return nil, err
	}
	return &EncryptedPayload{Ciphertext: sealed, IV: iv, KeyID: keyID}, nil
}

// Decrypt opens p and decodes the JSON content into out. contextID names
// the protected record in audit entries. Classified failures are returned
// as *DecryptError.
func (e *Engine) Decrypt(ctx context.Context, p *EncryptedPayload, contextID string, out any) error {
	keyID := ""
	if p != nil {
		keyID = p.KeyID
	}

	plaintext, err := e.open(ctx, p)
	if err == nil {
		if uerr := json.Unmarshal(plaintext, out); uerr != nil {
			err = fmt.Errorf("%w: %v", ErrCorruptedData, uerr)
		}
	}
	if err != nil {
		return e.fail(ctx, keyID, contextID, err)
	}
	return nil
}

func (e *Engine) open(ctx context.Context, p *EncryptedPayload) ([]byte, error) {
	if p == nil || p.KeyID == "" {
		return nil, keys.ErrKeyNotFound
	}
	if err := e.keys.ValidateForDecryption(ctx, p.KeyID); err != nil {
		return nil, err
	}
	key, err := e.keys.KeyByID(ctx, p.KeyID)
	if err != nil {
		return nil, err
	}
	return openWith(key, p)
}

func openWith(key []byte, p *EncryptedPayload) ([]byte, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return c.Open(p.IV, p.Ciphertext)
}

// fail audits a decryption failure and returns the error the caller sees.
func (e *Engine) fail(ctx context.Context, keyID, contextID string, err error) error {
	reason, classified := classify(err)
	failure := string(reason)
	if !classified {
		failure = "KEY_RESOLUTION_ERROR"
	}

	e.audit.Log(ctx, AuditRecord{
		Action:        ActionDecryptFailure,
		Resource:      "encrypted_payload",
		ResourceID:    contextID,
		Success:       false,
		FailureReason: failure,
		Details:       map[string]any{"key_id": keyID},
	})
	e.logger.Warn().
		Str("context_id", contextID).
		Str("key_id", keyID).
		Str("reason", failure).
		Msg("decryption failed")

	if !classified {
		return fmt.Errorf("decrypt %s: %w", contextID, err)
	}
	return &DecryptError{Reason: reason, KeyID: keyID, ContextID: contextID, Err: err}
}

// EncryptPrivateNote seals text under ownerID's personal key. The payload's
// KeyID is PrivateNoteKeyID.
func (e *Engine) EncryptPrivateNote(ctx context.Context, text, ownerID string) (*EncryptedPayload, error) {
	key, err := e.keys.UserPersonalKey(ownerID)
	if err != nil {
		return nil, fmt.Errorf("encrypt private note: %w", err)
	}
	plaintext, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("encrypt private note: serialize: %w", err)
	}
	return e.seal(key, PrivateNoteKeyID, plaintext)
}

// DecryptPrivateNote opens a payload sealed by EncryptPrivateNote for ownerID.
func (e *Engine) DecryptPrivateNote(ctx context.Context, p *EncryptedPayload, ownerID, noteID string) (string, error) {
	keyID := ""
	if p != nil {
		keyID = p.KeyID
	}

	var text string
	err := func() error {
		if p == nil {
			return fmt.Errorf("%w: nil payload", ErrInvalidCiphertext)
		}
		key, err := e.keys.UserPersonalKey(ownerID)
		if err != nil {
			return err
		}
		plaintext, err := openWith(key, p)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(plaintext, &text); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}
		return nil
	}()
	if err != nil {
		return "", e.fail(ctx, keyID, noteID, err)
	}
	return text, nil
}

// ReEncrypt opens p under its current key and seals the same plaintext under
// the active key for purpose.
func (e *Engine) ReEncrypt(ctx context.Context, p *EncryptedPayload, purpose keys.Purpose, contextID string) (*EncryptedPayload, error) {
	var raw json.RawMessage
	if err := e.Decrypt(ctx, p, contextID, &raw); err != nil {
		return nil, err
	}
	return e.encryptBytes(ctx, raw, purpose)
}

// ActiveKeyID returns the id of the key new payloads for purpose are sealed
// under.
func (e *Engine) ActiveKeyID(ctx context.Context, purpose keys.Purpose) (string, error) {
	meta, err := e.keys.ActiveKey(ctx, purpose)
	if err != nil {
		return "", err
	}
	return meta.KeyID, nil
}

// NeedsReEncryption reports whether p was sealed under a key other than the
// active key for purpose.
func (e *Engine) NeedsReEncryption(ctx context.Context, p *EncryptedPayload, purpose keys.Purpose) (bool, error) {
	if p == nil {
		return false, errors.New("needs re-encryption: nil payload")
	}
	active, err := e.ActiveKeyID(ctx, purpose)
	if err != nil {
		return false, err
	}
	return p.KeyID != active, nil
}

// VerifyIntegrity is the structural pre-filter; it never decrypts.
func (e *Engine) VerifyIntegrity(p *EncryptedPayload) bool {
	return VerifyIntegrity(p)
}
