package hipaa

import (
	"errors"
	"fmt"

	"github.com/ehr/clinvault/internal/platform/keys"
)

var (
	// ErrInvalidCiphertext means the payload is structurally unusable: wrong
	// IV length or a sealed blob shorter than the tag.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrAuthTagMismatch means authenticated decryption rejected the payload.
	ErrAuthTagMismatch = errors.New("authentication tag mismatch")
	// ErrCorruptedData means decryption succeeded but the plaintext could
	// not be decoded.
	ErrCorruptedData = errors.New("corrupted data")
)

// FailureReason classifies a decryption failure.
type FailureReason string

const (
	ReasonKeyNotFound       FailureReason = "KEY_NOT_FOUND"
	ReasonKeyExpired        FailureReason = "KEY_EXPIRED"
	ReasonKeyRevoked        FailureReason = "KEY_REVOKED"
	ReasonInvalidCiphertext FailureReason = "INVALID_CIPHERTEXT"
	ReasonAuthTagMismatch   FailureReason = "AUTH_TAG_MISMATCH"
	ReasonCorruptedData     FailureReason = "CORRUPTED_DATA"
)

// DecryptError is returned for every classified decryption failure. Err
// holds the underlying sentinel so errors.Is works against both the keys
// and hipaa taxonomies.
type DecryptError struct {
	Reason    FailureReason
	KeyID     string
	ContextID string
	Err       error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt %s (key %s): %s: %v", e.ContextID, e.KeyID, e.Reason, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// classify maps err onto the failure taxonomy. ok is false for errors
// outside it, such as a store outage during key resolution.
func classify(err error) (FailureReason, bool) {
	switch {
	case errors.Is(err, keys.ErrKeyNotFound):
		return ReasonKeyNotFound, true
	case errors.Is(err, keys.ErrKeyExpired):
		return ReasonKeyExpired, true
	case errors.Is(err, keys.ErrKeyRevoked):
		return ReasonKeyRevoked, true
	case errors.Is(err, ErrInvalidCiphertext):
		return ReasonInvalidCiphertext, true
	case errors.Is(err, ErrAuthTagMismatch):
		return ReasonAuthTagMismatch, true
	case errors.Is(err, ErrCorruptedData):
		return ReasonCorruptedData, true
	}
	return "", false
}

// ReasonOf returns the failure reason carried by err, if any.
func ReasonOf(err error) (FailureReason, bool) {
	var de *DecryptError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}
