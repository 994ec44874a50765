package amendment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinvault/internal/platform/hipaa"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
)

// ErrSequenceConflict is returned by AddendumRepository.Create when the
// sequence number is already taken for the session.
var ErrSequenceConflict = errors.New("addendum sequence number already used")

// ErrContentChanged is returned by AddendumRepository.UpdateContent when the
// stored payload no longer matches the one the caller read.
var ErrContentChanged = errors.New("addendum content changed concurrently")

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// GetByIDForUpdate locks the session row for the rest of the
	// surrounding transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Session, error)
	UpdateLegalStatus(ctx context.Context, s *Session) error
}

// AddendumRepository stores addenda. Discarded addenda are invisible to
// every read except MaxSequence, so their sequence numbers are never reused.
type AddendumRepository interface {
	Create(ctx context.Context, a *Addendum) error
	GetByID(ctx context.Context, id uuid.UUID) (*Addendum, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*Addendum, error)
	// MaxSequence returns 0 when the session has no addenda. Discarded
	// addenda count.
	MaxSequence(ctx context.Context, sessionID uuid.UUID) (int, error)
	// Update rewrites the reason and content of an unsigned addendum.
	Update(ctx context.Context, a *Addendum) error
	// MarkSigned sets the signature columns and locks an unsigned addendum.
	// Content columns are not written.
	MarkSigned(ctx context.Context, id uuid.UUID, signedAt time.Time, signatureHash string) error
	// UpdateContent swaps the sealed content from one payload to another
	// and touches no other column. It returns ErrContentChanged when the
	// stored payload is no longer from.
	UpdateContent(ctx context.Context, id uuid.UUID, from, to *hipaa.EncryptedPayload) error
	// Discard marks an unsigned addendum discarded.
	Discard(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListNotUnderKey returns up to limit addenda whose content is sealed
	// under a key other than keyID, ordered by (created_at, id) and starting
	// strictly after the cursor when one is given.
	ListNotUnderKey(ctx context.Context, keyID string, after *ReEncryptCursor, limit int) ([]*Addendum, error)
}
