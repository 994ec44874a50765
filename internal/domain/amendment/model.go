package amendment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinvault/internal/domain/legal"
	"github.com/ehr/clinvault/internal/platform/auth"
	"github.com/ehr/clinvault/internal/platform/hipaa"
)

// Session maps to the legal-status columns of clinical_session.
type Session struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	PatientID    string       `db:"patient_id" json:"patient_id"`
	TherapistID  string       `db:"therapist_id" json:"therapist_id"`
	LegalStatus  legal.Status `db:"legal_status" json:"legal_status"`
	IsLocked     bool         `db:"is_locked" json:"is_locked"`
	HasLegalHold bool         `db:"has_legal_hold" json:"has_legal_hold"`
	SignedAt     *time.Time   `db:"signed_at" json:"signed_at,omitempty"`
	SignedBy     *string      `db:"signed_by" json:"signed_by,omitempty"`
	AmendedAt    *time.Time   `db:"amended_at" json:"amended_at,omitempty"`
	AmendedBy    *string      `db:"amended_by" json:"amended_by,omitempty"`
	AmendReason  *string      `db:"amend_reason" json:"amend_reason,omitempty"`
	VoidedAt     *time.Time   `db:"voided_at" json:"voided_at,omitempty"`
	VoidedBy     *string      `db:"voided_by" json:"voided_by,omitempty"`
	VoidReason   *string      `db:"void_reason" json:"void_reason,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// Addendum maps to the session_addendum table. Content never leaves the
// service in sealed form.
type Addendum struct {
	ID             uuid.UUID               `db:"id" json:"id"`
	SessionID      uuid.UUID               `db:"session_id" json:"session_id"`
	SequenceNumber int                     `db:"sequence_number" json:"sequence_number"`
	Content        *hipaa.EncryptedPayload `db:"-" json:"-"`
	Reason         string                  `db:"reason" json:"reason"`
	AuthorID       string                  `db:"author_id" json:"author_id"`
	SignedAt       *time.Time              `db:"signed_at" json:"signed_at,omitempty"`
	SignatureHash  *string                 `db:"signature_hash" json:"signature_hash,omitempty"`
	IsLocked       bool                    `db:"is_locked" json:"is_locked"`
	DiscardedAt    *time.Time              `db:"discarded_at" json:"-"`
	CreatedAt      time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time               `db:"updated_at" json:"updated_at"`
}

// Actor is the user performing a workflow operation.
type Actor struct {
	ID    string
	Roles []string
}

// IsSupervisor reports whether the actor holds the supervisor role. Admins
// qualify.
func (a Actor) IsSupervisor() bool {
	return auth.HasAnyRole(a.Roles, auth.RoleSupervisor)
}

// ActorFromContext reads the authenticated actor placed on ctx by the auth
// middleware.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{ID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

type CreateAddendumResult struct {
	AddendumID     uuid.UUID `json:"addendum_id"`
	SequenceNumber int       `json:"sequence_number"`
}

type SignAddendumResult struct {
	SessionID     uuid.UUID    `json:"session_id"`
	NewStatus     legal.Status `json:"new_status"`
	SignatureHash string       `json:"signature_hash"`
	SignedAt      time.Time    `json:"signed_at"`
}

type StatusResult struct {
	SessionID uuid.UUID    `json:"session_id"`
	NewStatus legal.Status `json:"new_status"`
	ChangedAt time.Time    `json:"changed_at"`
}

// AddendumView is a decrypted addendum. When decryption fails Content is
// masked and DecryptionError is set.
type AddendumView struct {
	ID              uuid.UUID                    `json:"id"`
	SequenceNumber  int                          `json:"sequence_number"`
	Reason          string                       `json:"reason"`
	AuthorID        string                       `json:"author_id"`
	SignedAt        *time.Time                   `json:"signed_at,omitempty"`
	IsLocked        bool                         `json:"is_locked"`
	CreatedAt       time.Time                    `json:"created_at"`
	Content         hipaa.Field[json.RawMessage] `json:"content"`
	DecryptionError bool                         `json:"decryption_error"`
}

type AddendumList struct {
	SessionID   uuid.UUID      `json:"session_id"`
	LegalStatus legal.Status   `json:"legal_status"`
	Addendums   []AddendumView `json:"addendums"`
}

// ReEncryptResult summarizes one re-encryption batch. Skipped counts addenda
// whose content changed between listing and writing; they are picked up by
// a later sweep. Next is nil when the batch was empty.
type ReEncryptResult struct {
	Scanned  int              `json:"scanned"`
	Migrated int              `json:"migrated"`
	Skipped  int              `json:"skipped"`
	Failed   int              `json:"failed"`
	Next     *ReEncryptCursor `json:"next,omitempty"`
}

// ReEncryptCursor is the (created_at, id) position of the last addendum a
// batch looked at. Its text form is "<RFC3339Nano>_<uuid>".
type ReEncryptCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

func (c ReEncryptCursor) String() string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "_" + c.ID.String()
}

func (c ReEncryptCursor) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ReEncryptCursor) UnmarshalText(b []byte) error {
	parsed, err := ParseReEncryptCursor(string(b))
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// ParseReEncryptCursor reads the text form produced by ReEncryptCursor.String.
func ParseReEncryptCursor(s string) (*ReEncryptCursor, error) {
	ts, id, ok := strings.Cut(s, "_")
	if !ok {
		return nil, fmt.Errorf("%w: malformed cursor %q", ErrBadRequest, s)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor time: %v", ErrBadRequest, err)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor id: %v", ErrBadRequest, err)
	}
	return &ReEncryptCursor{CreatedAt: at, ID: uid}, nil
}
