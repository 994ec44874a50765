package privatenote

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinvault/internal/platform/hipaa"
)

// Note maps to the private_note table. Content is sealed under the
// owner's personal key.
type Note struct {
	ID        uuid.UUID               `db:"id" json:"id"`
	SessionID uuid.UUID               `db:"session_id" json:"session_id"`
	OwnerID   string                  `db:"owner_id" json:"owner_id"`
	Content   *hipaa.EncryptedPayload `db:"-" json:"-"`
	CreatedAt time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt time.Time               `db:"updated_at" json:"updated_at"`
}

// NoteView is a note as returned to its owner.
type NoteView struct {
	ID              uuid.UUID           `json:"id"`
	SessionID       uuid.UUID           `json:"session_id"`
	OwnerID         string              `json:"owner_id"`
	Text            hipaa.Field[string] `json:"text"`
	DecryptionError bool                `json:"decryption_error"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}
