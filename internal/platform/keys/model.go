// Package keys owns the master secret and the purpose-scoped symmetric keys
// derived from it. Key material is never persisted; only metadata is stored,
// and any key can be re-derived from the master secret plus its
// purpose and version.
package keys

import (
	"fmt"
	"time"
)

// Purpose scopes key derivation and rotation.
type Purpose string

const (
	PurposeClinicalNotes Purpose = "CLINICAL_NOTES"
	PurposePrivateNotes  Purpose = "PRIVATE_NOTES"
	PurposeUserPersonal  Purpose = "USER_PERSONAL"
)

// Purposes lists every known purpose.
var Purposes = []Purpose{PurposeClinicalNotes, PurposePrivateNotes, PurposeUserPersonal}

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeClinicalNotes, PurposePrivateNotes, PurposeUserPersonal:
		return true
	}
	return false
}

// ParsePurpose converts s into a Purpose.
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown key purpose %q", s)
	}
	return p, nil
}

const (
	// Algorithm is the tag recorded on every key this package mints.
	Algorithm = "AES-256-GCM"
	// KeySize is the length of derived keys and of the master secret.
	KeySize = 32
)

// KeyMetadata maps to the key_metadata table.
type KeyMetadata struct {
	KeyID     string     `db:"key_id" json:"key_id"`
	Purpose   Purpose    `db:"purpose" json:"purpose"`
	Version   int        `db:"version" json:"version"`
	Algorithm string     `db:"algorithm" json:"algorithm"`
	IsActive  bool       `db:"is_active" json:"is_active"`
	VaultPath string     `db:"vault_path" json:"vault_path,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	RotatedAt *time.Time `db:"rotated_at" json:"rotated_at,omitempty"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Expired reports whether the key's expiry lies at or before now.
func (k *KeyMetadata) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Revoked reports whether the key was revoked.
func (k *KeyMetadata) Revoked() bool {
	return k.RevokedAt != nil
}

// usable reports whether the key may encrypt new content.
func (k *KeyMetadata) usable(now time.Time) bool {
	return k.IsActive && !k.Revoked() && !k.Expired(now)
}

func (k *KeyMetadata) clone() *KeyMetadata {
	c := *k
	return &c
}

// Rotation is the result of RotateKey. Old is nil when the purpose had no
// active key.
type Rotation struct {
	Old *KeyMetadata `json:"old_key,omitempty"`
	New *KeyMetadata `json:"new_key"`
}
