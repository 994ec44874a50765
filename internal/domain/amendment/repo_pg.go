package amendment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinvault/internal/platform/db"
	"github.com/ehr/clinvault/internal/platform/hipaa"
)

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

const sessionCols = `id, patient_id, therapist_id, legal_status, is_locked, has_legal_hold,
	signed_at, signed_by, amended_at, amended_by, amend_reason,
	voided_at, voided_by, void_reason, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.PatientID, &s.TherapistID, &s.LegalStatus, &s.IsLocked, &s.HasLegalHold,
		&s.SignedAt, &s.SignedBy, &s.AmendedAt, &s.AmendedBy, &s.AmendReason,
		&s.VoidedAt, &s.VoidedBy, &s.VoidReason, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return db.Executor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO clinical_session (id, patient_id, therapist_id, legal_status, is_locked, has_legal_hold)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		s.ID, s.PatientID, s.TherapistID, s.LegalStatus, s.IsLocked, s.HasLegalHold,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM clinical_session WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM clinical_session WHERE id = $1 FOR UPDATE`, id))
}

func (r *sessionRepoPG) UpdateLegalStatus(ctx context.Context, s *Session) error {
	tag, err := db.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE clinical_session SET
			legal_status = $2, is_locked = $3,
			signed_at = $4, signed_by = $5,
			amended_at = $6, amended_by = $7, amend_reason = $8,
			voided_at = $9, voided_by = $10, void_reason = $11,
			updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.LegalStatus, s.IsLocked,
		s.SignedAt, s.SignedBy,
		s.AmendedAt, s.AmendedBy, s.AmendReason,
		s.VoidedAt, s.VoidedBy, s.VoidReason)
	if err != nil {
		return fmt.Errorf("update session %s legal status: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Addendum Repository ===========

type addendumRepoPG struct{ pool *pgxpool.Pool }

func NewAddendumRepoPG(pool *pgxpool.Pool) AddendumRepository {
	return &addendumRepoPG{pool: pool}
}

const constraintAddendumSequence = "uq_session_addendum_sequence"

const addendumCols = `id, session_id, sequence_number, ciphertext, iv, key_id, reason, author_id,
	signed_at, signature_hash, is_locked, created_at, updated_at`

func scanAddendum(row pgx.Row) (*Addendum, error) {
	var a Addendum
	p := &hipaa.EncryptedPayload{}
	err := row.Scan(&a.ID, &a.SessionID, &a.SequenceNumber, &p.Ciphertext, &p.IV, &p.KeyID, &a.Reason, &a.AuthorID,
		&a.SignedAt, &a.SignatureHash, &a.IsLocked, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	a.Content = p
	return &a, err
}

func (r *addendumRepoPG) Create(ctx context.Context, a *Addendum) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.Executor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO session_addendum (id, session_id, sequence_number, ciphertext, iv, key_id, reason, author_id, is_locked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		a.ID, a.SessionID, a.SequenceNumber, a.Content.Ciphertext, a.Content.IV, a.Content.KeyID,
		a.Reason, a.AuthorID, a.IsLocked,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return insertAddendumError(err)
}

func insertAddendumError(err error) error {
	if db.IsUniqueViolation(err, constraintAddendumSequence) {
		return ErrSequenceConflict
	}
	return err
}

func (r *addendumRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Addendum, error) {
	return scanAddendum(db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+addendumCols+` FROM session_addendum WHERE id = $1 AND discarded_at IS NULL`, id))
}

func (r *addendumRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Addendum, error) {
	rows, err := db.Executor(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Addendum
	for rows.Next() {
		a, err := scanAddendum(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *addendumRepoPG) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*Addendum, error) {
	return r.list(ctx, `SELECT `+addendumCols+` FROM session_addendum
		WHERE session_id = $1 AND discarded_at IS NULL ORDER BY sequence_number`, sessionID)
}

func (r *addendumRepoPG) MaxSequence(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM session_addendum WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

func (r *addendumRepoPG) Update(ctx context.Context, a *Addendum) error {
	tag, err := db.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE session_addendum SET
			ciphertext = $2, iv = $3, key_id = $4, reason = $5,
			updated_at = NOW()
		WHERE id = $1 AND NOT is_locked AND discarded_at IS NULL`,
		a.ID, a.Content.Ciphertext, a.Content.IV, a.Content.KeyID, a.Reason)
	if err != nil {
		return fmt.Errorf("update addendum %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *addendumRepoPG) MarkSigned(ctx context.Context, id uuid.UUID, signedAt time.Time, signatureHash string) error {
	tag, err := db.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE session_addendum SET
			signed_at = $2, signature_hash = $3, is_locked = TRUE,
			updated_at = NOW()
		WHERE id = $1 AND NOT is_locked AND discarded_at IS NULL`,
		id, signedAt, signatureHash)
	if err != nil {
		return fmt.Errorf("sign addendum %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *addendumRepoPG) UpdateContent(ctx context.Context, id uuid.UUID, from, to *hipaa.EncryptedPayload) error {
	tag, err := db.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE session_addendum SET
			ciphertext = $2, iv = $3, key_id = $4,
			updated_at = NOW()
		WHERE id = $1 AND key_id = $5 AND iv = $6 AND discarded_at IS NULL`,
		id, to.Ciphertext, to.IV, to.KeyID, from.KeyID, from.IV)
	if err != nil {
		return fmt.Errorf("update addendum %s content: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrContentChanged
	}
	return nil
}

func (r *addendumRepoPG) Discard(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Executor(ctx, r.pool).Exec(ctx, `
		UPDATE session_addendum SET discarded_at = $2, updated_at = NOW()
		WHERE id = $1 AND NOT is_locked AND discarded_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *addendumRepoPG) ListNotUnderKey(ctx context.Context, keyID string, after *ReEncryptCursor, limit int) ([]*Addendum, error) {
	if after == nil {
		return r.list(ctx, `SELECT `+addendumCols+` FROM session_addendum
			WHERE key_id <> $1 AND discarded_at IS NULL
			ORDER BY created_at, id LIMIT $2`, keyID, limit)
	}
	return r.list(ctx, `SELECT `+addendumCols+` FROM session_addendum
		WHERE key_id <> $1 AND discarded_at IS NULL AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id LIMIT $4`, keyID, after.CreatedAt, after.ID, limit)
}
