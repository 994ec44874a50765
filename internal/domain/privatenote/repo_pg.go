package privatenote

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinvault/internal/platform/db"
	"github.com/ehr/clinvault/internal/platform/hipaa"
)

type noteRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &noteRepoPG{pool: pool}
}

const noteCols = `id, session_id, owner_id, ciphertext, iv, key_id, created_at, updated_at`

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	p := &hipaa.EncryptedPayload{}
	err := row.Scan(&n.ID, &n.SessionID, &n.OwnerID, &p.Ciphertext, &p.IV, &p.KeyID, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	n.Content = p
	return &n, err
}

func (r *noteRepoPG) Create(ctx context.Context, n *Note) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := db.Executor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO private_note (id, session_id, owner_id, ciphertext, iv, key_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		n.ID, n.SessionID, n.OwnerID, n.Content.Ciphertext, n.Content.IV, n.Content.KeyID,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if db.IsForeignKeyViolation(err, "") {
		return fmt.Errorf("session %s: %w", n.SessionID, ErrNotFound)
	}
	return err
}

func (r *noteRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Note, error) {
	return scanNote(db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+noteCols+` FROM private_note WHERE id = $1`, id))
}

func (r *noteRepoPG) ListBySessionOwner(ctx context.Context, sessionID uuid.UUID, ownerID string) ([]*Note, error) {
	rows, err := db.Executor(ctx, r.pool).Query(ctx, `SELECT `+noteCols+` FROM private_note
		WHERE session_id = $1 AND owner_id = $2 ORDER BY created_at, id`, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (r *noteRepoPG) Update(ctx context.Context, n *Note) error {
	err := db.Executor(ctx, r.pool).QueryRow(ctx, `
		UPDATE private_note SET ciphertext = $2, iv = $3, key_id = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		n.ID, n.Content.Ciphertext, n.Content.IV, n.Content.KeyID,
	).Scan(&n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *noteRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Executor(ctx, r.pool).Exec(ctx, `DELETE FROM private_note WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
