package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinvault/internal/platform/db"
)

const (
	constraintActivePurpose  = "uq_key_metadata_active_purpose"
	constraintPurposeVersion = "uq_key_metadata_purpose_version"
)

type pgStore struct {
	pool *pgxpool.Pool
	tx   db.Transactor
}

// NewPGStore returns a Store backed by the key_metadata table.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool, tx: db.NewTransactor(pool)}
}

const keyCols = `key_id, purpose, version, algorithm, is_active, vault_path,
	created_at, rotated_at, expires_at, revoked_at`

func scanKey(row pgx.Row) (*KeyMetadata, error) {
	var k KeyMetadata
	err := row.Scan(&k.KeyID, &k.Purpose, &k.Version, &k.Algorithm, &k.IsActive, &k.VaultPath,
		&k.CreatedAt, &k.RotatedAt, &k.ExpiresAt, &k.RevokedAt)
	return &k, err
}

func (s *pgStore) queryKeys(ctx context.Context, sql string, args ...interface{}) ([]*KeyMetadata, error) {
	rows, err := db.Executor(ctx, s.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*KeyMetadata
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, k)
	}
	return items, rows.Err()
}

func (s *pgStore) FindActiveByPurpose(ctx context.Context, purpose Purpose) ([]*KeyMetadata, error) {
	items, err := s.queryKeys(ctx,
		`SELECT `+keyCols+` FROM key_metadata WHERE purpose = $1 AND is_active ORDER BY version DESC`, purpose)
	if err != nil {
		return nil, fmt.Errorf("find active keys for %s: %w", purpose, err)
	}
	return items, nil
}

func (s *pgStore) FindLatestVersionByPurpose(ctx context.Context, purpose Purpose) (int, error) {
	var v int
	err := db.Executor(ctx, s.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM key_metadata WHERE purpose = $1`, purpose).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("latest key version for %s: %w", purpose, err)
	}
	return v, nil
}

func (s *pgStore) FindByID(ctx context.Context, keyID string) (*KeyMetadata, error) {
	k, err := scanKey(db.Executor(ctx, s.pool).QueryRow(ctx,
		`SELECT `+keyCols+` FROM key_metadata WHERE key_id = $1`, keyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find key %s: %w", keyID, err)
	}
	return k, nil
}

func (s *pgStore) ListByPurpose(ctx context.Context, purpose Purpose) ([]*KeyMetadata, error) {
	items, err := s.queryKeys(ctx,
		`SELECT `+keyCols+` FROM key_metadata WHERE purpose = $1 ORDER BY version`, purpose)
	if err != nil {
		return nil, fmt.Errorf("list keys for %s: %w", purpose, err)
	}
	return items, nil
}

// Insert is a conditional write: an active row is only inserted when the
// purpose has no active row. The partial unique index closes the window
// between the check and the insert.
func (s *pgStore) Insert(ctx context.Context, k *KeyMetadata) error {
	tag, err := db.Executor(ctx, s.pool).Exec(ctx, `
		INSERT INTO key_metadata (key_id, purpose, version, algorithm, is_active, vault_path, created_at, expires_at)
		SELECT $1::text, $2::text, $3::integer, $4::text, $5::boolean, $6::text, $7::timestamptz, $8::timestamptz
		WHERE NOT $5::boolean
		   OR NOT EXISTS (SELECT 1 FROM key_metadata WHERE purpose = $2::text AND is_active)`,
		k.KeyID, k.Purpose, k.Version, k.Algorithm, k.IsActive, k.VaultPath, k.CreatedAt, k.ExpiresAt)
	return s.insertResult(k, tag.RowsAffected(), err)
}

func (s *pgStore) insertResult(k *KeyMetadata, affected int64, err error) error {
	switch {
	case db.IsUniqueViolation(err, constraintActivePurpose):
		return fmt.Errorf("insert key %s: %w", k.Purpose, ErrActiveKeyExists)
	case db.IsUniqueViolation(err, constraintPurposeVersion):
		return fmt.Errorf("insert key %s v%d: %w", k.Purpose, k.Version, ErrVersionConflict)
	case err != nil:
		return fmt.Errorf("insert key %s v%d: %w", k.Purpose, k.Version, err)
	case affected == 0:
		return fmt.Errorf("insert key %s: %w", k.Purpose, ErrActiveKeyExists)
	}
	return nil
}

// Rotate serializes rotations per purpose with a transaction-scoped advisory
// lock, then deactivates the old key and inserts the next one.
func (s *pgStore) Rotate(ctx context.Context, oldKeyID string, next *KeyMetadata) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		q := db.Executor(ctx, s.pool)

		if _, err := q.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext('key_metadata:' || $1::text))`, next.Purpose); err != nil {
			return fmt.Errorf("lock purpose %s: %w", next.Purpose, err)
		}

		tag, err := q.Exec(ctx, `
			UPDATE key_metadata SET is_active = FALSE, rotated_at = $2
			WHERE key_id = $1 AND purpose = $3 AND is_active`, oldKeyID, next.CreatedAt, next.Purpose)
		if err != nil {
			return fmt.Errorf("deactivate key %s: %w", oldKeyID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("rotate key %s: %w", oldKeyID, ErrRotationConflict)
		}

		var latest int
		if err := q.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM key_metadata WHERE purpose = $1`, next.Purpose).Scan(&latest); err != nil {
			return fmt.Errorf("latest key version for %s: %w", next.Purpose, err)
		}
		next.Version = latest + 1

		_, err = q.Exec(ctx, `
			INSERT INTO key_metadata (key_id, purpose, version, algorithm, is_active, vault_path, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			next.KeyID, next.Purpose, next.Version, next.Algorithm, next.IsActive, next.VaultPath, next.CreatedAt, next.ExpiresAt)
		return s.insertResult(next, 1, err)
	})
}

func (s *pgStore) Revoke(ctx context.Context, keyID string, at time.Time) error {
	tag, err := db.Executor(ctx, s.pool).Exec(ctx, `
		UPDATE key_metadata SET is_active = FALSE, revoked_at = $2,
			rotated_at = COALESCE(rotated_at, $2)
		WHERE key_id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("revoke key %s: %w", keyID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke key %s: %w", keyID, ErrKeyNotFound)
	}
	return nil
}
