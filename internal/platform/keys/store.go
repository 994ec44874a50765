package keys

import (
	"context"
	"time"
)

// Store persists key metadata. Implementations must enforce at most one
// active key per purpose and unique versions per purpose, so that several
// process instances cannot mint competing active keys.
type Store interface {
	FindActiveByPurpose(ctx context.Context, purpose Purpose) ([]*KeyMetadata, error)
	// FindLatestVersionByPurpose returns 0 when the purpose has no keys.
	FindLatestVersionByPurpose(ctx context.Context, purpose Purpose) (int, error)
	FindByID(ctx context.Context, keyID string) (*KeyMetadata, error)
	ListByPurpose(ctx context.Context, purpose Purpose) ([]*KeyMetadata, error)
	// Insert stores k only if it would not create a second active key for
	// k.Purpose (ErrActiveKeyExists) and k.Version is unused
	// (ErrVersionConflict).
	Insert(ctx context.Context, k *KeyMetadata) error
	// Rotate deactivates oldKeyID and inserts next in one transaction. The
	// store assigns next.Version. Returns ErrRotationConflict when oldKeyID
	// is not active anymore.
	Rotate(ctx context.Context, oldKeyID string, next *KeyMetadata) error
	Revoke(ctx context.Context, keyID string, at time.Time) error
}
