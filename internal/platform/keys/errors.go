package keys

import "errors"

var (
	ErrKeyNotFound         = errors.New("key not found")
	ErrKeyExpired          = errors.New("key expired")
	ErrKeyRevoked          = errors.New("key revoked")
	ErrInvalidMasterSecret = errors.New("invalid master secret")

	// ErrActiveKeyExists is returned by Store.Insert when the purpose
	// already has an active key.
	ErrActiveKeyExists = errors.New("active key already exists for purpose")
	// ErrVersionConflict is returned by Store.Insert when the version was
	// taken by a concurrent writer.
	ErrVersionConflict = errors.New("key version already exists for purpose")
	// ErrRotationConflict is returned by Store.Rotate when the key being
	// rotated is no longer active.
	ErrRotationConflict = errors.New("key is no longer active")
)
