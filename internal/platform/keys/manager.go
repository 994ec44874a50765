package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"
)

const (
	userPersonalLabel    = "user-personal-key:"
	maxCreateAttempts    = 3
	defaultActiveRecheck = 30 * time.Second
)

// Options tunes a Manager.
type Options struct {
	// KeyTTL sets ExpiresAt on newly minted keys. Zero means no expiry.
	KeyTTL time.Duration
	// ActiveRecheck bounds how long a cached active key is trusted before
	// the store is consulted again, so rotations and revocations made by
	// other processes are picked up. Zero means 30 seconds.
	ActiveRecheck time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// activeEntry is the cached active key of one purpose.
type activeEntry struct {
	key       *KeyMetadata
	checkedAt time.Time
}

// Manager derives purpose-scoped and user-scoped keys from a single master
// secret and keeps derived material and metadata in process-wide caches.
type Manager struct {
	store    Store
	master   []byte
	ttl      time.Duration
	recheck  time.Duration
	now      func() time.Time
	meta     *cache[*KeyMetadata]
	material *cache[[]byte]
	active   *cache[activeEntry]
	creating singleflight.Group
	logger   zerolog.Logger
}

// DecodeMasterSecret decodes a 64-character hex string into the 32-byte
// master secret.
func DecodeMasterSecret(s string) ([]byte, error) {
	if len(s) != 2*KeySize {
		return nil, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidMasterSecret, 2*KeySize, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex", ErrInvalidMasterSecret)
	}
	return b, nil
}

// NewManager validates the master secret and returns a ready Manager. An
// invalid secret must stop the process.
func NewManager(masterHex string, store Store, opts Options, logger zerolog.Logger) (*Manager, error) {
	master, err := DecodeMasterSecret(masterHex)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	recheck := opts.ActiveRecheck
	if recheck <= 0 {
		recheck = defaultActiveRecheck
	}
	return &Manager{
		store:    store,
		master:   master,
		ttl:      opts.KeyTTL,
		recheck:  recheck,
		now:      now,
		meta:     newCache[*KeyMetadata](),
		material: newCache[[]byte](),
		active:   newCache[activeEntry](),
		logger:   logger.With().Str("component", "key_manager").Logger(),
	}, nil
}

func (m *Manager) derive(info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, m.master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func purposeLabel(p Purpose, version int) string {
	return fmt.Sprintf("%s:%d", p, version)
}

// remember derives the key for k and caches both material and metadata.
func (m *Manager) remember(k *KeyMetadata) ([]byte, error) {
	key, err := m.derive(purposeLabel(k.Purpose, k.Version))
	if err != nil {
		return nil, err
	}
	m.meta.Set(k.KeyID, k.clone())
	m.material.Set(k.KeyID, key)
	return key, nil
}

// pickActive chooses the highest version among candidates. More than one
// candidate means the one-active-key invariant was broken and is reported.
func (m *Manager) pickActive(purpose Purpose, candidates []*KeyMetadata) *KeyMetadata {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Version > candidates[j].Version })
	if len(candidates) > 1 {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.KeyID
		}
		m.logger.Warn().
			Str("purpose", string(purpose)).
			Strs("key_ids", ids).
			Int("chosen_version", candidates[0].Version).
			Msg("multiple active keys for purpose")
	}
	return candidates[0]
}

// cachedActive returns the cached active key for purpose while it is usable
// and was confirmed against the store within the recheck interval.
func (m *Manager) cachedActive(purpose Purpose) *KeyMetadata {
	e, ok := m.active.Get(string(purpose))
	if !ok {
		return nil
	}
	now := m.now()
	if !e.key.usable(now) || now.Sub(e.checkedAt) >= m.recheck {
		return nil
	}
	return e.key
}

func (m *Manager) setActive(k *KeyMetadata) {
	m.active.Set(string(k.Purpose), activeEntry{key: k.clone(), checkedAt: m.now()})
}

// ActiveKey returns the active, unexpired key for purpose, creating one when
// the purpose has none. Concurrent callers in this process share a single
// store round-trip.
func (m *Manager) ActiveKey(ctx context.Context, purpose Purpose) (*KeyMetadata, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("active key: unknown purpose %q", purpose)
	}
	if k := m.cachedActive(purpose); k != nil {
		return k.clone(), nil
	}

	// The shared lookup runs detached from any one caller; a caller whose
	// ctx ends stops waiting without failing the others.
	sharedCtx := context.WithoutCancel(ctx)
	ch := m.creating.DoChan(string(purpose), func() (interface{}, error) {
		if k := m.cachedActive(purpose); k != nil {
			return k, nil
		}
		return m.resolveActive(sharedCtx, purpose)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*KeyMetadata).clone(), nil
	}
}

func (m *Manager) resolveActive(ctx context.Context, purpose Purpose) (*KeyMetadata, error) {
	actives, err := m.store.FindActiveByPurpose(ctx, purpose)
	if err != nil {
		return nil, err
	}

	var usable []*KeyMetadata
	for _, k := range actives {
		if k.usable(m.now()) {
			usable = append(usable, k)
		}
	}
	if k := m.pickActive(purpose, usable); k != nil {
		if _, err := m.remember(k); err != nil {
			return nil, err
		}
		m.setActive(k)
		return k, nil
	}

	// An active key that has expired is rotated away rather than left in place.
	if stale := m.pickActive(purpose, actives); stale != nil {
		rot, err := m.rotateFrom(ctx, stale)
		if err != nil {
			return nil, err
		}
		return rot.New, nil
	}

	return m.CreateKey(ctx, purpose)
}

func (m *Manager) newKey(purpose Purpose, version int) *KeyMetadata {
	now := m.now()
	k := &KeyMetadata{
		KeyID:     uuid.New().String(),
		Purpose:   purpose,
		Version:   version,
		Algorithm: Algorithm,
		IsActive:  true,
		CreatedAt: now,
	}
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		k.ExpiresAt = &exp
	}
	return k
}

// CreateKey mints version latest+1 for purpose. The insert is conditional on
// the purpose having no active key; if another writer won, the winner's key
// is returned instead.
func (m *Manager) CreateKey(ctx context.Context, purpose Purpose) (*KeyMetadata, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("create key: unknown purpose %q", purpose)
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		latest, err := m.store.FindLatestVersionByPurpose(ctx, purpose)
		if err != nil {
			return nil, err
		}

		k := m.newKey(purpose, latest+1)
		err = m.store.Insert(ctx, k)
		switch {
		case err == nil:
			if _, err := m.remember(k); err != nil {
				return nil, err
			}
			m.setActive(k)
			m.logger.Info().
				Str("purpose", string(purpose)).
				Str("key_id", k.KeyID).
				Int("version", k.Version).
				Msg("created encryption key")
			return k.clone(), nil

		case errors.Is(err, ErrActiveKeyExists):
			actives, ferr := m.store.FindActiveByPurpose(ctx, purpose)
			if ferr != nil {
				return nil, ferr
			}
			if winner := m.pickActive(purpose, actives); winner != nil {
				if _, err := m.remember(winner); err != nil {
					return nil, err
				}
				m.setActive(winner)
				return winner.clone(), nil
			}

		case errors.Is(err, ErrVersionConflict):
			m.logger.Debug().Str("purpose", string(purpose)).Int("version", k.Version).Msg("key version taken, retrying")

		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("create key for %s after %d attempts: %w", purpose, maxCreateAttempts, ErrVersionConflict)
}

// RotateKey deactivates the purpose's active key and activates a new
// version in one store transaction. Content is not re-encrypted; the old
// key stays resolvable for decryption.
func (m *Manager) RotateKey(ctx context.Context, purpose Purpose) (*Rotation, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("rotate key: unknown purpose %q", purpose)
	}

	actives, err := m.store.FindActiveByPurpose(ctx, purpose)
	if err != nil {
		return nil, err
	}
	current := m.pickActive(purpose, actives)
	if current == nil {
		k, err := m.CreateKey(ctx, purpose)
		if err != nil {
			return nil, err
		}
		return &Rotation{New: k}, nil
	}
	return m.rotateFrom(ctx, current)
}

func (m *Manager) rotateFrom(ctx context.Context, old *KeyMetadata) (*Rotation, error) {
	next := m.newKey(old.Purpose, old.Version+1)
	if err := m.store.Rotate(ctx, old.KeyID, next); err != nil {
		return nil, err
	}

	retired := old.clone()
	retired.IsActive = false
	rotatedAt := next.CreatedAt
	retired.RotatedAt = &rotatedAt
	if _, err := m.remember(retired); err != nil {
		return nil, err
	}
	if _, err := m.remember(next); err != nil {
		return nil, err
	}
	m.setActive(next)

	m.logger.Info().
		Str("purpose", string(old.Purpose)).
		Str("old_key_id", old.KeyID).
		Int("old_version", old.Version).
		Str("new_key_id", next.KeyID).
		Int("new_version", next.Version).
		Msg("rotated encryption key")

	return &Rotation{Old: retired.clone(), New: next.clone()}, nil
}

// KeyByID returns the key material for keyID, re-deriving it from stored
// metadata on a cache miss. The returned slice is a copy.
func (m *Manager) KeyByID(ctx context.Context, keyID string) ([]byte, error) {
	if key, ok := m.material.Get(keyID); ok {
		return append([]byte(nil), key...), nil
	}

	k, err := m.store.FindByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	key, err := m.remember(k)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), key...), nil
}

// Metadata returns the metadata for keyID, from cache or the store.
func (m *Manager) Metadata(ctx context.Context, keyID string) (*KeyMetadata, error) {
	if k, ok := m.meta.Get(keyID); ok {
		return k.clone(), nil
	}
	if _, err := m.KeyByID(ctx, keyID); err != nil {
		return nil, err
	}
	k, _ := m.meta.Get(keyID)
	return k.clone(), nil
}

// UserPersonalKey derives the key protecting userID's private notes. It is
// recomputed on every call and never cached or recorded as metadata.
func (m *Manager) UserPersonalKey(userID string) ([]byte, error) {
	if userID == "" {
		return nil, errors.New("user personal key: empty user id")
	}
	return m.derive(userPersonalLabel + userID)
}

// ValidateForDecryption rejects keys that are revoked or past their expiry.
// It always reads the store, so a revocation made by another process takes
// effect immediately. Unknown keys fail with ErrKeyNotFound.
func (m *Manager) ValidateForDecryption(ctx context.Context, keyID string) error {
	k, err := m.store.FindByID(ctx, keyID)
	if err != nil {
		return err
	}
	m.meta.Set(keyID, k.clone())
	if k.Revoked() || !k.IsActive {
		m.forgetActive(k)
	}
	if k.Revoked() {
		return fmt.Errorf("key %s: %w", keyID, ErrKeyRevoked)
	}
	if k.Expired(m.now()) {
		return fmt.Errorf("key %s: %w", keyID, ErrKeyExpired)
	}
	return nil
}

// RevokeKey marks keyID revoked. Content under it can no longer be
// decrypted; if it was active, the next ActiveKey call mints a replacement.
func (m *Manager) RevokeKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	k, err := m.store.FindByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	at := m.now()
	if err := m.store.Revoke(ctx, keyID, at); err != nil {
		return nil, err
	}
	k.IsActive = false
	k.RevokedAt = &at
	if k.RotatedAt == nil {
		k.RotatedAt = &at
	}
	m.meta.Set(keyID, k.clone())
	m.forgetActive(k)

	m.logger.Warn().
		Str("purpose", string(k.Purpose)).
		Str("key_id", keyID).
		Int("version", k.Version).
		Msg("revoked encryption key")
	return k, nil
}

// forgetActive drops the cached active key of k's purpose if it is k.
func (m *Manager) forgetActive(k *KeyMetadata) {
	if e, ok := m.active.Get(string(k.Purpose)); ok && e.key.KeyID == k.KeyID {
		m.active.Delete(string(k.Purpose))
	}
}

// ListKeys returns every key recorded for purpose, oldest first.
func (m *Manager) ListKeys(ctx context.Context, purpose Purpose) ([]*KeyMetadata, error) {
	return m.store.ListByPurpose(ctx, purpose)
}

// Check verifies the key store is reachable.
func (m *Manager) Check(ctx context.Context) error {
	_, err := m.store.FindLatestVersionByPurpose(ctx, PurposeClinicalNotes)
	return err
}
