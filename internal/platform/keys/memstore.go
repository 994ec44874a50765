package keys

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process tooling.
// It enforces the same invariants as the Postgres store.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*KeyMetadata
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*KeyMetadata)}
}

// Put stores k unconditionally, bypassing the active-key check.
func (s *MemoryStore) Put(k *KeyMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.KeyID] = k.clone()
}

func (s *MemoryStore) FindActiveByPurpose(_ context.Context, purpose Purpose) ([]*KeyMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*KeyMetadata
	for _, k := range s.keys {
		if k.Purpose == purpose && k.IsActive {
			out = append(out, k.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *MemoryStore) latest(purpose Purpose) int {
	v := 0
	for _, k := range s.keys {
		if k.Purpose == purpose && k.Version > v {
			v = k.Version
		}
	}
	return v
}

func (s *MemoryStore) FindLatestVersionByPurpose(_ context.Context, purpose Purpose) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(purpose), nil
}

func (s *MemoryStore) FindByID(_ context.Context, keyID string) (*KeyMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k.clone(), nil
}

func (s *MemoryStore) ListByPurpose(_ context.Context, purpose Purpose) ([]*KeyMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*KeyMetadata
	for _, k := range s.keys {
		if k.Purpose == purpose {
			out = append(out, k.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) insertLocked(k *KeyMetadata) error {
	for _, existing := range s.keys {
		if existing.Purpose != k.Purpose {
			continue
		}
		if k.IsActive && existing.IsActive {
			return ErrActiveKeyExists
		}
		if existing.Version == k.Version {
			return ErrVersionConflict
		}
	}
	s.keys[k.KeyID] = k.clone()
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, k *KeyMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(k)
}

func (s *MemoryStore) Rotate(_ context.Context, oldKeyID string, next *KeyMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.keys[oldKeyID]
	if !ok || !old.IsActive {
		return ErrRotationConflict
	}
	old.IsActive = false
	at := next.CreatedAt
	old.RotatedAt = &at
	next.Version = s.latest(next.Purpose) + 1
	if err := s.insertLocked(next); err != nil {
		old.IsActive = true
		old.RotatedAt = nil
		return err
	}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	k.IsActive = false
	k.RevokedAt = &at
	if k.RotatedAt == nil {
		k.RotatedAt = &at
	}
	return nil
}
