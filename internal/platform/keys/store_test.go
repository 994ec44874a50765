package keys

import (
	"context"
	"sync"
)

// countingStore wraps MemoryStore to count successful inserts and to run a
// hook before each insert.
type countingStore struct {
	*MemoryStore

	mu           sync.Mutex
	inserts      int
	beforeInsert func()
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore()}
}

func (s *countingStore) Insert(ctx context.Context, k *KeyMetadata) error {
	s.mu.Lock()
	hook := s.beforeInsert
	s.beforeInsert = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	if err := s.MemoryStore.Insert(ctx, k); err != nil {
		return err
	}
	s.mu.Lock()
	s.inserts++
	s.mu.Unlock()
	return nil
}

func (s *countingStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}
