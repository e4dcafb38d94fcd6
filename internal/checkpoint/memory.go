package checkpoint

import (
	"fmt"
	"sync"

	"driveup/internal/mirror"
)

// MemoryStore is an in-memory CheckpointStore for tests.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]mirror.Checkpoint
	locked  map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]mirror.Checkpoint),
		locked:  make(map[string]bool),
	}
}

func (s *MemoryStore) Load(key string) (*mirror.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryStore) Save(key string, cp mirror.Checkpoint) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = cp
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Lock(key string) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[key] {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	s.locked[key] = true

	var once sync.Once
	return func() error {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.locked, key)
		})
		return nil
	}, nil
}

// Len returns the number of stored checkpoints.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Compile-time check that MemoryStore implements mirror.CheckpointStore.
var _ mirror.CheckpointStore = (*MemoryStore)(nil)
