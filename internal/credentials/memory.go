package credentials

import "sync"

// MemoryStore holds credentials in memory. Use in tests.
type MemoryStore struct {
	mu    sync.Mutex
	creds *Credentials
	saves int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with c, which may be nil.
func NewMemoryStore(c *Credentials) *MemoryStore {
	return &MemoryStore{creds: c}
}

func (s *MemoryStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return nil, ErrNotConfigured
	}
	c := *s.creds
	return &c, nil
}

func (s *MemoryStore) Save(c *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds = &cp
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
