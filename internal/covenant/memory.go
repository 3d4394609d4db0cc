package covenant

import (
	"context"
	"sync"

	"github.com/loanlife/loanledger/internal/fault"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	covenants map[string]*Covenant
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{covenants: make(map[string]*Covenant)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, c *Covenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.covenants[c.LoanID]; ok {
		return fault.Newf(fault.KindConflict, "loan %s already has a covenant", c.LoanID)
	}
	cp := *c
	s.covenants[c.LoanID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, loanID string) (*Covenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.covenants[loanID]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "no covenant for loan %s", loanID)
	}
	cp := *c
	return &cp, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, loanID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.covenants[loanID]
	return ok, nil
}
