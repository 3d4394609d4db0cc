package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loanlife/loanledger/internal/fault"
)

// Store provides persistence for subscriptions and delivery records.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType string) ([]*Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	RecordDelivery(ctx context.Context, d *Delivery) error
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscription
	order      []uuid.UUID
	deliveries []*Delivery
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]*Subscription)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.ID = uuid.New()
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	cp := *sub
	s.subs[sub.ID] = &cp
	s.order = append(s.order, sub.ID)
	return nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "subscription %s not found", id)
	}
	cp := *sub
	return &cp, nil
}

// ListByOwner implements Store. Results are in creation order.
func (s *MemoryStore) ListByOwner(_ context.Context, owner string) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, id := range s.order {
		if sub, ok := s.subs[id]; ok && sub.Owner == owner {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByEvent implements Store. Only active subscriptions match.
func (s *MemoryStore) ListByEvent(_ context.Context, eventType string) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, id := range s.order {
		sub, ok := s.subs[id]
		if !ok || !sub.Active {
			continue
		}
		for _, ev := range sub.Events {
			if ev == eventType {
				cp := *sub
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return fault.Newf(fault.KindNotFound, "subscription %s not found", id)
	}
	delete(s.subs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// RecordDelivery implements Store.
func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = uuid.New()
	d.DeliveredAt = time.Now().UTC()
	cp := *d
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

// Deliveries returns a copy of all recorded delivery attempts.
func (s *MemoryStore) Deliveries() []*Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}
