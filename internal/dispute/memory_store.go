package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Dispute
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Dispute)}
}

func (s *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[d.ID] = cloneDispute(d)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDispute(d), nil
}

func (s *MemoryStore) Update(ctx context.Context, d *Dispute, newEvidence []Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[d.ID]; !ok {
		return ErrNotFound
	}
	s.byID[d.ID] = cloneDispute(d)
	return nil
}

func (s *MemoryStore) GetOpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.byID {
		if d.TransactionID == transactionID && d.Status.Open() {
			return cloneDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.byID {
		if d.TransactionID == transactionID {
			out = append(out, cloneDispute(d))
		}
	}
	sortDisputes(out)
	return out, nil
}

func (s *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.byID {
		if d.Status.Open() {
			out = append(out, cloneDispute(d))
		}
	}
	sortDisputes(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneDispute(d *Dispute) *Dispute {
	c := *d
	c.Evidence = make([]Evidence, len(d.Evidence))
	copy(c.Evidence, d.Evidence)
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

func sortDisputes(ds []*Dispute) {
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}
