package transaction

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Transaction)}
}

func (s *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[t.ID] = cloneTransaction(t)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTransaction(t), nil
}

func (s *MemoryStore) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.byID {
		if t.Reference == ref {
			return cloneTransaction(t), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(ctx context.Context, t *Transaction, appended []Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != t.Version {
		return ErrConcurrentModification
	}
	next := cloneTransaction(t)
	next.Version = t.Version + 1
	s.byID[t.ID] = next
	return nil
}

func (s *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.byID {
		if t.BuyerID == partyID || t.SupplierID == partyID {
			out = append(out, cloneTransaction(t))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (s *MemoryStore) ListOpenEscrows(ctx context.Context, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.byID {
		if t.EscrowID != "" && !t.Status.Terminal() {
			out = append(out, cloneTransaction(t))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (s *MemoryStore) ListNeedingAttention(ctx context.Context, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, t := range s.byID {
		if t.NeedsAttention {
			out = append(out, cloneTransaction(t))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func cloneTransaction(t *Transaction) *Transaction {
	c := *t
	c.Milestones = make([]Milestone, len(t.Milestones))
	copy(c.Milestones, t.Milestones)
	return &c
}

func sortNewestFirst(ts []*Transaction) {
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].CreatedAt.After(ts[j].CreatedAt)
	})
}

func clip(ts []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(ts) > limit {
		return ts[:limit]
	}
	return ts
}
