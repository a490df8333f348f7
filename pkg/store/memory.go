// Package store provides implementations of the core's persistence
// boundary: an in-memory store for tests and development and a SQLite
// store for durable runs.
package store

import (
	"sort"
	"sync"

	"github.com/paperexch/derivsim/pkg/sim"
)

// MemoryStore implements sim.Store with in-memory maps. Used for
// testing and development; no durability.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*sim.Contract
	accounts  map[string]*sim.Account
	orders    map[string]*sim.Order
	trades    []*sim.Trade
	positions map[string]*sim.Position // userID/symbol
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*sim.Contract),
		accounts:  make(map[string]*sim.Account),
		orders:    make(map[string]*sim.Order),
		positions: make(map[string]*sim.Position),
	}
}

func posKey(userID, symbol string) string { return userID + "/" + symbol }

func (s *MemoryStore) SaveContract(c *sim.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.contracts[c.Symbol] = &cp
	return nil
}

func (s *MemoryStore) GetContract(symbol string) (*sim.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[symbol]
	if !ok {
		return nil, sim.ErrContractNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListContracts() ([]*sim.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sim.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) SaveAccount(a *sim.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.accounts[a.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(userID string) (*sim.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, sim.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccounts() ([]*sim.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sim.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) SaveOrder(o *sim.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(id string) (*sim.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, sim.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) UserOrders(userID string, limit int) ([]*sim.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sim.Order, 0)
	for _, o := range s.orders {
		if o.UserID == userID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveTrade(t *sim.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.trades = append(s.trades, &cp)
	return nil
}

func (s *MemoryStore) UserTrades(userID string, limit int) ([]*sim.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sim.Trade, 0)
	for _, t := range s.trades {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SavePosition(p *sim.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[posKey(p.UserID, p.Symbol)] = &cp
	return nil
}

// GetPosition returns nil, nil when the position does not exist yet.
func (s *MemoryStore) GetPosition(userID, symbol string) (*sim.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, symbol)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UserPositions(userID string) ([]*sim.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sim.Position, 0)
	for _, p := range s.positions {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) AllPositions() ([]*sim.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sim.Position, 0, len(s.positions))
	for _, p := range s.positions {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
