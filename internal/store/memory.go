package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/spread-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	positions   map[uint64]model.SpreadPosition
	events      []model.TradeEvent
	snapshots   []model.PoolState
	withdrawals map[uint64]model.QueuedWithdrawal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:   make(map[uint64]model.SpreadPosition),
		withdrawals: make(map[uint64]model.QueuedWithdrawal),
	}
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos *model.SpreadPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.positions[pos.ID] = pos.Clone()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id uint64) (*model.SpreadPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	c := pos.Clone()
	return &c, nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner string) ([]model.SpreadPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SpreadPosition
	for _, p := range s.positions {
		if p.Owner == owner {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) InsertTradeEvent(_ context.Context, ev *model.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == ev.ID {
			return fmt.Errorf("trade event %s already recorded", ev.ID)
		}
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) GetTradeEventsByPosition(_ context.Context, positionID uint64) ([]model.TradeEvent, error) {
	return s.filterEvents(func(e model.TradeEvent) bool { return e.PositionID == positionID }), nil
}

func (s *MemoryStore) GetTradeEventsByOwner(_ context.Context, owner string) ([]model.TradeEvent, error) {
	return s.filterEvents(func(e model.TradeEvent) bool { return e.Owner == owner }), nil
}

func (s *MemoryStore) GetTradeEventsByMarket(_ context.Context, market string) ([]model.TradeEvent, error) {
	return s.filterEvents(func(e model.TradeEvent) bool { return e.Market == market }), nil
}

func (s *MemoryStore) filterEvents(keep func(model.TradeEvent) bool) []model.TradeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, e := range s.events {
		if keep(e) {
			result = append(result, e)
		}
	}
	return result
}

func (s *MemoryStore) SavePoolSnapshot(_ context.Context, snap *model.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) ListPoolSnapshots(_ context.Context, limit int) ([]model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.snapshots)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]model.PoolState, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, s.snapshots[i])
	}
	return result, nil
}

func (s *MemoryStore) UpsertQueuedWithdrawal(_ context.Context, w *model.QueuedWithdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.withdrawals[w.ID] = *w
	return nil
}

func (s *MemoryStore) ListQueuedWithdrawals(_ context.Context, beneficiary string) ([]model.QueuedWithdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.QueuedWithdrawal
	for _, w := range s.withdrawals {
		if w.Beneficiary == beneficiary {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
