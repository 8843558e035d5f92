// Package position is the ownership registry for spread positions. It maps
// position ids to positions and owners to their open position ids. Only the
// option market may mutate it.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/txn"
)

var (
	ErrOnlySpreadOptionMarket = fmt.Errorf("%w: position: only spread option market", errs.ErrAuthorization)
	ErrPositionNotFound       = fmt.Errorf("%w: position: not found", errs.ErrNotFound)
	ErrOwnerChange            = fmt.Errorf("%w: position: owner cannot change", errs.ErrInvalidStateTransition)
)

// Registry holds the live spread positions.
type Registry struct {
	market string

	mu        sync.RWMutex
	nextID    uint64
	positions map[uint64]model.SpreadPosition
	byOwner   map[string]map[uint64]struct{}
}

// NewRegistry creates an empty registry mutable only by market.
func NewRegistry(market string) *Registry {
	return &Registry{
		market:    market,
		nextID:    1,
		positions: make(map[uint64]model.SpreadPosition),
		byOwner:   make(map[string]map[uint64]struct{}),
	}
}

// Mint assigns a new id to pos, stores it and returns the id.
func (r *Registry) Mint(ctx context.Context, caller string, pos model.SpreadPosition) (uint64, error) {
	if caller != r.market {
		return 0, ErrOnlySpreadOptionMarket
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.journal(ctx)
	id := r.nextID
	r.nextID++
	pos.ID = id
	r.positions[id] = pos.Clone()
	r.addOwner(pos.Owner, id)
	return id, nil
}

// Update replaces an existing position.
func (r *Registry) Update(ctx context.Context, caller string, pos model.SpreadPosition) error {
	if caller != r.market {
		return ErrOnlySpreadOptionMarket
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.positions[pos.ID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrPositionNotFound, pos.ID)
	}
	if cur.Owner != pos.Owner {
		return ErrOwnerChange
	}
	r.journal(ctx)
	r.positions[pos.ID] = pos.Clone()
	return nil
}

// Burn removes a position from the registry.
func (r *Registry) Burn(ctx context.Context, caller string, id uint64) error {
	if caller != r.market {
		return ErrOnlySpreadOptionMarket
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	r.journal(ctx)
	delete(r.positions, id)
	if ids := r.byOwner[pos.Owner]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byOwner, pos.Owner)
		}
	}
	return nil
}

// Get returns a copy of the position with the given id.
func (r *Registry) Get(id uint64) (model.SpreadPosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.positions[id]
	if !ok {
		return model.SpreadPosition{}, fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	return pos.Clone(), nil
}

// GetOwnerPositions returns the owner's positions ordered by id.
func (r *Registry) GetOwnerPositions(owner string) []model.SpreadPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := sortedIDs(r.byOwner[owner])
	out := make([]model.SpreadPosition, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.positions[id].Clone())
	}
	return out
}

// GetPositionIds returns every live position id in ascending order.
func (r *Registry) GetPositionIds() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.positions))
	for id := range r.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) addOwner(owner string, id uint64) {
	ids := r.byOwner[owner]
	if ids == nil {
		ids = make(map[uint64]struct{})
		r.byOwner[owner] = ids
	}
	ids[id] = struct{}{}
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// journal snapshots the registry for rollback. Callers hold mu.
func (r *Registry) journal(ctx context.Context) {
	if !txn.Active(ctx) {
		return
	}
	nextID := r.nextID
	positions := make(map[uint64]model.SpreadPosition, len(r.positions))
	for id, p := range r.positions {
		positions[id] = p.Clone()
	}
	byOwner := make(map[string]map[uint64]struct{}, len(r.byOwner))
	for owner, ids := range r.byOwner {
		cp := make(map[uint64]struct{}, len(ids))
		for id := range ids {
			cp[id] = struct{}{}
		}
		byOwner[owner] = cp
	}
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.nextID = nextID
		r.positions = positions
		r.byOwner = byOwner
	})
}
