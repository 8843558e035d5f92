package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/spread-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.SpreadPosition) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, positionKey(p.ID), p)
	// Owner listing changes with every upsert; next read will re-populate.
	s.rdb.Del(ctx, ownerPositionsKey(p.Owner))
	return nil
}

func (s *CachedStore) InsertTradeEvent(ctx context.Context, e *model.TradeEvent) error {
	return s.primary.InsertTradeEvent(ctx, e)
}

func (s *CachedStore) SavePoolSnapshot(ctx context.Context, p *model.PoolState) error {
	if err := s.primary.SavePoolSnapshot(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, latestPoolKey, p)
	return nil
}

func (s *CachedStore) UpsertQueuedWithdrawal(ctx context.Context, w *model.QueuedWithdrawal) error {
	if err := s.primary.UpsertQueuedWithdrawal(ctx, w); err != nil {
		return err
	}
	s.rdb.Del(ctx, withdrawalsKey(w.Beneficiary))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id uint64) (*model.SpreadPosition, error) {
	// Try cache.
	var p model.SpreadPosition
	if s.readJSON(ctx, positionKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pos, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionKey(id), pos)
	return pos, nil
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.SpreadPosition, error) {
	var positions []model.SpreadPosition
	if s.readJSON(ctx, ownerPositionsKey(owner), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, ownerPositionsKey(owner), positions)
	return positions, nil
}

func (s *CachedStore) ListPoolSnapshots(ctx context.Context, limit int) ([]model.PoolState, error) {
	// Only the latest snapshot is cached; it backs the pool state endpoint.
	if limit == 1 {
		var p model.PoolState
		if s.readJSON(ctx, latestPoolKey, &p) {
			return []model.PoolState{p}, nil
		}
	}
	return s.primary.ListPoolSnapshots(ctx, limit)
}

func (s *CachedStore) ListQueuedWithdrawals(ctx context.Context, beneficiary string) ([]model.QueuedWithdrawal, error) {
	var ws []model.QueuedWithdrawal
	if s.readJSON(ctx, withdrawalsKey(beneficiary), &ws) {
		return ws, nil
	}

	ws, err := s.primary.ListQueuedWithdrawals(ctx, beneficiary)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, withdrawalsKey(beneficiary), ws)
	return ws, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTradeEventsByPosition(ctx context.Context, positionID uint64) ([]model.TradeEvent, error) {
	return s.primary.GetTradeEventsByPosition(ctx, positionID)
}

func (s *CachedStore) GetTradeEventsByOwner(ctx context.Context, owner string) ([]model.TradeEvent, error) {
	return s.primary.GetTradeEventsByOwner(ctx, owner)
}

func (s *CachedStore) GetTradeEventsByMarket(ctx context.Context, market string) ([]model.TradeEvent, error) {
	return s.primary.GetTradeEventsByMarket(ctx, market)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) readJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

const latestPoolKey = "pool:latest"

func positionKey(id uint64) string          { return fmt.Sprintf("position:%d", id) }
func ownerPositionsKey(owner string) string { return fmt.Sprintf("positions:%s", owner) }
func withdrawalsKey(owner string) string    { return fmt.Sprintf("withdrawals:%s", owner) }
