// Package store defines the persistence interface for the spread engine's
// read model. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// The engine's in-process aggregates (pool, escrow, registry) are
// authoritative for trading; the store records what they committed so that
// history and owner queries survive restarts.
package store

import (
	"context"
	"errors"

	"github.com/atmx/spread-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Spread positions ---

	// UpsertPosition records the latest state of a position, including
	// closed and settled ones.
	UpsertPosition(ctx context.Context, pos *model.SpreadPosition) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id uint64) (*model.SpreadPosition, error)

	// ListPositionsByOwner returns every recorded position of owner, ordered by id.
	ListPositionsByOwner(ctx context.Context, owner string) ([]model.SpreadPosition, error)

	// --- Immutable trade events ---

	// InsertTradeEvent appends an immutable trade record.
	InsertTradeEvent(ctx context.Context, ev *model.TradeEvent) error

	// GetTradeEventsByPosition returns all events of a position in time order.
	GetTradeEventsByPosition(ctx context.Context, positionID uint64) ([]model.TradeEvent, error)

	// GetTradeEventsByOwner returns all events of an owner in time order.
	GetTradeEventsByOwner(ctx context.Context, owner string) ([]model.TradeEvent, error)

	// GetTradeEventsByMarket returns all events of a market key in time order.
	GetTradeEventsByMarket(ctx context.Context, market string) ([]model.TradeEvent, error)

	// --- Liquidity pool ---

	// SavePoolSnapshot appends a pool accounting snapshot.
	SavePoolSnapshot(ctx context.Context, s *model.PoolState) error

	// ListPoolSnapshots returns the most recent snapshots, newest first.
	ListPoolSnapshots(ctx context.Context, limit int) ([]model.PoolState, error)

	// UpsertQueuedWithdrawal records the latest state of a queued withdrawal.
	UpsertQueuedWithdrawal(ctx context.Context, w *model.QueuedWithdrawal) error

	// ListQueuedWithdrawals returns the withdrawals queued for beneficiary, ordered by id.
	ListQueuedWithdrawals(ctx context.Context, beneficiary string) ([]model.QueuedWithdrawal, error)
}
