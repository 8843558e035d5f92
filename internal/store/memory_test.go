package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/spread-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMemoryStore_Positions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	pos := &model.SpreadPosition{
		ID:     2,
		Owner:  "alice",
		Market: "ETH",
		Legs:   []model.Leg{{StrikeID: 1, OptionType: model.LongCall, Amount: d("1")}},
		Status: model.StatusOpen,
	}
	require.NoError(t, s.UpsertPosition(ctx, pos))
	require.NoError(t, s.UpsertPosition(ctx, &model.SpreadPosition{ID: 1, Owner: "alice", Status: model.StatusOpen}))
	require.NoError(t, s.UpsertPosition(ctx, &model.SpreadPosition{ID: 3, Owner: "bob", Status: model.StatusOpen}))

	// Stored copies are isolated from the caller.
	pos.Legs[0].Amount = d("99")
	got, err := s.GetPosition(ctx, 2)
	require.NoError(t, err)
	assert.True(t, got.Legs[0].Amount.Equal(d("1")))

	pos.Status = model.StatusClosed
	require.NoError(t, s.UpsertPosition(ctx, pos))
	got, err = s.GetPosition(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, got.Status)

	list, err := s.ListPositionsByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(1), list[0].ID)
	assert.Equal(t, uint64(2), list[1].ID)

	_, err = s.GetPosition(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TradeEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertTradeEvent(ctx, &model.TradeEvent{ID: "a", Kind: model.EventOpen, PositionID: 1, Owner: "alice", Market: "ETH", Timestamp: ts}))
	require.NoError(t, s.InsertTradeEvent(ctx, &model.TradeEvent{ID: "b", Kind: model.EventOpen, PositionID: 2, Owner: "bob", Market: "BTC", Timestamp: ts}))
	require.NoError(t, s.InsertTradeEvent(ctx, &model.TradeEvent{ID: "c", Kind: model.EventClose, PositionID: 1, Owner: "alice", Market: "ETH", Timestamp: ts.Add(time.Hour)}))
	require.Error(t, s.InsertTradeEvent(ctx, &model.TradeEvent{ID: "a"}), "events are immutable")

	byPos, err := s.GetTradeEventsByPosition(ctx, 1)
	require.NoError(t, err)
	require.Len(t, byPos, 2)
	assert.Equal(t, "a", byPos[0].ID)
	assert.Equal(t, "c", byPos[1].ID)

	byOwner, err := s.GetTradeEventsByOwner(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, byOwner, 1)

	byMarket, err := s.GetTradeEventsByMarket(ctx, "ETH")
	require.NoError(t, err)
	assert.Len(t, byMarket, 2)
}

func TestMemoryStore_PoolSnapshotsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, price := range []string{"1", "1.01", "1.02"} {
		require.NoError(t, s.SavePoolSnapshot(ctx, &model.PoolState{TokenPrice: d(price)}))
	}

	latest, err := s.ListPoolSnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.True(t, latest[0].TokenPrice.Equal(d("1.02")))

	all, err := s.ListPoolSnapshots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[2].TokenPrice.Equal(d("1")))
}

func TestMemoryStore_QueuedWithdrawals(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := &model.QueuedWithdrawal{ID: 2, Beneficiary: "alice", AmountTokens: d("10")}
	require.NoError(t, s.UpsertQueuedWithdrawal(ctx, &model.QueuedWithdrawal{ID: 1, Beneficiary: "alice"}))
	require.NoError(t, s.UpsertQueuedWithdrawal(ctx, w))
	w.Processed = true
	w.QuotePaid = d("10.5")
	require.NoError(t, s.UpsertQueuedWithdrawal(ctx, w))

	list, err := s.ListQueuedWithdrawals(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(1), list[0].ID)
	assert.True(t, list[1].Processed)
	assert.True(t, list[1].QuotePaid.Equal(d("10.5")))
}
