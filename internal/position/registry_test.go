package position

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/txn"
)

func TestMint_AssignsMonotonicIDs(t *testing.T) {
	r := NewRegistry("market")
	ctx := context.Background()

	id1, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "alice"})
	require.NoError(t, err)
	id2, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "bob"})
	require.NoError(t, err)
	id3, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "alice"})
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3}, []uint64{id1, id2, id3})
	assert.Equal(t, []uint64{1, 2, 3}, r.GetPositionIds())

	owned := r.GetOwnerPositions("alice")
	require.Len(t, owned, 2)
	assert.Equal(t, uint64(1), owned[0].ID)
	assert.Equal(t, uint64(3), owned[1].ID)

	require.NoError(t, r.Burn(ctx, "market", 2))
	id4, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id4, "ids are never reused")
}

func TestMutations_OnlyMarket(t *testing.T) {
	r := NewRegistry("market")
	ctx := context.Background()

	_, err := r.Mint(ctx, "alice", model.SpreadPosition{Owner: "alice"})
	require.ErrorIs(t, err, ErrOnlySpreadOptionMarket)
	assert.True(t, errors.Is(err, errs.ErrAuthorization))

	id, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "alice"})
	require.NoError(t, err)
	require.ErrorIs(t, r.Update(ctx, "alice", model.SpreadPosition{ID: id, Owner: "alice"}), ErrOnlySpreadOptionMarket)
	require.ErrorIs(t, r.Burn(ctx, "alice", id), ErrOnlySpreadOptionMarket)
}

func TestUpdate_KeepsOwnerAndCopies(t *testing.T) {
	r := NewRegistry("market")
	ctx := context.Background()

	id, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "alice", Legs: []model.Leg{{StrikeID: 1}}})
	require.NoError(t, err)

	pos, err := r.Get(id)
	require.NoError(t, err)
	pos.Legs[0].StrikeID = 99
	again, _ := r.Get(id)
	assert.Equal(t, uint64(1), again.Legs[0].StrikeID, "Get returns a copy")

	pos.Owner = "mallory"
	require.ErrorIs(t, r.Update(ctx, "market", pos), ErrOwnerChange)

	pos.Owner = "alice"
	require.NoError(t, r.Update(ctx, "market", pos))
	again, _ = r.Get(id)
	assert.Equal(t, uint64(99), again.Legs[0].StrikeID)

	require.ErrorIs(t, r.Update(ctx, "market", model.SpreadPosition{ID: 42, Owner: "alice"}), ErrPositionNotFound)
}

func TestBurn_RemovesFromOwner(t *testing.T) {
	r := NewRegistry("market")
	ctx := context.Background()

	id, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "alice"})
	require.NoError(t, err)
	require.NoError(t, r.Burn(ctx, "market", id))

	assert.Empty(t, r.GetOwnerPositions("alice"))
	assert.Empty(t, r.GetPositionIds())
	_, err = r.Get(id)
	require.ErrorIs(t, err, ErrPositionNotFound)
	require.ErrorIs(t, r.Burn(ctx, "market", id), ErrPositionNotFound)
}

func TestRollback(t *testing.T) {
	r := NewRegistry("market")
	ctx := context.Background()
	id, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "alice"})
	require.NoError(t, err)

	err = txn.Run(ctx, func(ctx context.Context) error {
		_, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "bob"})
		require.NoError(t, err)
		require.NoError(t, r.Burn(ctx, "market", id))
		return errors.New("abort")
	})
	require.Error(t, err)

	assert.Equal(t, []uint64{1}, r.GetPositionIds())
	pos, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", pos.Owner)
	assert.Empty(t, r.GetOwnerPositions("bob"))

	next, err := r.Mint(ctx, "market", model.SpreadPosition{Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}
