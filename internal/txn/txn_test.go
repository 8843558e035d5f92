package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CommitKeepsEffects(t *testing.T) {
	x := 0
	err := Run(context.Background(), func(ctx context.Context) error {
		x = 1
		OnRollback(ctx, func() { x = 0 })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, x)
}

func TestRun_ErrorUndoesInReverseOrder(t *testing.T) {
	var order []int
	boom := errors.New("boom")

	err := Run(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { order = append(order, 1) })
		OnRollback(ctx, func() { order = append(order, 2) })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{2, 1}, order)
}

func TestRun_NestedJoinsOuter(t *testing.T) {
	x := 0
	boom := errors.New("boom")

	err := Run(context.Background(), func(ctx context.Context) error {
		inner := Run(ctx, func(ctx context.Context) error {
			x = 5
			OnRollback(ctx, func() { x = 0 })
			return nil
		})
		require.NoError(t, inner)
		assert.Equal(t, 5, x, "inner commit is provisional")
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, x)
}

func TestOnRollback_OutsideUnitIsNoop(t *testing.T) {
	assert.False(t, Active(context.Background()))
	OnRollback(context.Background(), func() { t.Fatal("must not run") })
}
