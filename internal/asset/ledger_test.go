package asset

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/txn"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTransfer_MovesBalance(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("USDC", 6)
	require.NoError(t, l.Mint(ctx, "alice", d("100")))

	require.NoError(t, l.Transfer(ctx, "alice", "bob", d("40.1234567")))
	assert.True(t, l.BalanceOf("bob").Equal(d("40.123456")), "truncated to 6 decimals")
	assert.True(t, l.BalanceOf("alice").Equal(d("59.876544")))
	assert.True(t, l.TotalSupply().Equal(d("100")))
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("USDC", 6)
	require.NoError(t, l.Mint(ctx, "alice", d("10")))

	err := l.Transfer(ctx, "alice", "bob", d("11"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, errors.Is(err, errs.ErrInsufficientLiquidity))
	assert.True(t, l.BalanceOf("alice").Equal(d("10")))
}

func TestTransfer_NegativeRejected(t *testing.T) {
	l := NewLedger("USDC", 6)
	err := l.Transfer(context.Background(), "alice", "bob", d("-1"))
	require.ErrorIs(t, err, ErrNegativeAmount)
}

func TestTransfer_RolledBackWithUnitOfWork(t *testing.T) {
	ctx := context.Background()
	l := NewLedger("sUSD", 18)
	require.NoError(t, l.Mint(ctx, "alice", d("100")))

	err := txn.Run(ctx, func(ctx context.Context) error {
		require.NoError(t, l.Transfer(ctx, "alice", "bob", d("30")))
		require.NoError(t, l.Mint(ctx, "bob", d("5")))
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.True(t, l.BalanceOf("alice").Equal(d("100")))
	assert.True(t, l.BalanceOf("bob").IsZero())
	assert.True(t, l.TotalSupply().Equal(d("100")))
}
