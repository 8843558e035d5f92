package pool

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/txn"
)

const (
	market   = "market"
	admin    = "admin"
	guardian = "guardian"
	alice    = "alice"
	bob      = "bob"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time            { return c.t }
func (c *clock) advance(dur time.Duration) { c.t = c.t.Add(dur) }

func defaultParams() model.PoolParameters {
	return model.PoolParameters{
		MinDepositWithdraw: d("1"),
		WithdrawalDelay:    24 * time.Hour,
		WithdrawalFee:      decimal.Zero,
		GuardianDelay:      14 * 24 * time.Hour,
		Fee:                d("0.1"),
		GuardianMultisig:   guardian,
	}
}

type fixture struct {
	pool   *Pool
	ledger *asset.Ledger
	clock  *clock
}

func newFixture(t *testing.T, params model.PoolParameters, cb model.CircuitBreakerParameters, opts ...Option) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := asset.NewLedger("sUSD", 18)
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, alice, d("10000")))
	require.NoError(t, l.Mint(ctx, bob, d("10000")))

	p, err := New(l, market, admin, params, cb, append([]Option{WithClock(c.now)}, opts...)...)
	require.NoError(t, err)
	return &fixture{pool: p, ledger: l, clock: c}
}

// repay sends principal plus fee from the market back to the pool and frees
// the principal, the way the market does on close or settlement.
func (f *fixture) repay(t *testing.T, principal, fee decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ledger.Mint(ctx, market, fee))
	require.NoError(t, f.ledger.Transfer(ctx, market, asset.AccountPool, principal.Add(fee)))
	require.NoError(t, f.pool.FreeLockedLiquidity(ctx, market, principal))
}

func TestInitiateDeposit_MintsAtCurrentPrice(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	shares, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	assert.True(t, shares.Equal(d("1000")))
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1")))

	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("500")))
	f.repay(t, d("500"), d("10"))
	require.True(t, f.pool.GetTokenPrice().Equal(d("1.01")))

	shares, err = f.pool.InitiateDeposit(ctx, bob, bob, d("101"))
	require.NoError(t, err)
	assert.True(t, shares.Equal(d("100")), "got %s", shares)
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1.01")), "deposit must not move the price")
	assert.True(t, f.pool.GetTotalTokenSupply().Equal(d("1100")))
}

func TestInitiateDeposit_OnBehalfOfBeneficiary(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})

	_, err := f.pool.InitiateDeposit(context.Background(), alice, bob, d("250"))
	require.NoError(t, err)

	assert.True(t, f.ledger.BalanceOf(alice).Equal(d("9750")))
	assert.True(t, f.pool.BalanceOf(bob).Equal(d("250")))
	assert.True(t, f.pool.BalanceOf(alice).IsZero())
}

func TestInitiateDeposit_BelowMinimum(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("0.5"))
	require.ErrorIs(t, err, ErrBelowMinimumDeposit)
	assert.True(t, errors.Is(err, errs.ErrBelowMinimum))

	_, err = f.pool.InitiateDeposit(ctx, alice, alice, decimal.Zero)
	require.ErrorIs(t, err, ErrInvalidAmount)

	assert.True(t, f.ledger.BalanceOf(alice).Equal(d("10000")))
	assert.True(t, f.pool.GetTotalTokenSupply().IsZero())
}

func TestInitiateDeposit_Cap(t *testing.T) {
	params := defaultParams()
	params.Cap = d("1500")
	f := newFixture(t, params, model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)

	_, err = f.pool.InitiateDeposit(ctx, bob, bob, d("600"))
	require.ErrorIs(t, err, ErrCapExceeded)
	assert.True(t, f.ledger.BalanceOf(bob).Equal(d("10000")))
	assert.True(t, f.pool.TotalPoolValue().Equal(d("1000")))
}

func TestInitiateWithdraw_Immediate(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)

	res, err := f.pool.InitiateWithdraw(ctx, alice, alice, d("400"))
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.True(t, res.Paid.Equal(d("400")))
	assert.True(t, f.ledger.BalanceOf(alice).Equal(d("9400")))
	assert.True(t, f.pool.BalanceOf(alice).Equal(d("600")))
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1")))
}

func TestInitiateWithdraw_FeeStaysInPool(t *testing.T) {
	params := defaultParams()
	params.WithdrawalFee = d("0.01")
	f := newFixture(t, params, model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	_, err = f.pool.InitiateDeposit(ctx, bob, bob, d("1000"))
	require.NoError(t, err)

	res, err := f.pool.InitiateWithdraw(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	assert.True(t, res.Paid.Equal(d("990")))
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1.01")), "bob's shares absorb the haircut")
}

func TestInitiateWithdraw_InsufficientShares(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)

	_, err = f.pool.InitiateWithdraw(ctx, alice, alice, d("1001"))
	require.ErrorIs(t, err, ErrInsufficientShares)
	assert.Contains(t, err.Error(), "burn amount exceeds balance")
	assert.True(t, f.pool.BalanceOf(alice).Equal(d("1000")))
}

func TestInitiateWithdraw_MinimumNotMet(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)

	_, err = f.pool.InitiateWithdraw(ctx, alice, alice, d("0.5"))
	require.ErrorIs(t, err, ErrMinimumWithdrawNotMet)
	assert.True(t, errors.Is(err, errs.ErrBelowMinimum))
}

func TestLockFree_RoundTripRaisesPrice(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	before := f.pool.GetTokenPrice()

	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("500")))
	assert.True(t, f.pool.LockedLiquidity().Equal(d("500")))
	assert.True(t, f.ledger.BalanceOf(market).Equal(d("500")))
	assert.True(t, f.pool.TotalPoolValue().Equal(d("1000")))
	assert.True(t, f.pool.FreeLiquidity().Equal(d("500")))
	assert.True(t, f.pool.GetTokenPrice().Equal(before), "lending does not move the price")

	f.repay(t, d("500"), d("10"))

	assert.True(t, f.pool.LockedLiquidity().IsZero())
	assert.True(t, f.pool.GetTokenPrice().GreaterThan(before))
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1.01")))
}

func TestLockFree_OnlyMarket(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)

	err = f.pool.TransferShortCollateral(ctx, alice, d("10"))
	require.ErrorIs(t, err, ErrOnlySpreadOptionMarket)
	assert.True(t, errors.Is(err, errs.ErrAuthorization))

	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("10")))
	err = f.pool.FreeLockedLiquidity(ctx, bob, d("10"))
	require.ErrorIs(t, err, ErrOnlySpreadOptionMarket)
	assert.True(t, f.pool.LockedLiquidity().Equal(d("10")))
}

func TestLock_MoreThanFree(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)

	err = f.pool.TransferShortCollateral(ctx, market, d("1000.000001"))
	require.ErrorIs(t, err, ErrLockingMoreQuoteThanIsFree)
	assert.True(t, errors.Is(err, errs.ErrInsufficientLiquidity))
	assert.True(t, f.pool.LockedLiquidity().IsZero())
	assert.True(t, f.ledger.BalanceOf(market).IsZero())
}

func TestFree_MoreThanLocked(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("100")))

	err = f.pool.FreeLockedLiquidity(ctx, market, d("101"))
	require.ErrorIs(t, err, ErrFreeingMoreThanLocked)
	assert.True(t, f.pool.LockedLiquidity().Equal(d("100")))
}

func TestWithdrawalQueue_Lifecycle(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("800")))

	res, err := f.pool.InitiateWithdraw(ctx, alice, alice, d("500"))
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.Equal(t, uint64(1), res.QueueID)
	assert.True(t, f.pool.BalanceOf(alice).Equal(d("500")), "shares burn at request time")
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1")), "queueing does not move the price")

	_, err = f.pool.ProcessWithdrawalQueue(ctx, alice, 1)
	require.ErrorIs(t, err, ErrWithdrawalDelayNotElapsed)

	f.clock.advance(24*time.Hour + time.Second)
	_, err = f.pool.ProcessWithdrawalQueue(ctx, alice, 1)
	require.ErrorIs(t, err, ErrInsufficientFreeLiquidity)
	assert.Equal(t, uint64(1), f.pool.QueuedWithdrawalHead())

	f.repay(t, d("800"), d("8"))
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1.016")))

	w, err := f.pool.ProcessWithdrawalQueue(ctx, alice, 1)
	require.NoError(t, err)
	assert.True(t, w.Processed)
	assert.True(t, w.QuotePaid.Equal(d("500")))
	assert.True(t, f.ledger.BalanceOf(alice).Equal(d("9500")))
	assert.Equal(t, uint64(2), f.pool.QueuedWithdrawalHead())
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1.016")))

	_, err = f.pool.ProcessWithdrawalQueue(ctx, alice, 1)
	require.ErrorIs(t, err, ErrWithdrawalAlreadyHandled)
	assert.True(t, f.ledger.BalanceOf(alice).Equal(d("9500")), "cannot be paid twice")
	assert.Equal(t, uint64(2), f.pool.QueuedWithdrawalHead())

	stored, err := f.pool.QueuedWithdrawal(1)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Empty(t, f.pool.PendingWithdrawals())
}

func TestWithdrawalQueue_BestPricePricing(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{}, WithPricing(BestPricePricing))
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("800")))

	_, err = f.pool.InitiateWithdraw(ctx, alice, alice, d("500"))
	require.NoError(t, err)
	f.repay(t, d("800"), d("8"))
	f.clock.advance(48 * time.Hour)

	w, err := f.pool.ProcessWithdrawalQueue(ctx, alice, 1)
	require.NoError(t, err)
	assert.True(t, w.QuotePaid.Equal(d("508")), "got %s", w.QuotePaid)
	assert.True(t, f.pool.GetTokenPrice().Equal(d("1")))
}

func TestWithdrawalQueue_StrictOrder(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("1000")))

	_, err = f.pool.InitiateWithdraw(ctx, alice, alice, d("100"))
	require.NoError(t, err)
	_, err = f.pool.InitiateWithdraw(ctx, alice, bob, d("100"))
	require.NoError(t, err)
	f.clock.advance(48 * time.Hour)
	f.repay(t, d("1000"), decimal.Zero)

	_, err = f.pool.ProcessWithdrawalQueue(ctx, alice, 2)
	require.ErrorIs(t, err, ErrWithdrawalOutOfOrder)
	_, err = f.pool.ProcessWithdrawalQueue(ctx, alice, 3)
	require.ErrorIs(t, err, ErrNoQueuedWithdrawal)

	_, err = f.pool.ProcessWithdrawalQueue(ctx, alice, 1)
	require.NoError(t, err)
	w, err := f.pool.ProcessWithdrawalQueue(ctx, alice, 2)
	require.NoError(t, err)
	assert.Equal(t, bob, w.Beneficiary)
	assert.True(t, f.ledger.BalanceOf(bob).Equal(d("10100")))
	assert.Equal(t, uint64(3), f.pool.QueuedWithdrawalHead())
}

func TestCircuitBreaker_QueuesAndGuardianBypass(t *testing.T) {
	params := defaultParams()
	params.GuardianDelay = 48 * time.Hour
	cb := model.CircuitBreakerParameters{LiquidityCBThreshold: d("0.5"), LiquidityCBTimeout: 10 * 24 * time.Hour}
	f := newFixture(t, params, cb)
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("600")))
	require.True(t, f.pool.CircuitBreakerActive())

	res, err := f.pool.InitiateWithdraw(ctx, alice, alice, d("100"))
	require.NoError(t, err)
	assert.True(t, res.Queued, "breaker forces queueing even with free liquidity")

	f.clock.advance(25 * time.Hour)
	_, err = f.pool.ProcessWithdrawalQueue(ctx, alice, 1)
	require.ErrorIs(t, err, ErrCircuitBreakerActive)
	_, err = f.pool.ProcessWithdrawalQueue(ctx, guardian, 1)
	require.ErrorIs(t, err, ErrCircuitBreakerActive)

	f.clock.advance(24 * time.Hour)
	w, err := f.pool.ProcessWithdrawalQueue(ctx, guardian, 1)
	require.NoError(t, err)
	assert.True(t, w.QuotePaid.Equal(d("100")))
}

func TestSetParameters_AdminOnly(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	params := defaultParams()
	params.MinDepositWithdraw = d("10")

	err := f.pool.SetLiquidityPoolParameters(ctx, alice, params)
	require.ErrorIs(t, err, ErrOnlyAdmin)
	assert.True(t, errors.Is(err, errs.ErrAuthorization))

	require.NoError(t, f.pool.SetLiquidityPoolParameters(ctx, admin, params))
	assert.True(t, f.pool.Parameters().MinDepositWithdraw.Equal(d("10")))

	params.WithdrawalFee = d("1.5")
	require.ErrorIs(t, f.pool.SetLiquidityPoolParameters(ctx, admin, params), ErrInvalidParameters)

	err = f.pool.SetCircuitBreakerParameters(ctx, bob, model.CircuitBreakerParameters{})
	require.ErrorIs(t, err, ErrOnlyAdmin)
	err = f.pool.SetCircuitBreakerParameters(ctx, admin, model.CircuitBreakerParameters{LiquidityCBThreshold: d("2")})
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestCalculateCollateralFee(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})

	fee := f.pool.CalculateCollateralFee(d("1000"), f.clock.now().Add(SecondsPerYear*time.Second))
	assert.True(t, fee.Equal(d("100")), "got %s", fee)

	half := f.pool.CalculateCollateralFee(d("1000"), f.clock.now().Add(SecondsPerYear/2*time.Second))
	assert.True(t, half.Equal(d("50")), "got %s", half)

	assert.True(t, f.pool.CalculateCollateralFee(d("1000"), f.clock.now().Add(-time.Hour)).IsZero())
}

func TestUnitOfWork_RestoresPool(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	before := f.pool.State()

	err = txn.Run(ctx, func(ctx context.Context) error {
		if _, err := f.pool.InitiateDeposit(ctx, bob, bob, d("500")); err != nil {
			return err
		}
		if err := f.pool.TransferShortCollateral(ctx, market, d("700")); err != nil {
			return err
		}
		if _, err := f.pool.InitiateWithdraw(ctx, alice, alice, d("900")); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	after := f.pool.State()
	assert.True(t, after.TotalSupply.Equal(before.TotalSupply))
	assert.True(t, after.LockedLiquidity.IsZero())
	assert.True(t, after.QueuedLiability.IsZero())
	assert.Equal(t, uint64(0), after.QueueTail)
	assert.True(t, f.pool.BalanceOf(bob).IsZero())
	assert.True(t, f.ledger.BalanceOf(bob).Equal(d("10000")))
	assert.True(t, f.ledger.BalanceOf(market).IsZero())
}

// A deposit committed by another caller while a unit of work is open survives
// that unit rolling back.
func TestUnitOfWork_KeepsInterleavedDeposit(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)

	err = txn.Run(ctx, func(ctx context.Context) error {
		if err := f.pool.TransferShortCollateral(ctx, market, d("700")); err != nil {
			return err
		}
		shares, err := f.pool.InitiateDeposit(context.Background(), bob, bob, d("500"))
		require.NoError(t, err)
		require.True(t, shares.Equal(d("500")))
		return errors.New("venue down")
	})
	require.EqualError(t, err, "venue down")

	st := f.pool.State()
	assert.True(t, f.pool.BalanceOf(bob).Equal(d("500")), "bob has %s shares", f.pool.BalanceOf(bob))
	assert.True(t, f.ledger.BalanceOf(bob).Equal(d("9500")))
	assert.True(t, st.TotalSupply.Equal(d("1500")))
	assert.True(t, st.TotalPoolValue.Equal(d("1500")))
	assert.True(t, st.TokenPrice.Equal(d("1")))
	assert.True(t, st.LockedLiquidity.IsZero())
	assert.True(t, f.ledger.BalanceOf(market).IsZero())
}

func TestUnitOfWork_RestoresProcessedWithdrawal(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()

	_, err := f.pool.InitiateDeposit(ctx, alice, alice, d("1000"))
	require.NoError(t, err)
	require.NoError(t, f.pool.TransferShortCollateral(ctx, market, d("800")))
	res, err := f.pool.InitiateWithdraw(ctx, alice, alice, d("500"))
	require.NoError(t, err)
	require.True(t, res.Queued)
	f.clock.advance(24*time.Hour + time.Second)
	f.repay(t, d("800"), d("8"))
	require.True(t, f.pool.GetTokenPrice().Equal(d("1.016")))

	err = txn.Run(ctx, func(ctx context.Context) error {
		if _, err := f.pool.ProcessWithdrawalQueue(ctx, alice, 1); err != nil {
			return err
		}
		_, err := f.pool.InitiateDeposit(context.Background(), bob, bob, d("101.6"))
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	st := f.pool.State()
	assert.Equal(t, uint64(1), st.QueueHead)
	assert.True(t, st.QueuedLiability.Equal(d("500")))
	assert.True(t, f.ledger.BalanceOf(alice).Equal(d("9000")))
	w, err := f.pool.QueuedWithdrawal(1)
	require.NoError(t, err)
	assert.False(t, w.Processed)
	assert.True(t, w.QuotePaid.IsZero())

	assert.True(t, f.pool.BalanceOf(bob).Equal(d("100")))
	assert.True(t, st.TotalSupply.Equal(d("600")))
	assert.True(t, st.TokenPrice.Equal(d("1.016")), "price %s", st.TokenPrice)

	w, err = f.pool.ProcessWithdrawalQueue(ctx, alice, 1)
	require.NoError(t, err)
	assert.True(t, w.QuotePaid.Equal(d("500")))
}

// Random sequences of deposits, withdrawals, locks and fee-bearing repayments
// must keep the accounting identities and never lower the token price.
func TestAccountingInvariants_RandomSequences(t *testing.T) {
	f := newFixture(t, defaultParams(), model.CircuitBreakerParameters{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	lps := []string{alice, bob, "carol"}
	for _, lp := range lps {
		require.NoError(t, f.ledger.Mint(ctx, lp, d("1000000")))
	}
	tolerance := d("0.000000001")

	lastPrice := f.pool.GetTokenPrice()
	for i := 0; i < 400; i++ {
		lp := lps[rng.Intn(len(lps))]
		var err error
		switch rng.Intn(5) {
		case 0:
			_, err = f.pool.InitiateDeposit(ctx, lp, lp, decimal.NewFromInt(int64(1+rng.Intn(500))))
		case 1:
			bal := f.pool.BalanceOf(lp)
			if bal.IsPositive() {
				_, err = f.pool.InitiateWithdraw(ctx, lp, lp, bal.Mul(decimal.NewFromFloat(rng.Float64())).Truncate(6))
			}
		case 2:
			free := f.pool.FreeLiquidity()
			err = f.pool.TransferShortCollateral(ctx, market, free.Mul(decimal.NewFromFloat(rng.Float64()*1.2)).Truncate(6))
		case 3:
			locked := f.pool.LockedLiquidity()
			if locked.IsPositive() {
				x := locked.Mul(decimal.NewFromFloat(rng.Float64())).Truncate(6)
				f.repay(t, x, x.Mul(d("0.01")).Truncate(6))
			}
		case 4:
			f.clock.advance(time.Duration(rng.Intn(48)) * time.Hour)
			head := f.pool.QueuedWithdrawalHead()
			if head <= f.pool.State().QueueTail {
				_, err = f.pool.ProcessWithdrawalQueue(ctx, lp, head)
			}
		}
		if err != nil {
			require.NotEqual(t, "internal", errs.Kind(err), "step %d: %v", i, err)
		}

		s := f.pool.State()
		require.False(t, s.HeldBalance.IsNegative(), "step %d", i)
		if s.QueuedLiability.LessThanOrEqual(s.HeldBalance) {
			require.True(t, s.LockedLiquidity.LessThanOrEqual(s.TotalPoolValue), "step %d: locked %s > value %s", i, s.LockedLiquidity, s.TotalPoolValue)
		}
		if s.TotalSupply.IsPositive() {
			diff := s.TotalSupply.Mul(s.TokenPrice).Sub(s.TotalPoolValue).Abs()
			require.True(t, diff.LessThan(d("0.000001")), "step %d: supply*price off by %s", i, diff)
			require.True(t, s.TokenPrice.GreaterThanOrEqual(lastPrice.Sub(tolerance)), "step %d: price fell %s -> %s", i, lastPrice, s.TokenPrice)
			lastPrice = s.TokenPrice
		} else {
			lastPrice = decimal.NewFromInt(1)
		}
	}
}
