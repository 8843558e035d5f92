package venue

import (
	"context"
	"errors"
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

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	sim    *Simulator
	ledger *asset.Ledger
	now    time.Time
	board  uint64
	ids    []uint64
}

// newFixture lists one board with strikes 1500, 2000 and 2500 and prices
// every unit at 10% of strike with no fees.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: t0, ledger: asset.NewLedger("sUSD", 18)}
	ctx := context.Background()
	require.NoError(t, f.ledger.Mint(ctx, "venue", d("1000000")))
	require.NoError(t, f.ledger.Mint(ctx, "trader", d("100000")))

	cfg := DefaultSimulatorConfig("venue", d("2000"))
	cfg.SpotFeeCoefficient = decimal.Zero
	cfg.PremiumFeeCoefficient = decimal.Zero
	pricer := PricerFunc(func(in PriceInput) decimal.Decimal {
		return in.Strike.Mul(d("0.1"))
	})
	f.sim = NewSimulator(f.ledger, cfg, WithClock(func() time.Time { return f.now }), WithPricer(pricer))
	f.board, f.ids = f.sim.AddBoard(t0.Add(7*24*time.Hour), d("1500"), d("2000"), d("2500"))
	return f
}

func TestBlackScholes_KnownValues(t *testing.T) {
	bs := BlackScholes{}
	in := PriceInput{Spot: d("100"), Strike: d("100"), UntilExpiry: 365 * 24 * time.Hour, Vol: d("0.2"), Rate: decimal.Zero, IsCall: true}

	call := bs.Price(in)
	assert.InDelta(t, 7.9656, call.InexactFloat64(), 0.001)

	in.IsCall = false
	put := bs.Price(in)
	assert.InDelta(t, call.InexactFloat64(), put.InexactFloat64(), 0.0001, "put-call parity at the money with zero rate")

	in.UntilExpiry = 0
	in.Spot = d("120")
	in.IsCall = true
	assert.True(t, bs.Price(in).Equal(d("20")), "intrinsic at expiry")
}

func TestQuote_ShortCollateralAndFeeCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := f.sim.Quote(ctx, QuoteParams{StrikeID: f.ids[0], OptionType: model.ShortPut, Amount: d("2"), Direction: model.DirectionOpen})
	require.NoError(t, err)
	assert.True(t, q.TotalPremium.Equal(d("300")))
	assert.True(t, q.Collateral.Equal(d("3000")), "short put posts strike × amount")

	q, err = f.sim.Quote(ctx, QuoteParams{StrikeID: f.ids[2], OptionType: model.ShortCall, Amount: d("1"), Direction: model.DirectionOpen})
	require.NoError(t, err)
	assert.True(t, q.Collateral.Equal(d("4000")), "short call posts 2 × spot")

	_, err = f.sim.Quote(ctx, QuoteParams{StrikeID: 99, OptionType: model.LongCall, Amount: d("1")})
	require.ErrorIs(t, err, ErrStrikeNotFound)

	_, err = f.sim.Quote(ctx, QuoteParams{StrikeID: f.ids[0], OptionType: model.OptionType(2), Amount: d("1")})
	require.ErrorIs(t, err, ErrUnsupportedOptionType)
}

func TestOpenLeg_LongAndShortCashFlows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	long, err := f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[1], OptionType: model.LongCall, Amount: d("1")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), long.VenuePositionID)
	assert.True(t, f.ledger.BalanceOf("trader").Equal(d("99800")))

	short, err := f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[0], OptionType: model.ShortPut, Amount: d("1")})
	require.NoError(t, err)
	assert.True(t, short.Collateral.Equal(d("1500")))
	// -1500 collateral + 150 premium
	assert.True(t, f.ledger.BalanceOf("trader").Equal(d("98450")))

	inc, err := f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[1], OptionType: model.LongCall, Amount: d("2"), VenuePositionID: long.VenuePositionID})
	require.NoError(t, err)
	assert.Equal(t, long.VenuePositionID, inc.VenuePositionID)
	pos, err := f.sim.Position(long.VenuePositionID)
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(d("3")))

	_, err = f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[2], OptionType: model.LongCall, Amount: d("1"), VenuePositionID: long.VenuePositionID})
	require.ErrorIs(t, err, ErrPositionMismatch)

	_, err = f.sim.OpenLeg(ctx, LegTrade{Account: "other", StrikeID: f.ids[1], OptionType: model.LongCall, Amount: d("1"), VenuePositionID: long.VenuePositionID})
	require.ErrorIs(t, err, ErrNotPositionOwner)
}

func TestOpenLeg_Bounds(t *testing.T) {
	f := newFixture(t)
	_, err := f.sim.OpenLeg(context.Background(), LegTrade{
		Account: "trader", StrikeID: f.ids[1], OptionType: model.LongCall, Amount: d("1"), MaxTotalCost: d("199"),
	})
	require.ErrorIs(t, err, ErrTotalCostOutsideBounds)
	assert.True(t, errors.Is(err, errs.ErrExternalVenue))
	assert.True(t, f.ledger.BalanceOf("trader").Equal(d("100000")))
}

func TestCloseLeg_PartialShortReturnsCollateralProRata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short, err := f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[0], OptionType: model.ShortPut, Amount: d("2")})
	require.NoError(t, err)
	before := f.ledger.BalanceOf("trader")

	res, err := f.sim.CloseLeg(ctx, LegTrade{Account: "trader", VenuePositionID: short.VenuePositionID, Amount: d("1")})
	require.NoError(t, err)
	assert.True(t, res.Collateral.Equal(d("1500")))
	// +1500 collateral - 150 buy-back premium
	assert.True(t, f.ledger.BalanceOf("trader").Sub(before).Equal(d("1350")))

	pos, err := f.sim.Position(short.VenuePositionID)
	require.NoError(t, err)
	assert.True(t, pos.Open)
	assert.True(t, pos.Collateral.Equal(d("1500")))

	_, err = f.sim.CloseLeg(ctx, LegTrade{Account: "trader", VenuePositionID: short.VenuePositionID, Amount: d("2")})
	require.ErrorIs(t, err, ErrInvalidTrade)
}

func TestSettleLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	long, err := f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[1], OptionType: model.LongCall, Amount: d("1")})
	require.NoError(t, err)
	short, err := f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[2], OptionType: model.ShortCall, Amount: d("1")})
	require.NoError(t, err)

	_, err = f.sim.SettleLeg(ctx, "trader", long.VenuePositionID)
	require.ErrorIs(t, err, ErrBoardNotSettled)
	require.ErrorIs(t, f.sim.SettleBoard(ctx, f.board, d("2600")), ErrBoardNotExpired)

	f.now = t0.Add(8 * 24 * time.Hour)
	_, err = f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[1], OptionType: model.LongCall, Amount: d("1")})
	require.ErrorIs(t, err, ErrBoardExpired)

	require.NoError(t, f.sim.SettleBoard(ctx, f.board, d("2600")))
	before := f.ledger.BalanceOf("trader")

	lr, err := f.sim.SettleLeg(ctx, "trader", long.VenuePositionID)
	require.NoError(t, err)
	assert.True(t, lr.Settlement.Equal(d("600")))

	sr, err := f.sim.SettleLeg(ctx, "trader", short.VenuePositionID)
	require.NoError(t, err)
	assert.True(t, sr.Settlement.Equal(d("3900")), "4000 collateral less 100 intrinsic")

	assert.True(t, f.ledger.BalanceOf("trader").Sub(before).Equal(d("4500")))
	_, err = f.sim.SettleLeg(ctx, "trader", long.VenuePositionID)
	require.ErrorIs(t, err, ErrPositionClosed)
}

func TestRollbackRestoresPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := txn.Run(ctx, func(ctx context.Context) error {
		_, err := f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[1], OptionType: model.LongCall, Amount: d("1")})
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = f.sim.Position(1)
	require.ErrorIs(t, err, ErrPositionNotFound)
	assert.True(t, f.ledger.BalanceOf("trader").Equal(d("100000")))

	res, err := f.sim.OpenLeg(ctx, LegTrade{Account: "trader", StrikeID: f.ids[1], OptionType: model.LongCall, Amount: d("1")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.VenuePositionID, "position ids are rolled back too")
}

func TestFindStrike(t *testing.T) {
	f := newFixture(t)
	st, err := f.sim.FindStrike(context.Background(), time.Date(2025, 8, 8, 15, 0, 0, 0, time.UTC), d("2000"))
	require.NoError(t, err)
	assert.Equal(t, f.ids[1], st.ID)

	_, err = f.sim.FindStrike(context.Background(), time.Date(2025, 8, 9, 0, 0, 0, 0, time.UTC), d("2000"))
	require.ErrorIs(t, err, ErrStrikeNotFound)
}

func TestNetCash(t *testing.T) {
	r := model.LegResult{TotalCost: d("100"), TotalFee: d("5"), Collateral: d("1000")}
	assert.True(t, NetCash(model.LongCall, model.DirectionOpen, r).Equal(d("-105")))
	assert.True(t, NetCash(model.ShortPut, model.DirectionOpen, r).Equal(d("-905")))
	assert.True(t, NetCash(model.LongPut, model.DirectionClose, r).Equal(d("95")))
	assert.True(t, NetCash(model.ShortCall, model.DirectionClose, r).Equal(d("895")))
}
