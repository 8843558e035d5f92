package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/txn"
)

// SimulatorConfig configures the in-process venue.
type SimulatorConfig struct {
	Account               string          // ledger account holding the venue's liquidity
	Spot                  decimal.Decimal // initial spot price
	Vol                   decimal.Decimal // implied volatility applied to every strike
	Rate                  decimal.Decimal // risk-free rate
	SpotFeeCoefficient    decimal.Decimal // fee per unit of notional (amount × spot)
	PremiumFeeCoefficient decimal.Decimal // fee per unit of premium
	ShortCallCollateral   decimal.Decimal // multiple of spot posted per short call
}

// DefaultSimulatorConfig returns a venue priced at spot with 80% vol.
func DefaultSimulatorConfig(account string, spot decimal.Decimal) SimulatorConfig {
	return SimulatorConfig{
		Account:               account,
		Spot:                  spot,
		Vol:                   decimal.NewFromFloat(0.8),
		Rate:                  decimal.Zero,
		SpotFeeCoefficient:    decimal.NewFromFloat(0.001),
		PremiumFeeCoefficient: decimal.NewFromFloat(0.01),
		ShortCallCollateral:   decimal.NewFromInt(2),
	}
}

// Board is an expiry of listed strikes.
type Board struct {
	ID              uint64          `json:"id"`
	Expiry          time.Time       `json:"expiry"`
	StrikeIDs       []uint64        `json:"strike_ids"`
	Settled         bool            `json:"settled"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`
}

// LegPosition is a leg held at the venue.
type LegPosition struct {
	ID         uint64           `json:"id"`
	Owner      string           `json:"owner"`
	StrikeID   uint64           `json:"strike_id"`
	OptionType model.OptionType `json:"option_type"`
	Amount     decimal.Decimal  `json:"amount"`
	Collateral decimal.Decimal  `json:"collateral"`
	Open       bool             `json:"open"`
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithClock overrides the simulator's clock.
func WithClock(now func() time.Time) SimOption {
	return func(s *Simulator) { s.now = now }
}

// WithLogger sets the simulator's logger.
func WithLogger(l *zap.SugaredLogger) SimOption {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPricer replaces the Black-Scholes pricer.
func WithPricer(p Pricer) SimOption {
	return func(s *Simulator) {
		if p != nil {
			s.pricer = p
		}
	}
}

// Simulator is an in-process PricingOracle over the shared asset ledger.
type Simulator struct {
	ledger *asset.Ledger
	cfg    SimulatorConfig
	pricer Pricer
	now    func() time.Time
	logger *zap.SugaredLogger

	mu         sync.Mutex
	spot       decimal.Decimal
	boards     map[uint64]*Board
	strikes    map[uint64]Strike
	positions  map[uint64]LegPosition
	nextBoard  uint64
	nextStrike uint64
	nextPos    uint64
}

var (
	_ PricingOracle = (*Simulator)(nil)
	_ StrikeFinder  = (*Simulator)(nil)
)

// NewSimulator creates a venue with no boards listed.
func NewSimulator(ledger *asset.Ledger, cfg SimulatorConfig, opts ...SimOption) *Simulator {
	s := &Simulator{
		ledger:     ledger,
		cfg:        cfg,
		pricer:     BlackScholes{},
		now:        time.Now,
		logger:     zap.NewNop().Sugar(),
		spot:       cfg.Spot,
		boards:     make(map[uint64]*Board),
		strikes:    make(map[uint64]Strike),
		positions:  make(map[uint64]LegPosition),
		nextBoard:  1,
		nextStrike: 1,
		nextPos:    1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Account returns the ledger account of the venue.
func (s *Simulator) Account() string { return s.cfg.Account }

// AddBoard lists a board expiring at expiry with the given strikes.
func (s *Simulator) AddBoard(expiry time.Time, strikePrices ...decimal.Decimal) (uint64, []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &Board{ID: s.nextBoard, Expiry: expiry.UTC()}
	s.nextBoard++
	for _, k := range strikePrices {
		st := Strike{ID: s.nextStrike, BoardID: b.ID, Expiry: b.Expiry, StrikePrice: k}
		s.nextStrike++
		s.strikes[st.ID] = st
		b.StrikeIDs = append(b.StrikeIDs, st.ID)
	}
	s.boards[b.ID] = b
	s.logger.Infow("board listed", "board_id", b.ID, "expiry", b.Expiry, "strikes", len(b.StrikeIDs))
	return b.ID, append([]uint64(nil), b.StrikeIDs...)
}

// SetSpot moves the underlying's spot price.
func (s *Simulator) SetSpot(spot decimal.Decimal) {
	s.mu.Lock()
	s.spot = spot
	s.mu.Unlock()
}

// Spot returns the current spot price.
func (s *Simulator) Spot() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spot
}

// Board returns a copy of a listed board.
func (s *Simulator) Board(id uint64) (Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[id]
	if !ok {
		return Board{}, fmt.Errorf("%w: id %d", ErrBoardNotFound, id)
	}
	out := *b
	out.StrikeIDs = append([]uint64(nil), b.StrikeIDs...)
	return out, nil
}

// Boards returns every listed board ordered by id.
func (s *Simulator) Boards() []Board {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.boards))
	for id := range s.boards {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Board, 0, len(ids))
	for _, id := range ids {
		b, err := s.Board(id)
		if err == nil {
			out = append(out, b)
		}
	}
	return out
}

// Position returns a venue leg position.
func (s *Simulator) Position(id uint64) (LegPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return LegPosition{}, fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	return p, nil
}

// SettleBoard fixes the settlement price of an expired board.
func (s *Simulator) SettleBoard(ctx context.Context, boardID uint64, price decimal.Decimal) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		b, ok := s.boards[boardID]
		if !ok {
			return fmt.Errorf("%w: id %d", ErrBoardNotFound, boardID)
		}
		if b.Settled {
			return fmt.Errorf("%w: board %d already settled", ErrBoardExpired, boardID)
		}
		if s.now().Before(b.Expiry) {
			return fmt.Errorf("%w: board %d expires %s", ErrBoardNotExpired, boardID, b.Expiry)
		}
		b.Settled = true
		b.SettlementPrice = price
		txn.OnRollback(ctx, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			b.Settled = false
			b.SettlementPrice = decimal.Zero
		})
		s.logger.Infow("board settled", "board_id", boardID, "price", price.String())
		return nil
	})
}

// GetStrike implements PricingOracle.
func (s *Simulator) GetStrike(_ context.Context, strikeID uint64) (Strike, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strikes[strikeID]
	if !ok {
		return Strike{}, fmt.Errorf("%w: id %d", ErrStrikeNotFound, strikeID)
	}
	return st, nil
}

// FindStrike implements StrikeFinder. Expiries match by calendar date.
func (s *Simulator) FindStrike(_ context.Context, expiry time.Time, strikePrice decimal.Decimal) (Strike, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	y, m, d := expiry.UTC().Date()
	for _, st := range s.strikes {
		sy, sm, sd := st.Expiry.Date()
		if sy == y && sm == m && sd == d && st.StrikePrice.Equal(strikePrice) {
			return st, nil
		}
	}
	return Strike{}, fmt.Errorf("%w: %s @ %s", ErrStrikeNotFound, expiry.Format("2006-01-02"), strikePrice)
}

// Quote implements PricingOracle.
func (s *Simulator) Quote(_ context.Context, p QuoteParams) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote(p)
}

func (s *Simulator) quote(p QuoteParams) (Quote, error) {
	if !p.OptionType.Valid() {
		return Quote{}, fmt.Errorf("%w: %d", ErrUnsupportedOptionType, int(p.OptionType))
	}
	if !p.Amount.IsPositive() {
		return Quote{}, fmt.Errorf("%w: amount must be positive", ErrInvalidTrade)
	}
	if p.Iterations < 0 {
		return Quote{}, fmt.Errorf("%w: negative iterations", ErrInvalidTrade)
	}
	st, ok := s.strikes[p.StrikeID]
	if !ok {
		return Quote{}, fmt.Errorf("%w: id %d", ErrStrikeNotFound, p.StrikeID)
	}
	now := s.now()
	if !now.Before(st.Expiry) {
		return Quote{}, fmt.Errorf("%w: strike %d expired %s", ErrBoardExpired, st.ID, st.Expiry)
	}

	unit := s.pricer.Price(PriceInput{
		StrikeID:    st.ID,
		Spot:        s.spot,
		Strike:      st.StrikePrice,
		UntilExpiry: st.Expiry.Sub(now),
		Vol:         s.cfg.Vol,
		Rate:        s.cfg.Rate,
		IsCall:      p.OptionType.IsCall(),
	})
	premium := unit.Mul(p.Amount).Round(PriceScale)
	fee := p.Amount.Mul(s.spot).Mul(s.cfg.SpotFeeCoefficient).
		Add(premium.Mul(s.cfg.PremiumFeeCoefficient)).
		Round(PriceScale)

	selling := (p.Direction == model.DirectionOpen) != p.OptionType.IsLong()
	if selling && fee.GreaterThan(premium) {
		fee = premium
	}

	q := Quote{TotalPremium: premium, TotalFee: fee}
	if p.Direction == model.DirectionOpen && !p.OptionType.IsLong() {
		q.Collateral = s.requiredCollateral(st, p.OptionType, p.Amount)
	}
	return q, nil
}

func (s *Simulator) requiredCollateral(st Strike, t model.OptionType, amount decimal.Decimal) decimal.Decimal {
	if t == model.ShortPut {
		return st.StrikePrice.Mul(amount)
	}
	return s.spot.Mul(s.cfg.ShortCallCollateral).Mul(amount).Round(PriceScale)
}

// OpenLeg implements PricingOracle. A non-zero VenuePositionID adds to an
// existing open position with the same strike and option type.
func (s *Simulator) OpenLeg(ctx context.Context, t LegTrade) (model.LegResult, error) {
	var res model.LegResult
	err := txn.Run(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		q, err := s.quote(QuoteParams{StrikeID: t.StrikeID, Iterations: 1, OptionType: t.OptionType, Amount: t.Amount, Direction: model.DirectionOpen})
		if err != nil {
			return err
		}
		if err := checkBounds(q.TotalPremium, t); err != nil {
			return err
		}

		pos := LegPosition{Owner: t.Account, StrikeID: t.StrikeID, OptionType: t.OptionType, Open: true}
		if t.VenuePositionID != 0 {
			existing, ok := s.positions[t.VenuePositionID]
			switch {
			case !ok:
				return fmt.Errorf("%w: id %d", ErrPositionNotFound, t.VenuePositionID)
			case existing.Owner != t.Account:
				return ErrNotPositionOwner
			case !existing.Open:
				return ErrPositionClosed
			case existing.StrikeID != t.StrikeID || existing.OptionType != t.OptionType:
				return fmt.Errorf("%w: id %d", ErrPositionMismatch, t.VenuePositionID)
			}
			pos = existing
		}

		collateral := decimal.Zero
		if !t.OptionType.IsLong() {
			collateral = q.Collateral
			if t.Collateral.IsPositive() {
				if t.Collateral.LessThan(q.Collateral) {
					return fmt.Errorf("%w: collateral %s below required %s", ErrInvalidTrade, t.Collateral, q.Collateral)
				}
				collateral = t.Collateral
			}
		}
		res = model.LegResult{
			StrikeID:   t.StrikeID,
			OptionType: t.OptionType,
			Amount:     t.Amount,
			TotalCost:  q.TotalPremium,
			TotalFee:   q.TotalFee,
			Collateral: collateral,
		}
		if err := s.settleCash(ctx, t.Account, NetCash(t.OptionType, model.DirectionOpen, res)); err != nil {
			return err
		}

		s.journal(ctx)
		if pos.ID == 0 {
			pos.ID = s.nextPos
			s.nextPos++
		}
		pos.Amount = pos.Amount.Add(t.Amount)
		pos.Collateral = pos.Collateral.Add(collateral)
		s.positions[pos.ID] = pos
		res.VenuePositionID = pos.ID

		s.logger.Debugw("leg opened",
			"position_id", pos.ID,
			"strike_id", t.StrikeID,
			"type", t.OptionType.String(),
			"amount", t.Amount.String(),
			"premium", q.TotalPremium.String(),
			"fee", q.TotalFee.String(),
		)
		return nil
	})
	if err != nil {
		return model.LegResult{}, err
	}
	return res, nil
}

// CloseLeg implements PricingOracle. Shorts return their collateral pro rata.
func (s *Simulator) CloseLeg(ctx context.Context, t LegTrade) (model.LegResult, error) {
	var res model.LegResult
	err := txn.Run(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		pos, ok := s.positions[t.VenuePositionID]
		switch {
		case !ok:
			return fmt.Errorf("%w: id %d", ErrPositionNotFound, t.VenuePositionID)
		case pos.Owner != t.Account:
			return ErrNotPositionOwner
		case !pos.Open:
			return ErrPositionClosed
		case t.Amount.GreaterThan(pos.Amount):
			return fmt.Errorf("%w: closing %s of %s", ErrInvalidTrade, t.Amount, pos.Amount)
		}

		q, err := s.quote(QuoteParams{StrikeID: pos.StrikeID, Iterations: 1, OptionType: pos.OptionType, Amount: t.Amount, Direction: model.DirectionClose})
		if err != nil {
			return err
		}
		if err := checkBounds(q.TotalPremium, t); err != nil {
			return err
		}

		returned := decimal.Zero
		if !pos.OptionType.IsLong() {
			returned = pos.Collateral
			if t.Amount.LessThan(pos.Amount) {
				returned = pos.Collateral.Mul(t.Amount).Div(pos.Amount).Round(PriceScale)
			}
		}
		res = model.LegResult{
			StrikeID:        pos.StrikeID,
			VenuePositionID: pos.ID,
			OptionType:      pos.OptionType,
			Amount:          t.Amount,
			TotalCost:       q.TotalPremium,
			TotalFee:        q.TotalFee,
			Collateral:      returned,
		}
		if err := s.settleCash(ctx, t.Account, NetCash(pos.OptionType, model.DirectionClose, res)); err != nil {
			return err
		}

		s.journal(ctx)
		pos.Amount = pos.Amount.Sub(t.Amount)
		pos.Collateral = pos.Collateral.Sub(returned)
		pos.Open = pos.Amount.IsPositive()
		s.positions[pos.ID] = pos
		return nil
	})
	if err != nil {
		return model.LegResult{}, err
	}
	return res, nil
}

// SettleLeg implements PricingOracle. Longs receive intrinsic value; shorts
// receive their collateral less intrinsic value, floored at zero.
func (s *Simulator) SettleLeg(ctx context.Context, account string, venuePositionID uint64) (model.LegResult, error) {
	var res model.LegResult
	err := txn.Run(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		pos, ok := s.positions[venuePositionID]
		switch {
		case !ok:
			return fmt.Errorf("%w: id %d", ErrPositionNotFound, venuePositionID)
		case pos.Owner != account:
			return ErrNotPositionOwner
		case !pos.Open:
			return ErrPositionClosed
		}
		st := s.strikes[pos.StrikeID]
		b := s.boards[st.BoardID]
		if b == nil || !b.Settled {
			return fmt.Errorf("%w: board %d", ErrBoardNotSettled, st.BoardID)
		}

		var intrinsic decimal.Decimal
		if pos.OptionType.IsCall() {
			intrinsic = b.SettlementPrice.Sub(st.StrikePrice)
		} else {
			intrinsic = st.StrikePrice.Sub(b.SettlementPrice)
		}
		intrinsic = decimal.Max(intrinsic, decimal.Zero).Mul(pos.Amount)

		payout := intrinsic
		if !pos.OptionType.IsLong() {
			payout = decimal.Max(pos.Collateral.Sub(intrinsic), decimal.Zero)
		}
		if err := s.settleCash(ctx, account, payout); err != nil {
			return err
		}

		s.journal(ctx)
		res = model.LegResult{
			StrikeID:        pos.StrikeID,
			VenuePositionID: pos.ID,
			OptionType:      pos.OptionType,
			Amount:          pos.Amount,
			Collateral:      pos.Collateral,
			Settlement:      payout,
		}
		pos.Open = false
		s.positions[pos.ID] = pos
		return nil
	})
	if err != nil {
		return model.LegResult{}, err
	}
	return res, nil
}

// settleCash moves a signed amount between the venue and account: positive
// pays the account, negative charges it.
func (s *Simulator) settleCash(ctx context.Context, account string, net decimal.Decimal) error {
	if net.IsNegative() {
		return s.ledger.Transfer(ctx, account, s.cfg.Account, net.Neg())
	}
	return s.ledger.Transfer(ctx, s.cfg.Account, account, net)
}

func checkBounds(premium decimal.Decimal, t LegTrade) error {
	if t.MaxTotalCost.IsPositive() && premium.GreaterThan(t.MaxTotalCost) {
		return fmt.Errorf("%w: %s > max %s", ErrTotalCostOutsideBounds, premium, t.MaxTotalCost)
	}
	if premium.LessThan(t.MinTotalCost) {
		return fmt.Errorf("%w: %s < min %s", ErrTotalCostOutsideBounds, premium, t.MinTotalCost)
	}
	return nil
}

// journal snapshots leg positions for rollback. Callers hold mu.
func (s *Simulator) journal(ctx context.Context) {
	if !txn.Active(ctx) {
		return
	}
	positions := make(map[uint64]LegPosition, len(s.positions))
	for id, p := range s.positions {
		positions[id] = p
	}
	nextPos := s.nextPos
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.positions = positions
		s.nextPos = nextPos
	})
}
