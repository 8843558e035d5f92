package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/venue"
)

// OpenPosition opens a new spread position for trader, or increases the
// position ref.PositionID references. maxCost is the most the trader is
// willing to pay for premiums and collateral together; it is pulled up front
// and the unused part refunded.
//
// Shorts are executed first with collateral borrowed from the pool, then
// longs are bought from the premium received and the trader's funds. The
// trader's escrow is topped up to max(maxLoss, netPremium) - netPremium plus
// the reserved borrow fee.
func (s *Service) OpenPosition(ctx context.Context, trader string, ref PositionRef, legs []TradeLeg, maxCost decimal.Decimal) (Result, error) {
	kind := model.EventOpen
	if ref.PositionID != 0 {
		kind = model.EventIncrease
	}

	var res Result
	err := s.run(ctx, kind, func(ctx context.Context) error {
		r, err := s.open(ctx, trader, ref, legs, maxCost)
		res = r
		return err
	})
	if err != nil {
		s.logger.Warnw("open rejected",
			"trader", trader,
			"position_id", ref.PositionID,
			"market", ref.Market,
			"error", err,
		)
		return Result{}, err
	}

	s.logger.Infow("position opened",
		"kind", kind,
		"position_id", res.Position.ID,
		"owner", trader,
		"market", res.Position.Market,
		"max_loss", res.Position.MaxLoss.String(),
		"escrowed", res.Position.EscrowedCollateral.String(),
		"borrowed", res.Position.BorrowedCollateral.String(),
	)
	s.commit(ctx, res.Position, res.Event)
	return res, nil
}

// executed is one leg traded at the venue during an open.
type executed struct {
	leg    TradeLeg
	strike venue.Strike
	result model.LegResult
}

func (s *Service) open(ctx context.Context, trader string, ref PositionRef, legs []TradeLeg, maxCost decimal.Decimal) (Result, error) {
	if err := validateTradeLegs(legs); err != nil {
		return Result{}, err
	}
	if maxCost.IsNegative() {
		return Result{}, fmt.Errorf("%w: negative max cost", ErrInvalidLeg)
	}

	increase := ref.PositionID != 0
	var pos model.SpreadPosition
	if increase {
		cur, err := s.registry.Get(ref.PositionID)
		if err != nil {
			return Result{}, err
		}
		if cur.Owner != trader {
			return Result{}, ErrOnlyOwnerCanIncrease
		}
		if cur.Status != model.StatusOpen {
			return Result{}, ErrPositionNotOpen
		}
		if ref.Market != "" && ref.Market != cur.Market {
			return Result{}, fmt.Errorf("%w: position %d trades on %s", ErrNotValidIncrease, cur.ID, cur.Market)
		}
		if !cur.HasVenueLeg() {
			return Result{}, fmt.Errorf("%w: position %d has no executed legs", ErrNotValidIncrease, cur.ID)
		}
		for _, l := range legs {
			i := cur.LegByVenueID(l.VenuePositionID)
			if i < 0 || cur.Legs[i].StrikeID != l.StrikeID || cur.Legs[i].OptionType != l.OptionType {
				return Result{}, fmt.Errorf("%w: leg %d does not reference an existing leg", ErrNotValidIncrease, l.VenuePositionID)
			}
		}
		pos = cur
		ref.Market = cur.Market
	} else {
		for _, l := range legs {
			if l.VenuePositionID != 0 {
				return Result{}, fmt.Errorf("%w: new position references venue position %d", ErrNotValidIncrease, l.VenuePositionID)
			}
		}
		if err := s.limiter.CheckOpenPositions(len(s.registry.GetOwnerPositions(trader))); err != nil {
			metrics.PositionLimitRejections.Inc()
			return Result{}, err
		}
	}

	v, err := s.Venue(ref.Market)
	if err != nil {
		return Result{}, err
	}

	// All legs must sit on one board (and on the position's board for increases).
	strikes := make([]venue.Strike, len(legs))
	for i, l := range legs {
		st, err := v.GetStrike(ctx, l.StrikeID)
		if err != nil {
			return Result{}, venueErr(err)
		}
		strikes[i] = st
		board := strikes[0].BoardID
		if increase {
			board = pos.BoardID
		}
		if st.BoardID != board {
			return Result{}, fmt.Errorf("%w: strike %d on board %d, expected %d", ErrMixedBoards, st.ID, st.BoardID, board)
		}
	}
	if !increase {
		pos = model.SpreadPosition{
			Owner:    trader,
			Market:   ref.Market,
			BoardID:  strikes[0].BoardID,
			Expiry:   strikes[0].Expiry,
			Status:   model.StatusOpen,
			OpenedAt: s.now(),
		}
	}

	// Borrow short collateral from the pool.
	quoted := make([]decimal.Decimal, len(legs))
	borrowed := decimal.Zero
	for i, l := range legs {
		if l.OptionType.IsLong() {
			continue
		}
		q, err := v.Quote(ctx, venue.QuoteParams{StrikeID: l.StrikeID, Iterations: 1, OptionType: l.OptionType, Amount: l.Amount, Direction: model.DirectionOpen})
		if err != nil {
			return Result{}, venueErr(err)
		}
		quoted[i] = s.ledger.Normalize(q.Collateral)
		borrowed = borrowed.Add(quoted[i])
	}
	base := s.ledger.BalanceOf(s.account)
	if err := s.pool.TransferShortCollateral(ctx, s.account, borrowed); err != nil {
		return Result{}, err
	}
	if err := s.ledger.Transfer(ctx, trader, s.account, maxCost); err != nil {
		return Result{}, err
	}

	// Shorts first: they consume the borrowed collateral and their premium
	// funds the longs.
	done := make([]executed, 0, len(legs))
	for _, pass := range []bool{false, true} {
		for i, l := range legs {
			if l.OptionType.IsLong() != pass {
				continue
			}
			if l.OptionType.IsLong() {
				q, err := v.Quote(ctx, venue.QuoteParams{StrikeID: l.StrikeID, Iterations: 1, OptionType: l.OptionType, Amount: l.Amount, Direction: model.DirectionOpen})
				if err != nil {
					return Result{}, venueErr(err)
				}
				cost := q.TotalPremium.Add(q.TotalFee)
				if avail := s.available(base); cost.GreaterThan(avail) {
					return Result{}, fmt.Errorf("%w: long leg costs %s, %s available", ErrMaxLossRequirementNotMet, cost, avail)
				}
			}
			r, err := v.OpenLeg(ctx, venue.LegTrade{
				Account:         s.account,
				StrikeID:        l.StrikeID,
				VenuePositionID: l.VenuePositionID,
				OptionType:      l.OptionType,
				Amount:          l.Amount,
				Collateral:      quoted[i],
				MinTotalCost:    l.MinTotalCost,
				MaxTotalCost:    l.MaxTotalCost,
			})
			if err != nil {
				if errors.Is(err, asset.ErrInsufficientBalance) {
					return Result{}, fmt.Errorf("%w: %w", ErrMaxLossRequirementNotMet, err)
				}
				return Result{}, venueErr(err)
			}
			done = append(done, executed{leg: l, strike: strikes[i], result: r})
		}
	}

	for _, e := range done {
		pos.Legs = applyOpen(pos.Legs, e)
	}
	pos.BorrowedCollateral = pos.BorrowedCollateral.Add(borrowed)

	fee := s.pool.CalculateCollateralFee(borrowed, pos.Expiry)
	pos.FeeReserved = pos.FeeReserved.Add(fee)
	ml, escrowed, err := s.requirement(pos.Legs, pos.FeeReserved)
	if err != nil {
		return Result{}, err
	}
	delta := escrowed.Sub(pos.EscrowedCollateral)

	if err := s.limiter.CheckLimit(pos.Market, delta, s.exposures(trader)); err != nil {
		metrics.PositionLimitRejections.Inc()
		return Result{}, err
	}

	pos.MaxLoss = ml
	pos.EscrowedCollateral = escrowed
	pos.UpdatedAt = s.now()
	if increase {
		if err := s.registry.Update(ctx, s.account, pos); err != nil {
			return Result{}, err
		}
	} else {
		id, err := s.registry.Mint(ctx, s.account, pos)
		if err != nil {
			return Result{}, err
		}
		pos.ID = id
	}

	// Settle the trader's cash: top up (or release) escrow, refund the rest.
	switch {
	case delta.IsPositive():
		if avail := s.available(base); delta.GreaterThan(avail) {
			return Result{}, fmt.Errorf("%w: need %s, %s left of max cost %s", ErrMaxLossRequirementNotMet, delta, avail, maxCost)
		}
		if err := s.escrow.Deposit(ctx, s.account, s.account, pos.ID, delta); err != nil {
			return Result{}, err
		}
	case delta.IsNegative():
		if err := s.escrow.ReturnToMarket(ctx, s.account, pos.ID, delta.Neg()); err != nil {
			return Result{}, err
		}
	}
	refund := s.available(base)
	if err := s.ledger.Transfer(ctx, s.account, trader, refund); err != nil {
		return Result{}, err
	}
	if err := s.checkFlat(base); err != nil {
		return Result{}, err
	}

	ev := model.TradeEvent{
		ID:                 uuid.NewString(),
		Kind:               model.EventOpen,
		PositionID:         pos.ID,
		Owner:              trader,
		Market:             pos.Market,
		CollateralBorrowed: borrowed,
		MaxLossPosted:      delta,
		Fee:                fee,
		MaxCost:            maxCost,
		TraderPayout:       maxCost.Sub(refund).Neg(),
		Timestamp:          s.now(),
	}
	if increase {
		ev.Kind = model.EventIncrease
	}
	for _, e := range done {
		if e.leg.OptionType.IsLong() {
			ev.BuyResults = append(ev.BuyResults, e.result)
		} else {
			ev.SellResults = append(ev.SellResults, e.result)
		}
	}
	return Result{Position: pos.Clone(), Event: ev}, nil
}

// applyOpen merges an executed leg into the position's legs.
func applyOpen(legs []model.Leg, e executed) []model.Leg {
	premium := e.result.TotalCost.Add(e.result.TotalFee)
	if !e.leg.OptionType.IsLong() {
		premium = e.result.TotalCost.Sub(e.result.TotalFee)
	}
	for i := range legs {
		if legs[i].VenuePositionID == e.result.VenuePositionID {
			legs[i].Amount = legs[i].Amount.Add(e.result.Amount)
			legs[i].Premium = legs[i].Premium.Add(premium)
			legs[i].Collateral = legs[i].Collateral.Add(e.result.Collateral)
			return legs
		}
	}
	return append(legs, model.Leg{
		StrikeID:        e.strike.ID,
		StrikePrice:     e.strike.StrikePrice,
		OptionType:      e.leg.OptionType,
		Amount:          e.result.Amount,
		VenuePositionID: e.result.VenuePositionID,
		Premium:         premium,
		Collateral:      e.result.Collateral,
	})
}

// exposures returns the collateral the trader has posted per market.
func (s *Service) exposures(trader string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range s.registry.GetOwnerPositions(trader) {
		out[p.Market] = out[p.Market].Add(p.EscrowedCollateral)
	}
	return out
}

func validateTradeLegs(legs []TradeLeg) error {
	if len(legs) == 0 {
		return ErrNoLegs
	}
	type key struct {
		strike uint64
		t      model.OptionType
	}
	seen := make(map[key]bool, len(legs))
	for _, l := range legs {
		switch {
		case !l.OptionType.Valid():
			return fmt.Errorf("%w: unsupported option type %d", ErrInvalidLeg, int(l.OptionType))
		case !l.Amount.IsPositive():
			return fmt.Errorf("%w: amount must be positive", ErrInvalidLeg)
		case l.MinTotalCost.IsNegative() || l.MaxTotalCost.IsNegative():
			return fmt.Errorf("%w: negative cost bound", ErrInvalidLeg)
		case l.MaxTotalCost.IsPositive() && l.MinTotalCost.GreaterThan(l.MaxTotalCost):
			return fmt.Errorf("%w: min cost above max cost", ErrInvalidLeg)
		}
		k := key{l.StrikeID, l.OptionType}
		if seen[k] {
			return fmt.Errorf("%w: strike %d %s", ErrDuplicateLeg, l.StrikeID, l.OptionType)
		}
		seen[k] = true
	}
	return nil
}
