package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/venue"
)

// ClosePosition closes legs of a position, fully or in part. The position's
// escrow is released to the market, the legs are closed at the venue (longs
// first, their proceeds buy back the shorts), the pool is repaid the returned
// short collateral plus the borrow fee it has earned, the remaining legs are
// re-collateralised and whatever is left goes to the owner.
//
// Closing every leg burns the position.
func (s *Service) ClosePosition(ctx context.Context, caller, market string, positionID uint64, legs []CloseLeg) (Result, error) {
	var res Result
	err := s.run(ctx, model.EventClose, func(ctx context.Context) error {
		r, err := s.close(ctx, caller, market, positionID, legs)
		res = r
		return err
	})
	if err != nil {
		s.logger.Warnw("close rejected",
			"caller", caller,
			"position_id", positionID,
			"error", err,
		)
		return Result{}, err
	}

	s.logger.Infow("position closed",
		"position_id", positionID,
		"owner", caller,
		"status", res.Position.Status,
		"legs_left", len(res.Position.Legs),
		"trader_payout", res.Event.TraderPayout.String(),
		"pool_payout", res.Event.PoolPayout.String(),
	)
	s.commit(ctx, res.Position, res.Event)
	return res, nil
}

func (s *Service) close(ctx context.Context, caller, market string, positionID uint64, legs []CloseLeg) (Result, error) {
	pos, err := s.registry.Get(positionID)
	if err != nil {
		return Result{}, err
	}
	if pos.Owner != caller {
		return Result{}, ErrOnlyOwnerCanClose
	}
	if pos.Status != model.StatusOpen {
		return Result{}, ErrPositionNotOpen
	}
	if market != "" && market != pos.Market {
		return Result{}, fmt.Errorf("%w: position %d trades on %s", ErrInvalidLeg, pos.ID, pos.Market)
	}
	if err := validateCloseLegs(pos, legs); err != nil {
		return Result{}, err
	}
	v, err := s.Venue(pos.Market)
	if err != nil {
		return Result{}, err
	}

	base := s.ledger.BalanceOf(s.account)
	escrowedBefore := pos.EscrowedCollateral
	if err := s.escrow.ReturnToMarket(ctx, s.account, pos.ID, escrowedBefore); err != nil {
		return Result{}, err
	}

	var sells, buys []model.LegResult
	returned := decimal.Zero
	for _, pass := range []bool{true, false} {
		for _, cl := range legs {
			i := pos.LegByVenueID(cl.VenuePositionID)
			leg := pos.Legs[i]
			if leg.OptionType.IsLong() != pass {
				continue
			}
			r, err := v.CloseLeg(ctx, venue.LegTrade{
				Account:         s.account,
				StrikeID:        leg.StrikeID,
				VenuePositionID: leg.VenuePositionID,
				OptionType:      leg.OptionType,
				Amount:          cl.Amount,
				MinTotalCost:    cl.MinTotalCost,
				MaxTotalCost:    cl.MaxTotalCost,
			})
			if err != nil {
				if errors.Is(err, asset.ErrInsufficientBalance) {
					return Result{}, fmt.Errorf("%w: %w", ErrRemainingUndercollateralised, err)
				}
				return Result{}, venueErr(err)
			}

			share := leg.Premium
			collateral := s.ledger.Normalize(r.Collateral)
			if cl.Amount.LessThan(leg.Amount) {
				share = leg.Premium.Mul(cl.Amount).Div(leg.Amount)
			} else {
				collateral = leg.Collateral
			}
			leg.Amount = leg.Amount.Sub(cl.Amount)
			leg.Premium = leg.Premium.Sub(share)
			leg.Collateral = leg.Collateral.Sub(collateral)
			pos.Legs[i] = leg
			returned = returned.Add(collateral)

			if leg.OptionType.IsLong() {
				sells = append(sells, r)
			} else {
				buys = append(buys, r)
			}
		}
	}

	remaining := pos.Legs[:0]
	for _, l := range pos.Legs {
		if l.Amount.IsPositive() {
			remaining = append(remaining, l)
		}
	}
	pos.Legs = remaining
	if len(pos.Legs) == 0 || !hasShort(pos.Legs) {
		returned = pos.BorrowedCollateral
	}

	// The pool keeps the fee earned on the collateral it no longer lends.
	borrowedAfter := pos.BorrowedCollateral.Sub(returned)
	reserve := decimal.Min(pos.FeeReserved, s.pool.CalculateCollateralFee(borrowedAfter, pos.Expiry))
	consumed := pos.FeeReserved.Sub(reserve)
	owed := returned.Add(consumed)

	ml, escrowedAfter, err := s.requirement(pos.Legs, reserve)
	if err != nil {
		return Result{}, err
	}

	proceeds := s.available(base)
	poolPayout, traderPayout := owed, decimal.Zero
	if proceeds.LessThan(owed) {
		if len(pos.Legs) > 0 {
			return Result{}, fmt.Errorf("%w: proceeds %s do not repay %s", ErrRemainingUndercollateralised, proceeds, owed)
		}
		poolPayout = proceeds
		s.logger.Warnw("pool takes shortfall on close",
			"position_id", pos.ID,
			"owed", owed.String(),
			"paid", proceeds.String(),
		)
	}
	if err := s.payPool(ctx, poolPayout); err != nil {
		return Result{}, err
	}
	if len(pos.Legs) > 0 {
		if left := s.available(base); left.LessThan(escrowedAfter) {
			return Result{}, fmt.Errorf("%w: need %s in escrow, %s left", ErrRemainingUndercollateralised, escrowedAfter, left)
		}
		if err := s.escrow.Deposit(ctx, s.account, s.account, pos.ID, escrowedAfter); err != nil {
			return Result{}, err
		}
	}
	traderPayout = s.available(base)
	if err := s.ledger.Transfer(ctx, s.account, pos.Owner, traderPayout); err != nil {
		return Result{}, err
	}
	if err := s.pool.FreeLockedLiquidity(ctx, s.account, returned); err != nil {
		return Result{}, err
	}
	if err := s.checkFlat(base); err != nil {
		return Result{}, err
	}

	pos.BorrowedCollateral = borrowedAfter
	pos.FeeReserved = reserve
	pos.MaxLoss = ml
	pos.EscrowedCollateral = escrowedAfter
	pos.UpdatedAt = s.now()
	if len(pos.Legs) == 0 {
		pos.Status = model.StatusClosed
		if err := s.registry.Burn(ctx, s.account, pos.ID); err != nil {
			return Result{}, err
		}
	} else if err := s.registry.Update(ctx, s.account, pos); err != nil {
		return Result{}, err
	}

	ev := model.TradeEvent{
		ID:                 uuid.NewString(),
		Kind:               model.EventClose,
		PositionID:         pos.ID,
		Owner:              pos.Owner,
		Market:             pos.Market,
		SellResults:        sells,
		BuyResults:         buys,
		CollateralBorrowed: returned.Neg(),
		MaxLossPosted:      escrowedAfter.Sub(escrowedBefore),
		Fee:                consumed,
		TraderPayout:       traderPayout,
		PoolPayout:         poolPayout,
		Timestamp:          s.now(),
	}
	return Result{Position: pos.Clone(), Event: ev}, nil
}

func hasShort(legs []model.Leg) bool {
	for _, l := range legs {
		if !l.OptionType.IsLong() {
			return true
		}
	}
	return false
}

func validateCloseLegs(pos model.SpreadPosition, legs []CloseLeg) error {
	if len(legs) == 0 {
		return ErrNoLegs
	}
	seen := make(map[uint64]bool, len(legs))
	for _, cl := range legs {
		i := pos.LegByVenueID(cl.VenuePositionID)
		switch {
		case i < 0:
			return fmt.Errorf("%w: position %d has no leg %d", ErrInvalidLeg, pos.ID, cl.VenuePositionID)
		case seen[cl.VenuePositionID]:
			return fmt.Errorf("%w: leg %d", ErrDuplicateLeg, cl.VenuePositionID)
		case !cl.Amount.IsPositive():
			return fmt.Errorf("%w: amount must be positive", ErrInvalidLeg)
		case cl.Amount.GreaterThan(pos.Legs[i].Amount):
			return fmt.Errorf("%w: closing %s of %s", ErrInvalidLeg, cl.Amount, pos.Legs[i].Amount)
		case cl.MinTotalCost.IsNegative() || cl.MaxTotalCost.IsNegative():
			return fmt.Errorf("%w: negative cost bound", ErrInvalidLeg)
		}
		seen[cl.VenuePositionID] = true
	}
	return nil
}
