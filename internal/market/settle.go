package market

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

// SettleOption settles every leg of an expired position once its board has
// settled at the venue. Anyone may call it. The pool is repaid its collateral
// and fee first; the owner receives the rest.
func (s *Service) SettleOption(ctx context.Context, caller string, positionID uint64) (Result, error) {
	var res Result
	err := s.run(ctx, model.EventSettle, func(ctx context.Context) error {
		r, err := s.settle(ctx, positionID)
		res = r
		return err
	})
	if err != nil {
		s.logger.Warnw("settle rejected", "caller", caller, "position_id", positionID, "error", err)
		return Result{}, err
	}

	s.logger.Infow("position settled",
		"position_id", positionID,
		"caller", caller,
		"owner", res.Position.Owner,
		"trader_payout", res.Event.TraderPayout.String(),
		"pool_payout", res.Event.PoolPayout.String(),
	)
	s.commit(ctx, res.Position, res.Event)
	return res, nil
}

func (s *Service) settle(ctx context.Context, positionID uint64) (Result, error) {
	pos, err := s.registry.Get(positionID)
	if err != nil {
		return Result{}, err
	}
	if pos.Status != model.StatusOpen {
		return Result{}, ErrPositionNotOpen
	}
	v, err := s.Venue(pos.Market)
	if err != nil {
		return Result{}, err
	}

	base := s.ledger.BalanceOf(s.account)
	escrowed := pos.EscrowedCollateral

	var sells, buys []model.LegResult
	for _, l := range pos.Legs {
		r, err := v.SettleLeg(ctx, s.account, l.VenuePositionID)
		if err != nil {
			return Result{}, venueErr(err)
		}
		if l.OptionType.IsLong() {
			sells = append(sells, r)
		} else {
			buys = append(buys, r)
		}
	}

	// Settlement proceeds repay the pool first; escrow covers the rest.
	proceeds := s.available(base)
	owed := pos.BorrowedCollateral.Add(pos.FeeReserved)
	fromProceeds := decimal.Min(proceeds, owed)
	forfeit := decimal.Min(owed.Sub(fromProceeds), escrowed)
	released := escrowed.Sub(forfeit)
	poolPayout := fromProceeds.Add(forfeit)
	if poolPayout.LessThan(owed) {
		s.logger.Warnw("pool takes shortfall on settlement",
			"position_id", pos.ID,
			"owed", owed.String(),
			"paid", poolPayout.String(),
		)
	}
	if err := s.payPool(ctx, fromProceeds); err != nil {
		return Result{}, err
	}
	if err := s.escrow.SendToLiquidityPool(ctx, s.account, pos.ID, forfeit); err != nil {
		return Result{}, err
	}
	if err := s.escrow.SendToTrader(ctx, s.account, pos.ID, pos.Owner, released); err != nil {
		return Result{}, err
	}
	rest := s.available(base)
	if err := s.ledger.Transfer(ctx, s.account, pos.Owner, rest); err != nil {
		return Result{}, err
	}
	traderPayout := rest.Add(released)
	if err := s.pool.FreeLockedLiquidity(ctx, s.account, pos.BorrowedCollateral); err != nil {
		return Result{}, err
	}
	if err := s.checkFlat(base); err != nil {
		return Result{}, err
	}
	if err := s.registry.Burn(ctx, s.account, pos.ID); err != nil {
		return Result{}, err
	}

	pos.Status = model.StatusSettled
	pos.EscrowedCollateral = decimal.Zero
	pos.UpdatedAt = s.now()

	ev := model.TradeEvent{
		ID:                 uuid.NewString(),
		Kind:               model.EventSettle,
		PositionID:         pos.ID,
		Owner:              pos.Owner,
		Market:             pos.Market,
		SellResults:        sells,
		BuyResults:         buys,
		CollateralBorrowed: pos.BorrowedCollateral.Neg(),
		MaxLossPosted:      escrowed.Neg(),
		Fee:                pos.FeeReserved,
		TraderPayout:       traderPayout,
		PoolPayout:         poolPayout,
		Timestamp:          s.now(),
	}
	return Result{Position: pos.Clone(), Event: ev}, nil
}
