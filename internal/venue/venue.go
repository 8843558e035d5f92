// Package venue defines the pricing venue the spread market delegates single
// option legs to, and an in-process simulator of it.
//
// The venue owns the lifecycle of every leg it executes; callers refer to a
// leg only by the venue position id it returned.
package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/model"
)

var (
	ErrStrikeNotFound         = fmt.Errorf("%w: venue: strike not found", errs.ErrNotFound)
	ErrBoardNotFound          = fmt.Errorf("%w: venue: board not found", errs.ErrNotFound)
	ErrPositionNotFound       = fmt.Errorf("%w: venue: position not found", errs.ErrNotFound)
	ErrBoardExpired           = fmt.Errorf("%w: venue: board expired", errs.ErrInvalidStateTransition)
	ErrBoardNotExpired        = fmt.Errorf("%w: venue: board not expired", errs.ErrInvalidStateTransition)
	ErrBoardNotSettled        = fmt.Errorf("%w: venue: board not settled", errs.ErrInvalidStateTransition)
	ErrPositionMismatch       = fmt.Errorf("%w: venue: position does not match leg", errs.ErrInvalidStateTransition)
	ErrPositionClosed         = fmt.Errorf("%w: venue: position already closed", errs.ErrInvalidStateTransition)
	ErrNotPositionOwner       = fmt.Errorf("%w: venue: not position owner", errs.ErrAuthorization)
	ErrTotalCostOutsideBounds = fmt.Errorf("%w: venue: total cost outside bounds", errs.ErrExternalVenue)
	ErrInvalidTrade           = fmt.Errorf("%w: venue: invalid trade", errs.ErrInvalidInput)
	ErrUnsupportedOptionType  = fmt.Errorf("%w: venue: unsupported option type", errs.ErrInvalidInput)
)

// Strike is a listed strike of an expiry board.
type Strike struct {
	ID          uint64          `json:"id"`
	BoardID     uint64          `json:"board_id"`
	Expiry      time.Time       `json:"expiry"`
	StrikePrice decimal.Decimal `json:"strike_price"`
}

// QuoteParams describes a prospective trade of one leg.
type QuoteParams struct {
	StrikeID   uint64               `json:"strike_id"`
	Iterations int                  `json:"iterations"`
	OptionType model.OptionType     `json:"option_type"`
	Amount     decimal.Decimal      `json:"amount"`
	Direction  model.TradeDirection `json:"direction"`
	ForceClose bool                 `json:"force_close"`
}

// Quote is the venue's price for a prospective leg trade.
type Quote struct {
	TotalPremium decimal.Decimal `json:"total_premium"`
	TotalFee     decimal.Decimal `json:"total_fee"`
	Collateral   decimal.Decimal `json:"collateral"` // required to open a short, zero for longs
}

// LegTrade is an instruction to open, increase or close one leg. A zero
// VenuePositionID opens a new venue position. Zero bounds are unbounded.
type LegTrade struct {
	Account         string
	StrikeID        uint64
	VenuePositionID uint64
	OptionType      model.OptionType
	Amount          decimal.Decimal
	Collateral      decimal.Decimal
	MinTotalCost    decimal.Decimal
	MaxTotalCost    decimal.Decimal
}

// PricingOracle is the capability the market uses to price and execute legs.
// Implementations move quote between Account and themselves through the
// shared ledger and must take part in the caller's unit of work.
//
// Cash flows seen by Account:
//
//	open long:   pays TotalCost + TotalFee
//	open short:  posts Collateral, receives TotalCost - TotalFee
//	close long:  receives TotalCost - TotalFee
//	close short: receives Collateral - TotalCost - TotalFee (pays if negative)
//	settle:      receives Settlement
type PricingOracle interface {
	GetStrike(ctx context.Context, strikeID uint64) (Strike, error)
	Quote(ctx context.Context, p QuoteParams) (Quote, error)
	OpenLeg(ctx context.Context, t LegTrade) (model.LegResult, error)
	CloseLeg(ctx context.Context, t LegTrade) (model.LegResult, error)
	SettleLeg(ctx context.Context, account string, venuePositionID uint64) (model.LegResult, error)
}

// StrikeFinder resolves a listed strike by expiry date and strike price.
type StrikeFinder interface {
	FindStrike(ctx context.Context, expiry time.Time, strikePrice decimal.Decimal) (Strike, error)
}

// NetCash returns the signed quote that moved to the account for r.
func NetCash(t model.OptionType, dir model.TradeDirection, r model.LegResult) decimal.Decimal {
	switch {
	case dir == model.DirectionOpen && t.IsLong():
		return r.TotalCost.Add(r.TotalFee).Neg()
	case dir == model.DirectionOpen:
		return r.TotalCost.Sub(r.TotalFee).Sub(r.Collateral)
	case t.IsLong():
		return r.TotalCost.Sub(r.TotalFee)
	default:
		return r.Collateral.Sub(r.TotalCost).Sub(r.TotalFee)
	}
}
