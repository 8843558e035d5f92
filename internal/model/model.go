// Package model defines the core domain types shared across the spread engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionType identifies the kind of a single leg. The numbering follows the
// pricing venue; value 2 (base-collateralised short call) is not supported.
type OptionType int

const (
	LongCall  OptionType = 0
	LongPut   OptionType = 1
	ShortCall OptionType = 3
	ShortPut  OptionType = 4
)

var optionTypeNames = map[OptionType]string{
	LongCall:  "LONG_CALL",
	LongPut:   "LONG_PUT",
	ShortCall: "SHORT_CALL",
	ShortPut:  "SHORT_PUT",
}

// Valid reports whether t is a supported option type.
func (t OptionType) Valid() bool {
	_, ok := optionTypeNames[t]
	return ok
}

// IsLong reports whether the leg is bought (premium paid, no collateral).
func (t OptionType) IsLong() bool { return t == LongCall || t == LongPut }

// IsCall reports whether the leg is a call.
func (t OptionType) IsCall() bool { return t == LongCall || t == ShortCall }

func (t OptionType) String() string {
	if name, ok := optionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OptionType(%d)", int(t))
}

// MarshalText encodes the option type by name.
func (t OptionType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("model: unsupported option type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText accepts the option type name (case-insensitive) or its venue number.
func (t *OptionType) UnmarshalText(b []byte) error {
	parsed, err := ParseOptionType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseOptionType parses "LONG_CALL", "long_put", "3", ...
func ParseOptionType(s string) (OptionType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for t, name := range optionTypeNames {
		if s == name || s == fmt.Sprint(int(t)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("model: unsupported option type %q", s)
}

// TradeDirection is the direction a leg is traded at the venue.
type TradeDirection int

const (
	DirectionOpen TradeDirection = iota
	DirectionClose
)

func (d TradeDirection) String() string {
	if d == DirectionClose {
		return "CLOSE"
	}
	return "OPEN"
}

// PositionStatus is the lifecycle state of a spread position.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "OPEN"
	StatusClosed  PositionStatus = "CLOSED"
	StatusSettled PositionStatus = "SETTLED"
)

// Leg is one option contract of a spread position. VenuePositionID is a weak
// reference into the venue, which owns the underlying leg lifecycle.
type Leg struct {
	StrikeID        uint64          `json:"strike_id"`
	StrikePrice     decimal.Decimal `json:"strike_price"`
	OptionType      OptionType      `json:"option_type"`
	Amount          decimal.Decimal `json:"amount"`
	VenuePositionID uint64          `json:"venue_position_id"`
	Premium         decimal.Decimal `json:"premium"`    // paid incl. fee (long) or received net of fee (short)
	Collateral      decimal.Decimal `json:"collateral"` // venue collateral posted for shorts
}

// SpreadPosition is a multi-leg position owned by one trader.
type SpreadPosition struct {
	ID                 uint64          `json:"id" db:"id"`
	Owner              string          `json:"owner" db:"owner"`
	Market             string          `json:"market" db:"market"`
	BoardID            uint64          `json:"board_id" db:"board_id"`
	Expiry             time.Time       `json:"expiry" db:"expiry"`
	Legs               []Leg           `json:"legs" db:"legs"`
	MaxLoss            decimal.Decimal `json:"max_loss" db:"max_loss"`
	EscrowedCollateral decimal.Decimal `json:"escrowed_collateral" db:"escrowed_collateral"`
	BorrowedCollateral decimal.Decimal `json:"borrowed_collateral" db:"borrowed_collateral"`
	FeeReserved        decimal.Decimal `json:"fee_reserved" db:"fee_reserved"`
	Status             PositionStatus  `json:"status" db:"status"`
	OpenedAt           time.Time       `json:"opened_at" db:"opened_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy.
func (p SpreadPosition) Clone() SpreadPosition {
	c := p
	c.Legs = append([]Leg(nil), p.Legs...)
	return c
}

// NetPremium is the net cash the trader has paid for the legs (negative for credit spreads).
func (p SpreadPosition) NetPremium() decimal.Decimal {
	net := decimal.Zero
	for _, l := range p.Legs {
		if l.OptionType.IsLong() {
			net = net.Add(l.Premium)
		} else {
			net = net.Sub(l.Premium)
		}
	}
	return net
}

// HasVenueLeg reports whether at least one leg has been executed at the venue.
func (p SpreadPosition) HasVenueLeg() bool {
	for _, l := range p.Legs {
		if l.VenuePositionID != 0 {
			return true
		}
	}
	return false
}

// LegByVenueID returns the index of the leg referencing venuePositionID, or -1.
func (p SpreadPosition) LegByVenueID(venuePositionID uint64) int {
	if venuePositionID == 0 {
		return -1
	}
	for i, l := range p.Legs {
		if l.VenuePositionID == venuePositionID {
			return i
		}
	}
	return -1
}

// QueuedWithdrawal is a pool withdrawal waiting for free liquidity.
type QueuedWithdrawal struct {
	ID                     uint64          `json:"id" db:"id"`
	Beneficiary            string          `json:"beneficiary" db:"beneficiary"`
	AmountTokens           decimal.Decimal `json:"amount_tokens" db:"amount_tokens"`
	TokenPriceAtWithdrawal decimal.Decimal `json:"token_price_at_withdrawal" db:"token_price_at_withdrawal"`
	QuoteReserved          decimal.Decimal `json:"quote_reserved" db:"quote_reserved"`
	QueuedAt               time.Time       `json:"queued_at" db:"queued_at"`
	Processed              bool            `json:"processed" db:"processed"`
	ProcessedAt            time.Time       `json:"processed_at,omitempty" db:"processed_at"`
	QuotePaid              decimal.Decimal `json:"quote_paid" db:"quote_paid"`
}

// PoolParameters configures the liquidity pool.
type PoolParameters struct {
	MinDepositWithdraw decimal.Decimal `json:"min_deposit_withdraw"`
	WithdrawalDelay    time.Duration   `json:"withdrawal_delay"`
	WithdrawalFee      decimal.Decimal `json:"withdrawal_fee"` // fraction of the payout kept by the pool
	GuardianDelay      time.Duration   `json:"guardian_delay"`
	Cap                decimal.Decimal `json:"cap"` // zero means uncapped
	Fee                decimal.Decimal `json:"fee"` // annualised borrow rate on locked collateral
	GuardianMultisig   string          `json:"guardian_multisig"`
}

// CircuitBreakerParameters configures the pool's liquidity circuit breaker.
type CircuitBreakerParameters struct {
	LiquidityCBThreshold decimal.Decimal `json:"liquidity_cb_threshold"` // free/total ratio that trips the breaker
	LiquidityCBTimeout   time.Duration   `json:"liquidity_cb_timeout"`
}

// PoolState is a point-in-time snapshot of the pool's accounting.
type PoolState struct {
	TotalSupply        decimal.Decimal `json:"total_supply" db:"total_supply"`
	TokenPrice         decimal.Decimal `json:"token_price" db:"token_price"`
	HeldBalance        decimal.Decimal `json:"held_balance" db:"held_balance"`
	LockedLiquidity    decimal.Decimal `json:"locked_liquidity" db:"locked_liquidity"`
	QueuedLiability    decimal.Decimal `json:"queued_liability" db:"queued_liability"`
	FreeLiquidity      decimal.Decimal `json:"free_liquidity" db:"free_liquidity"`
	TotalPoolValue     decimal.Decimal `json:"total_pool_value" db:"total_pool_value"`
	QueueHead          uint64          `json:"queue_head" db:"queue_head"`
	QueueTail          uint64          `json:"queue_tail" db:"queue_tail"`
	CircuitBreakerTill time.Time       `json:"circuit_breaker_till" db:"circuit_breaker_till"`
	Timestamp          time.Time       `json:"timestamp" db:"timestamp"`
}

// Trade event kinds.
const (
	EventOpen     = "open"
	EventIncrease = "increase"
	EventClose    = "close"
	EventSettle   = "settle"
)

// LegResult is the venue's execution result for one leg. Callers use the
// venue position id to reference the leg in later close or increase calls.
type LegResult struct {
	StrikeID        uint64          `json:"strike_id"`
	VenuePositionID uint64          `json:"venue_position_id"`
	OptionType      OptionType      `json:"option_type"`
	Amount          decimal.Decimal `json:"amount"`
	TotalCost       decimal.Decimal `json:"total_cost"` // premium excluding fee
	TotalFee        decimal.Decimal `json:"total_fee"`
	Collateral      decimal.Decimal `json:"collateral"` // posted on open, returned on close/settle
	Settlement      decimal.Decimal `json:"settlement,omitempty"`
}

// TradeEvent is an immutable record of a market operation.
type TradeEvent struct {
	ID                 string          `json:"id" db:"id"`
	Kind               string          `json:"kind" db:"kind"`
	PositionID         uint64          `json:"position_id" db:"position_id"`
	Owner              string          `json:"owner" db:"owner"`
	Market             string          `json:"market" db:"market"`
	SellResults        []LegResult     `json:"sell_results" db:"sell_results"`
	BuyResults         []LegResult     `json:"buy_results" db:"buy_results"`
	CollateralBorrowed decimal.Decimal `json:"collateral_borrowed" db:"collateral_borrowed"`
	MaxLossPosted      decimal.Decimal `json:"max_loss_posted" db:"max_loss_posted"`
	Fee                decimal.Decimal `json:"fee" db:"fee"`
	MaxCost            decimal.Decimal `json:"max_cost" db:"max_cost"`
	TraderPayout       decimal.Decimal `json:"trader_payout" db:"trader_payout"`
	PoolPayout         decimal.Decimal `json:"pool_payout" db:"pool_payout"`
	Timestamp          time.Time       `json:"timestamp" db:"timestamp"`
}
