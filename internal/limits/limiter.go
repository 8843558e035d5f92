// Package limits implements per-trader exposure limits for spread positions.
//
// Exposure is the max-loss collateral a trader has posted. Markets on the
// same underlying (market keys sharing the segment before the first '-',
// e.g. "ETH-WEEKLY" and "ETH-MONTHLY") are correlated: a move in the
// underlying hits all of them at once, so their exposure is capped together.
package limits

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/errs"
)

var (
	// ErrPerMarketLimitExceeded is returned when a trade would push a single
	// market's exposure beyond the per-market maximum.
	ErrPerMarketLimitExceeded = fmt.Errorf("%w: limits: per-market exposure limit exceeded", errs.ErrInvalidStateTransition)

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across markets on the same underlying beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = fmt.Errorf("%w: limits: correlated exposure limit exceeded", errs.ErrInvalidStateTransition)

	// ErrTooManyPositions is returned when a trader would hold more open
	// positions than allowed.
	ErrTooManyPositions = fmt.Errorf("%w: limits: open position limit exceeded", errs.ErrInvalidStateTransition)
)

// PositionLimiter enforces exposure limits. A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerMarket is the maximum collateral posted in any single market.
	MaxPerMarket decimal.Decimal

	// MaxCorrelated is the maximum aggregate collateral posted across all
	// markets on the same underlying.
	MaxCorrelated decimal.Decimal

	// MaxOpenPositions caps the number of open positions per trader.
	MaxOpenPositions int
}

// NewPositionLimiter creates a limiter with the given limits.
func NewPositionLimiter(maxPerMarket, maxCorrelated decimal.Decimal, maxOpenPositions int) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket:     maxPerMarket,
		MaxCorrelated:    maxCorrelated,
		MaxOpenPositions: maxOpenPositions,
	}
}

// CheckLimit validates whether a trade respects the limits.
//
// Parameters:
//   - market: market key of the position being traded
//   - exposureDelta: change in posted collateral (negative when it shrinks)
//   - existingExposures: market key → collateral currently posted by this trader
//
// Trades that reduce exposure are always allowed.
func (l *PositionLimiter) CheckLimit(
	market string,
	exposureDelta decimal.Decimal,
	existingExposures map[string]decimal.Decimal,
) error {
	if l == nil || !exposureDelta.IsPositive() {
		return nil
	}

	// 1. Per-market limit.
	newExposure := existingExposures[market].Add(exposureDelta)
	if l.MaxPerMarket.IsPositive() && newExposure.GreaterThan(l.MaxPerMarket) {
		return fmt.Errorf("%w: %s would reach %s > %s", ErrPerMarketLimitExceeded, market, newExposure, l.MaxPerMarket)
	}

	// 2. Correlated exposure: sum across markets on the same underlying.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	target := Underlying(market)
	total := newExposure
	for key, exposure := range existingExposures {
		if key == market {
			continue // already counted via newExposure above
		}
		if Underlying(key) == target {
			total = total.Add(exposure)
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return fmt.Errorf("%w: %s would reach %s > %s", ErrCorrelatedLimitExceeded, target, total, l.MaxCorrelated)
	}
	return nil
}

// CheckOpenPositions validates that opening one more position stays within
// MaxOpenPositions.
func (l *PositionLimiter) CheckOpenPositions(current int) error {
	if l == nil || l.MaxOpenPositions <= 0 {
		return nil
	}
	if current+1 > l.MaxOpenPositions {
		return fmt.Errorf("%w: %d open", ErrTooManyPositions, current)
	}
	return nil
}

// Underlying returns the underlying asset of a market key.
func Underlying(market string) string {
	if i := strings.IndexByte(market, '-'); i >= 0 {
		return strings.ToUpper(market[:i])
	}
	return strings.ToUpper(market)
}
