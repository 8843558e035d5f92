package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/txn"
)

// SecondsPerYear is the day-count basis of the collateral borrow fee.
const SecondsPerYear = 31536000

var one = decimal.NewFromInt(1)

// CollateralFee is the time-proportional borrow fee on principal at an
// annualised rate, from `from` until `until`. Zero when until is not after from.
func CollateralFee(rate, principal decimal.Decimal, from, until time.Time) decimal.Decimal {
	if !until.After(from) || !principal.IsPositive() {
		return decimal.Zero
	}
	secs := decimal.NewFromInt(int64(until.Sub(from) / time.Second))
	return principal.Mul(rate).Mul(secs).Div(decimal.NewFromInt(SecondsPerYear))
}

// CalculateCollateralFee returns the fee for borrowing principal from now
// until the given time at the pool's current rate, truncated to the quote
// asset's precision.
func (p *Pool) CalculateCollateralFee(principal decimal.Decimal, until time.Time) decimal.Decimal {
	p.mu.RLock()
	rate := p.params.Fee
	p.mu.RUnlock()
	return p.ledger.Normalize(CollateralFee(rate, principal, p.now(), until))
}

// SetLiquidityPoolParameters replaces the pool parameters. Admin only.
func (p *Pool) SetLiquidityPoolParameters(ctx context.Context, caller string, params model.PoolParameters) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if caller != p.admin {
			return ErrOnlyAdmin
		}
		if err := validateParams(params); err != nil {
			return err
		}
		prev := p.params
		p.params = params
		p.undo(ctx, func() { p.params = prev })
		p.logger.Infow("pool parameters updated",
			"min_deposit_withdraw", params.MinDepositWithdraw.String(),
			"withdrawal_delay", params.WithdrawalDelay,
			"withdrawal_fee", params.WithdrawalFee.String(),
			"guardian_delay", params.GuardianDelay,
			"cap", params.Cap.String(),
			"fee", params.Fee.String(),
			"guardian", params.GuardianMultisig,
		)
		return nil
	})
}

// SetCircuitBreakerParameters replaces the circuit breaker parameters. Admin only.
func (p *Pool) SetCircuitBreakerParameters(ctx context.Context, caller string, cb model.CircuitBreakerParameters) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if caller != p.admin {
			return ErrOnlyAdmin
		}
		if err := validateCircuitBreaker(cb); err != nil {
			return err
		}
		prev := p.cb
		p.cb = cb
		p.undo(ctx, func() { p.cb = prev })
		p.logger.Infow("circuit breaker parameters updated",
			"threshold", cb.LiquidityCBThreshold.String(),
			"timeout", cb.LiquidityCBTimeout,
		)
		return nil
	})
}

func (p *Pool) cbActive() bool {
	return p.now().Before(p.cbUntil)
}

// updateCircuitBreaker trips the breaker when free liquidity falls below the
// configured fraction of total pool value.
func (p *Pool) updateCircuitBreaker(ctx context.Context) {
	if !p.cb.LiquidityCBThreshold.IsPositive() {
		return
	}
	tpv := p.totalPoolValue()
	if !tpv.IsPositive() {
		return
	}
	ratio := p.freeLiquidity().Div(tpv)
	if ratio.LessThan(p.cb.LiquidityCBThreshold) {
		until := p.now().Add(p.cb.LiquidityCBTimeout)
		if until.After(p.cbUntil) {
			prev := p.cbUntil
			p.cbUntil = until
			p.undo(ctx, func() {
				if p.cbUntil.Equal(until) {
					p.cbUntil = prev
				}
			})
			p.logger.Warnw("liquidity circuit breaker tripped",
				"free_ratio", ratio.StringFixed(4),
				"until", until,
			)
		}
	}
}

func validateParams(params model.PoolParameters) error {
	switch {
	case params.MinDepositWithdraw.IsNegative():
		return fmt.Errorf("%w: negative minimum", ErrInvalidParameters)
	case params.WithdrawalDelay < 0 || params.GuardianDelay < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidParameters)
	case params.WithdrawalFee.IsNegative() || params.WithdrawalFee.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: withdrawal fee must be in [0, 1)", ErrInvalidParameters)
	case params.Cap.IsNegative():
		return fmt.Errorf("%w: negative cap", ErrInvalidParameters)
	case params.Fee.IsNegative():
		return fmt.Errorf("%w: negative fee rate", ErrInvalidParameters)
	}
	return nil
}

func validateCircuitBreaker(cb model.CircuitBreakerParameters) error {
	if cb.LiquidityCBThreshold.IsNegative() || cb.LiquidityCBThreshold.GreaterThan(one) {
		return fmt.Errorf("%w: threshold must be in [0, 1]", ErrInvalidParameters)
	}
	if cb.LiquidityCBTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidParameters)
	}
	return nil
}
