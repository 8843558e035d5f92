// Package escrow custodies the max-loss collateral traders post against their
// spread positions. Balances are tracked per position; only the option market
// can move them, either forfeiting to the liquidity pool or releasing to the
// trader.
package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/txn"
)

var (
	ErrOnlySpreadOptionMarket = fmt.Errorf("%w: escrow: only spread option market", errs.ErrAuthorization)
	ErrExceedsCollateral      = fmt.Errorf("%w: escrow: amount exceeds position collateral", errs.ErrInsufficientLiquidity)
	ErrInvalidAmount          = fmt.Errorf("%w: escrow: amount must not be negative", errs.ErrInvalidInput)
)

// Escrow is the max-loss collateral vault.
type Escrow struct {
	ledger      *asset.Ledger
	account     string
	poolAccount string
	market      string
	logger      *zap.SugaredLogger

	mu       sync.RWMutex
	balances map[uint64]decimal.Decimal
}

// New creates an escrow holding its funds in asset.AccountEscrow. Forfeits
// are sent to poolAccount. Pass nil logger to disable logging.
func New(ledger *asset.Ledger, market, poolAccount string, logger *zap.SugaredLogger) *Escrow {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Escrow{
		ledger:      ledger,
		account:     asset.AccountEscrow,
		poolAccount: poolAccount,
		market:      market,
		logger:      logger,
		balances:    make(map[uint64]decimal.Decimal),
	}
}

// Account returns the ledger account holding escrowed funds.
func (e *Escrow) Account() string { return e.account }

// CollateralOf returns the collateral held for a position.
func (e *Escrow) CollateralOf(positionID uint64) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balances[positionID]
}

// Total returns the collateral held across all positions.
func (e *Escrow) Total() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := decimal.Zero
	for _, b := range e.balances {
		total = total.Add(b)
	}
	return total
}

// Deposit moves amount from `from` into the escrow for positionID.
func (e *Escrow) Deposit(ctx context.Context, caller, from string, positionID uint64, amount decimal.Decimal) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		if caller != e.market {
			return ErrOnlySpreadOptionMarket
		}
		amount = e.ledger.Normalize(amount)
		if amount.IsNegative() {
			return ErrInvalidAmount
		}
		if amount.IsZero() {
			return nil
		}
		if err := e.ledger.Transfer(ctx, from, e.account, amount); err != nil {
			return err
		}
		e.adjust(ctx, positionID, amount)
		e.logger.Debugw("collateral posted", "position_id", positionID, "amount", amount.String())
		return nil
	})
}

// SendToLiquidityPool forfeits amount of a position's collateral to the pool.
func (e *Escrow) SendToLiquidityPool(ctx context.Context, caller string, positionID uint64, amount decimal.Decimal) error {
	return e.release(ctx, caller, positionID, e.poolAccount, amount)
}

// SendToTrader releases amount of a position's collateral to trader.
func (e *Escrow) SendToTrader(ctx context.Context, caller string, positionID uint64, trader string, amount decimal.Decimal) error {
	return e.release(ctx, caller, positionID, trader, amount)
}

// ReturnToMarket moves amount of a position's collateral back to the market,
// which redistributes it when a position is reduced, closed or settled.
func (e *Escrow) ReturnToMarket(ctx context.Context, caller string, positionID uint64, amount decimal.Decimal) error {
	return e.release(ctx, caller, positionID, e.market, amount)
}

func (e *Escrow) release(ctx context.Context, caller string, positionID uint64, to string, amount decimal.Decimal) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		if caller != e.market {
			return ErrOnlySpreadOptionMarket
		}
		amount = e.ledger.Normalize(amount)
		if amount.IsNegative() {
			return ErrInvalidAmount
		}
		if amount.IsZero() {
			return nil
		}
		if held := e.CollateralOf(positionID); amount.GreaterThan(held) {
			return fmt.Errorf("%w: position %d holds %s, releasing %s", ErrExceedsCollateral, positionID, held, amount)
		}
		if err := e.ledger.Transfer(ctx, e.account, to, amount); err != nil {
			return err
		}
		e.adjust(ctx, positionID, amount.Neg())
		e.logger.Debugw("collateral released", "position_id", positionID, "to", to, "amount", amount.String())
		return nil
	})
}

func (e *Escrow) adjust(ctx context.Context, positionID uint64, delta decimal.Decimal) {
	e.mu.Lock()
	prev, had := e.balances[positionID]
	next := prev.Add(delta)
	if next.IsZero() {
		delete(e.balances, positionID)
	} else {
		e.balances[positionID] = next
	}
	e.mu.Unlock()

	txn.OnRollback(ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if had {
			e.balances[positionID] = prev
		} else {
			delete(e.balances, positionID)
		}
	})
}
