// Package asset implements the quote-asset ledger: account balances of the
// single settlement currency that flows between traders, the liquidity pool,
// the collateral escrow, the market and the pricing venue.
//
// Amounts are truncated to the asset's native decimals on every transfer, the
// way an ERC20 with 6 or 18 decimals would store them.
package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/txn"
)

// Well-known system accounts.
const (
	AccountPool   = "system:liquidity-pool"
	AccountEscrow = "system:max-loss-collateral"
	AccountMarket = "system:spread-option-market"
)

var (
	// ErrInsufficientBalance is returned when the sender cannot cover a transfer.
	ErrInsufficientBalance = fmt.Errorf("%w: asset: transfer amount exceeds balance", errs.ErrInsufficientLiquidity)

	// ErrNegativeAmount is returned for negative transfer or mint amounts.
	ErrNegativeAmount = fmt.Errorf("%w: asset: amount must not be negative", errs.ErrInvalidInput)
)

// Ledger holds balances of one asset.
type Ledger struct {
	symbol   string
	decimals int32

	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	supply   decimal.Decimal
}

// NewLedger creates an empty ledger for an asset with the given decimals.
func NewLedger(symbol string, decimals int32) *Ledger {
	return &Ledger{
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[string]decimal.Decimal),
	}
}

// Symbol returns the asset symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the asset's native decimal count.
func (l *Ledger) Decimals() int32 { return l.decimals }

// Normalize truncates amount to the asset's precision.
func (l *Ledger) Normalize(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(l.decimals)
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(account string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// TotalSupply returns the sum of all balances.
func (l *Ledger) TotalSupply() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

// Mint credits amount to account out of thin air. Used for faucets and tests.
func (l *Ledger) Mint(ctx context.Context, account string, amount decimal.Decimal) error {
	amount = l.Normalize(amount)
	if amount.IsNegative() {
		return ErrNegativeAmount
	}

	l.mu.Lock()
	l.balances[account] = l.balances[account].Add(amount)
	l.supply = l.supply.Add(amount)
	l.mu.Unlock()

	txn.OnRollback(ctx, func() {
		l.mu.Lock()
		l.balances[account] = l.balances[account].Sub(amount)
		l.supply = l.supply.Sub(amount)
		l.mu.Unlock()
	})
	return nil
}

// Transfer moves amount from one account to another. A zero amount is a no-op.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	amount = l.Normalize(amount)
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if amount.IsZero() || from == to {
		return nil
	}

	l.mu.Lock()
	bal := l.balances[from]
	if bal.LessThan(amount) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s has %s, needs %s %s", ErrInsufficientBalance, from, bal, amount, l.symbol)
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	l.mu.Unlock()

	txn.OnRollback(ctx, func() {
		l.mu.Lock()
		l.balances[to] = l.balances[to].Sub(amount)
		l.balances[from] = l.balances[from].Add(amount)
		l.mu.Unlock()
	})
	return nil
}
