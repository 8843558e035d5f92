// Package pool implements the spread liquidity pool: it custodies the quote
// asset deposited by liquidity providers, issues redeemable shares at fair
// value, lends short collateral to the option market and queues withdrawals
// that free liquidity cannot cover immediately.
//
// Accounting:
//
//	totalPoolValue = heldBalance + lockedLiquidity - queuedLiability
//	freeLiquidity  = heldBalance - queuedLiability
//	tokenPrice     = totalPoolValue / totalSupply   (1 when supply is zero)
//
// Queued withdrawals burn their shares at request time and reserve the quote
// value they are owed, so neither deposits nor withdrawals move the token
// price. Only transfers into the pool that mint no shares (borrow fees,
// forfeited collateral, withdrawal fees) raise it.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/txn"
)

// ShareDecimals is the fixed precision of pool shares and the token price,
// independent of the quote asset's native decimals.
const ShareDecimals int32 = 18

var (
	ErrOnlySpreadOptionMarket     = fmt.Errorf("%w: pool: only spread option market", errs.ErrAuthorization)
	ErrOnlyAdmin                  = fmt.Errorf("%w: pool: only admin", errs.ErrAuthorization)
	ErrLockingMoreQuoteThanIsFree = fmt.Errorf("%w: pool: locking more quote than is free", errs.ErrInsufficientLiquidity)
	ErrFreeingMoreThanLocked      = fmt.Errorf("%w: pool: freeing more quote than is locked", errs.ErrInvalidStateTransition)
	ErrBelowMinimumDeposit        = fmt.Errorf("%w: pool: deposit below minimum", errs.ErrBelowMinimum)
	ErrMinimumWithdrawNotMet      = fmt.Errorf("%w: pool: minimum withdraw not met", errs.ErrBelowMinimum)
	ErrInsufficientShares         = fmt.Errorf("%w: pool: burn amount exceeds balance", errs.ErrInsufficientLiquidity)
	ErrCapExceeded                = fmt.Errorf("%w: pool: deposit exceeds pool cap", errs.ErrInvalidStateTransition)
	ErrPoolInsolvent              = fmt.Errorf("%w: pool: total pool value is zero with shares outstanding", errs.ErrInvalidStateTransition)
	ErrInvalidAmount              = fmt.Errorf("%w: pool: amount must be positive", errs.ErrInvalidInput)
	ErrInvalidParameters          = fmt.Errorf("%w: pool: invalid parameters", errs.ErrInvalidInput)
)

// Pool is the liquidity pool aggregate. All mutations are serialised by mu and
// run inside a txn unit of work so that a failure anywhere in an enclosing
// market operation restores the pool exactly.
type Pool struct {
	ledger  *asset.Ledger
	account string // ledger account holding the pool's quote balance
	market  string // the only caller allowed to lock and free liquidity
	admin   string

	mu              sync.RWMutex
	shares          map[string]decimal.Decimal
	totalSupply     decimal.Decimal
	lockedLiquidity decimal.Decimal
	queuedLiability decimal.Decimal
	queue           []model.QueuedWithdrawal // queue[i] has id i+1
	head            uint64
	params          model.PoolParameters
	cb              model.CircuitBreakerParameters
	cbUntil         time.Time

	pricing WithdrawalPricing
	now     func() time.Time
	logger  *zap.SugaredLogger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the pool's clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the pool's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPricing sets the policy used to price queued withdrawals.
func WithPricing(fn WithdrawalPricing) Option {
	return func(p *Pool) {
		if fn != nil {
			p.pricing = fn
		}
	}
}

// WithAccount overrides the ledger account that holds the pool's balance.
func WithAccount(account string) Option {
	return func(p *Pool) { p.account = account }
}

// New creates a pool over ledger. market is the identity of the spread option
// market, admin the identity allowed to change parameters.
func New(ledger *asset.Ledger, market, admin string, params model.PoolParameters, cb model.CircuitBreakerParameters, opts ...Option) (*Pool, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if err := validateCircuitBreaker(cb); err != nil {
		return nil, err
	}

	p := &Pool{
		ledger:  ledger,
		account: asset.AccountPool,
		market:  market,
		admin:   admin,
		shares:  make(map[string]decimal.Decimal),
		head:    1,
		params:  params,
		cb:      cb,
		pricing: SnapshotPricing,
		now:     time.Now,
		logger:  zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Account returns the ledger account holding the pool's quote balance.
func (p *Pool) Account() string { return p.account }

// --- Reads ---

// BalanceOf returns the share balance of owner.
func (p *Pool) BalanceOf(owner string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.shares[owner]
}

// GetTotalTokenSupply returns the number of outstanding shares.
func (p *Pool) GetTotalTokenSupply() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalSupply
}

// GetTokenPrice returns the current value of one share in quote.
func (p *Pool) GetTokenPrice() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tokenPrice()
}

// LockedLiquidity returns the quote currently lent to the market.
func (p *Pool) LockedLiquidity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lockedLiquidity
}

// TotalPoolValue returns held + locked - queued liability.
func (p *Pool) TotalPoolValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalPoolValue()
}

// FreeLiquidity returns the quote available to lock or pay out, floored at zero.
func (p *Pool) FreeLiquidity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return decimal.Max(p.freeLiquidity(), decimal.Zero)
}

// Parameters returns the current pool parameters.
func (p *Pool) Parameters() model.PoolParameters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params
}

// CircuitBreakerParameters returns the current circuit breaker parameters.
func (p *Pool) CircuitBreakerParameters() model.CircuitBreakerParameters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cb
}

// CircuitBreakerActive reports whether withdrawals are currently paused.
func (p *Pool) CircuitBreakerActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cbActive()
}

// State returns a consistent snapshot of the pool's accounting.
func (p *Pool) State() model.PoolState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return model.PoolState{
		TotalSupply:        p.totalSupply,
		TokenPrice:         p.tokenPrice(),
		HeldBalance:        p.held(),
		LockedLiquidity:    p.lockedLiquidity,
		QueuedLiability:    p.queuedLiability,
		FreeLiquidity:      decimal.Max(p.freeLiquidity(), decimal.Zero),
		TotalPoolValue:     p.totalPoolValue(),
		QueueHead:          p.head,
		QueueTail:          uint64(len(p.queue)),
		CircuitBreakerTill: p.cbUntil,
		Timestamp:          p.now().UTC(),
	}
}

// --- Deposits and withdrawals ---

// InitiateDeposit takes amount of quote from depositor and mints shares to
// beneficiary at the pre-deposit token price. It returns the shares minted.
func (p *Pool) InitiateDeposit(ctx context.Context, depositor, beneficiary string, amount decimal.Decimal) (decimal.Decimal, error) {
	var minted decimal.Decimal
	err := txn.Run(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		amount = p.ledger.Normalize(amount)
		if !amount.IsPositive() {
			return ErrInvalidAmount
		}
		if amount.LessThan(p.params.MinDepositWithdraw) {
			return fmt.Errorf("%w: %s < %s", ErrBelowMinimumDeposit, amount, p.params.MinDepositWithdraw)
		}
		tpv := p.totalPoolValue()
		if p.params.Cap.IsPositive() && tpv.Add(amount).GreaterThan(p.params.Cap) {
			return fmt.Errorf("%w: %s + %s > %s", ErrCapExceeded, tpv, amount, p.params.Cap)
		}
		if p.totalSupply.IsPositive() && !tpv.IsPositive() {
			return ErrPoolInsolvent
		}

		price := p.tokenPrice()
		minted = amount.DivRound(price, ShareDecimals)

		if err := p.ledger.Transfer(ctx, depositor, p.account, amount); err != nil {
			return err
		}
		p.mint(beneficiary, minted)
		p.undo(ctx, func() { p.burn(beneficiary, minted) })
		p.updateCircuitBreaker(ctx)

		p.logger.Infow("deposit",
			"depositor", depositor,
			"beneficiary", beneficiary,
			"amount", amount.String(),
			"shares", minted.String(),
			"token_price", price.String(),
		)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return minted, nil
}

// WithdrawResult describes the outcome of InitiateWithdraw.
type WithdrawResult struct {
	Shares  decimal.Decimal `json:"shares"`
	Value   decimal.Decimal `json:"value"` // quote value of the burned shares at the request price
	Queued  bool            `json:"queued"`
	QueueID uint64          `json:"queue_id,omitempty"`
	Paid    decimal.Decimal `json:"paid"` // paid immediately, net of the withdrawal fee
}

// InitiateWithdraw burns shares owned by owner. When free liquidity covers the
// value and the circuit breaker is inactive the beneficiary is paid at once;
// otherwise the value is reserved and the withdrawal queued.
func (p *Pool) InitiateWithdraw(ctx context.Context, owner, beneficiary string, shares decimal.Decimal) (WithdrawResult, error) {
	var res WithdrawResult
	err := txn.Run(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		if !shares.IsPositive() {
			return ErrInvalidAmount
		}
		if bal := p.shares[owner]; bal.LessThan(shares) {
			return fmt.Errorf("%w: %s has %s, burning %s", ErrInsufficientShares, owner, bal, shares)
		}

		price := p.tokenPrice()
		value := p.ledger.Normalize(shares.Mul(price))
		if value.LessThan(p.params.MinDepositWithdraw) || !value.IsPositive() {
			return fmt.Errorf("%w: value %s", ErrMinimumWithdrawNotMet, value)
		}

		p.burn(owner, shares)
		p.undo(ctx, func() { p.mint(owner, shares) })
		res = WithdrawResult{Shares: shares, Value: value}

		if !p.cbActive() && p.freeLiquidity().GreaterThanOrEqual(value) {
			paid := p.ledger.Normalize(p.afterWithdrawalFee(value))
			if err := p.ledger.Transfer(ctx, p.account, beneficiary, paid); err != nil {
				return err
			}
			res.Paid = paid
			p.updateCircuitBreaker(ctx)
			p.logger.Infow("withdraw",
				"owner", owner,
				"beneficiary", beneficiary,
				"shares", shares.String(),
				"paid", paid.String(),
			)
			return nil
		}

		qw := model.QueuedWithdrawal{
			ID:                     uint64(len(p.queue)) + 1,
			Beneficiary:            beneficiary,
			AmountTokens:           shares,
			TokenPriceAtWithdrawal: price,
			QuoteReserved:          value,
			QueuedAt:               p.now().UTC(),
		}
		p.queue = append(p.queue, qw)
		p.queuedLiability = p.queuedLiability.Add(value)
		p.undo(ctx, func() {
			if uint64(len(p.queue)) == qw.ID {
				p.queue = p.queue[:len(p.queue)-1]
			}
			p.queuedLiability = p.queuedLiability.Sub(value)
		})
		res.Queued = true
		res.QueueID = qw.ID
		p.updateCircuitBreaker(ctx)

		p.logger.Infow("withdrawal queued",
			"id", qw.ID,
			"owner", owner,
			"beneficiary", beneficiary,
			"shares", shares.String(),
			"token_price", price.String(),
		)
		return nil
	})
	if err != nil {
		return WithdrawResult{}, err
	}
	return res, nil
}

// --- Market capabilities ---

// TransferShortCollateral lends amount of free liquidity to the market.
func (p *Pool) TransferShortCollateral(ctx context.Context, caller string, amount decimal.Decimal) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		if caller != p.market {
			return ErrOnlySpreadOptionMarket
		}
		amount = p.ledger.Normalize(amount)
		if amount.IsNegative() {
			return ErrInvalidAmount
		}
		if amount.IsZero() {
			return nil
		}
		if free := p.freeLiquidity(); amount.GreaterThan(free) {
			return fmt.Errorf("%w: locking %s, free %s", ErrLockingMoreQuoteThanIsFree, amount, free)
		}

		if err := p.ledger.Transfer(ctx, p.account, p.market, amount); err != nil {
			return err
		}
		p.lockedLiquidity = p.lockedLiquidity.Add(amount)
		p.undo(ctx, func() { p.lockedLiquidity = p.lockedLiquidity.Sub(amount) })
		p.updateCircuitBreaker(ctx)

		p.logger.Debugw("collateral lent", "amount", amount.String(), "locked", p.lockedLiquidity.String())
		return nil
	})
}

// FreeLockedLiquidity marks amount of previously lent collateral as returned.
// The quote itself must already have been transferred back to the pool.
func (p *Pool) FreeLockedLiquidity(ctx context.Context, caller string, amount decimal.Decimal) error {
	return txn.Run(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		if caller != p.market {
			return ErrOnlySpreadOptionMarket
		}
		amount = p.ledger.Normalize(amount)
		if amount.IsNegative() {
			return ErrInvalidAmount
		}
		if amount.GreaterThan(p.lockedLiquidity) {
			return fmt.Errorf("%w: freeing %s, locked %s", ErrFreeingMoreThanLocked, amount, p.lockedLiquidity)
		}
		if amount.IsZero() {
			return nil
		}

		p.lockedLiquidity = p.lockedLiquidity.Sub(amount)
		p.undo(ctx, func() { p.lockedLiquidity = p.lockedLiquidity.Add(amount) })
		p.updateCircuitBreaker(ctx)

		p.logger.Debugw("collateral freed", "amount", amount.String(), "locked", p.lockedLiquidity.String())
		return nil
	})
}

// --- internals (callers hold mu) ---

func (p *Pool) held() decimal.Decimal {
	return p.ledger.BalanceOf(p.account)
}

func (p *Pool) totalPoolValue() decimal.Decimal {
	return p.held().Add(p.lockedLiquidity).Sub(p.queuedLiability)
}

func (p *Pool) freeLiquidity() decimal.Decimal {
	return p.held().Sub(p.queuedLiability)
}

func (p *Pool) tokenPrice() decimal.Decimal {
	if p.totalSupply.IsZero() {
		return decimal.NewFromInt(1)
	}
	tpv := p.totalPoolValue()
	if tpv.IsNegative() {
		return decimal.Zero
	}
	return tpv.DivRound(p.totalSupply, ShareDecimals)
}

func (p *Pool) mint(owner string, shares decimal.Decimal) {
	p.shares[owner] = p.shares[owner].Add(shares)
	p.totalSupply = p.totalSupply.Add(shares)
}

func (p *Pool) burn(owner string, shares decimal.Decimal) {
	left := p.shares[owner].Sub(shares)
	if left.IsZero() {
		delete(p.shares, owner)
	} else {
		p.shares[owner] = left
	}
	p.totalSupply = p.totalSupply.Sub(shares)
}

func (p *Pool) afterWithdrawalFee(v decimal.Decimal) decimal.Decimal {
	return v.Mul(decimal.NewFromInt(1).Sub(p.params.WithdrawalFee))
}

// undo registers fn to run under mu if the unit of work in ctx rolls back.
// Each mutation journals its own inverse, so a rollback never touches
// changes committed by other callers in the meantime.
func (p *Pool) undo(ctx context.Context, fn func()) {
	if !txn.Active(ctx) {
		return
	}
	txn.OnRollback(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		fn()
	})
}
