package pool

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/txn"
)

var (
	ErrNoQueuedWithdrawal        = fmt.Errorf("%w: pool: no queued withdrawal", errs.ErrNotFound)
	ErrWithdrawalAlreadyHandled  = fmt.Errorf("%w: pool: queued withdrawal already processed", errs.ErrInvalidStateTransition)
	ErrWithdrawalOutOfOrder      = fmt.Errorf("%w: pool: queued withdrawals must be processed in order", errs.ErrInvalidStateTransition)
	ErrWithdrawalDelayNotElapsed = fmt.Errorf("%w: pool: withdrawal delay not elapsed", errs.ErrInvalidStateTransition)
	ErrCircuitBreakerActive      = fmt.Errorf("%w: pool: liquidity circuit breaker active", errs.ErrInvalidStateTransition)
	ErrInsufficientFreeLiquidity = fmt.Errorf("%w: pool: not enough free liquidity to process withdrawal", errs.ErrInsufficientLiquidity)
)

// WithdrawalPricing decides the gross quote owed to a queued withdrawal when
// it is processed, before the withdrawal fee. current is the token price of
// the shares still outstanding at processing time.
type WithdrawalPricing func(w model.QueuedWithdrawal, current decimal.Decimal) decimal.Decimal

// SnapshotPricing pays the value of the shares at the moment the withdrawal
// was requested. Fees accrued while queued stay with remaining shareholders.
func SnapshotPricing(w model.QueuedWithdrawal, _ decimal.Decimal) decimal.Decimal {
	return w.AmountTokens.Mul(w.TokenPriceAtWithdrawal)
}

// BestPricePricing pays at the higher of the request price and the current
// price, so a queued withdrawer keeps earning fees while waiting.
func BestPricePricing(w model.QueuedWithdrawal, current decimal.Decimal) decimal.Decimal {
	return w.AmountTokens.Mul(decimal.Max(w.TokenPriceAtWithdrawal, current))
}

// QueuedWithdrawalHead returns the id of the next withdrawal to process.
func (p *Pool) QueuedWithdrawalHead() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

// QueuedWithdrawal returns the queued withdrawal with the given id.
func (p *Pool) QueuedWithdrawal(id uint64) (model.QueuedWithdrawal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if id == 0 || id > uint64(len(p.queue)) {
		return model.QueuedWithdrawal{}, fmt.Errorf("%w: id %d", ErrNoQueuedWithdrawal, id)
	}
	return p.queue[id-1], nil
}

// PendingWithdrawals returns the withdrawals not yet processed, head first.
func (p *Pool) PendingWithdrawals() []model.QueuedWithdrawal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.head > uint64(len(p.queue)) {
		return nil
	}
	return append([]model.QueuedWithdrawal(nil), p.queue[p.head-1:]...)
}

// ProcessWithdrawalQueue pays out the withdrawal at the head of the queue and
// advances the head by one. id must equal the current head.
func (p *Pool) ProcessWithdrawalQueue(ctx context.Context, caller string, id uint64) (model.QueuedWithdrawal, error) {
	var out model.QueuedWithdrawal
	err := txn.Run(ctx, func(ctx context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		switch {
		case id == 0 || id > uint64(len(p.queue)):
			return fmt.Errorf("%w: id %d", ErrNoQueuedWithdrawal, id)
		case id < p.head:
			return fmt.Errorf("%w: id %d", ErrWithdrawalAlreadyHandled, id)
		case id > p.head:
			return fmt.Errorf("%w: id %d, head %d", ErrWithdrawalOutOfOrder, id, p.head)
		}

		w := p.queue[id-1]
		now := p.now()
		if now.Before(w.QueuedAt.Add(p.params.WithdrawalDelay)) {
			return fmt.Errorf("%w: ready at %s", ErrWithdrawalDelayNotElapsed, w.QueuedAt.Add(p.params.WithdrawalDelay))
		}
		if p.cbActive() {
			guardian := p.params.GuardianMultisig != "" && caller == p.params.GuardianMultisig
			if !guardian || now.Before(w.QueuedAt.Add(p.params.GuardianDelay)) {
				return fmt.Errorf("%w: until %s", ErrCircuitBreakerActive, p.cbUntil)
			}
		}

		gross := p.ledger.Normalize(p.pricing(w, p.tokenPrice()))
		paid := p.ledger.Normalize(p.afterWithdrawalFee(gross))
		available := p.freeLiquidity().Add(w.QuoteReserved)
		if paid.GreaterThan(available) {
			return fmt.Errorf("%w: owed %s, available %s", ErrInsufficientFreeLiquidity, paid, available)
		}

		if err := p.ledger.Transfer(ctx, p.account, w.Beneficiary, paid); err != nil {
			return err
		}
		prev := w
		p.queuedLiability = p.queuedLiability.Sub(w.QuoteReserved)
		w.Processed = true
		w.ProcessedAt = now.UTC()
		w.QuotePaid = paid
		p.queue[id-1] = w
		p.head++
		p.undo(ctx, func() {
			p.queuedLiability = p.queuedLiability.Add(prev.QuoteReserved)
			p.queue[id-1] = prev
			if p.head == id+1 {
				p.head = id
			}
		})
		p.updateCircuitBreaker(ctx)
		out = w

		p.logger.Infow("withdrawal processed",
			"id", id,
			"beneficiary", w.Beneficiary,
			"paid", paid.String(),
			"caller", caller,
		)
		return nil
	})
	if err != nil {
		return model.QueuedWithdrawal{}, err
	}
	return out, nil
}
