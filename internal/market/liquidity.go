package market

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/pool"
)

// Deposit adds liquidity to the pool. Pool writes are serialised with
// position operations and recorded like them.
func (s *Service) Deposit(ctx context.Context, depositor, beneficiary string, amount decimal.Decimal) (decimal.Decimal, error) {
	var shares decimal.Decimal
	err := s.run(ctx, "deposit", func(ctx context.Context) error {
		var err error
		shares, err = s.pool.InitiateDeposit(ctx, depositor, beneficiary, amount)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	s.recordPool(ctx)
	return shares, nil
}

// Withdraw burns pool shares, paying at once or queueing the withdrawal.
func (s *Service) Withdraw(ctx context.Context, owner, beneficiary string, shares decimal.Decimal) (pool.WithdrawResult, error) {
	var res pool.WithdrawResult
	err := s.run(ctx, "withdraw", func(ctx context.Context) error {
		var err error
		res, err = s.pool.InitiateWithdraw(ctx, owner, beneficiary, shares)
		return err
	})
	if err != nil {
		return pool.WithdrawResult{}, err
	}

	var queued []model.QueuedWithdrawal
	if res.Queued {
		if qw, err := s.pool.QueuedWithdrawal(res.QueueID); err == nil {
			queued = append(queued, qw)
		}
	}
	s.recordPool(ctx, queued...)
	return res, nil
}

// ProcessWithdrawal pays the queued withdrawal at the head of the queue.
func (s *Service) ProcessWithdrawal(ctx context.Context, caller string, id uint64) (model.QueuedWithdrawal, error) {
	var qw model.QueuedWithdrawal
	err := s.run(ctx, "process_withdrawal", func(ctx context.Context) error {
		var err error
		qw, err = s.pool.ProcessWithdrawalQueue(ctx, caller, id)
		return err
	})
	if err != nil {
		return model.QueuedWithdrawal{}, err
	}
	s.recordPool(ctx, qw)
	return qw, nil
}

// SetPoolParameters replaces the pool parameters. Admin only.
func (s *Service) SetPoolParameters(ctx context.Context, caller string, params model.PoolParameters) error {
	return s.run(ctx, "set_pool_parameters", func(ctx context.Context) error {
		return s.pool.SetLiquidityPoolParameters(ctx, caller, params)
	})
}

// SetCircuitBreakerParameters replaces the circuit breaker parameters. Admin only.
func (s *Service) SetCircuitBreakerParameters(ctx context.Context, caller string, cb model.CircuitBreakerParameters) error {
	return s.run(ctx, "set_circuit_breaker", func(ctx context.Context) error {
		return s.pool.SetCircuitBreakerParameters(ctx, caller, cb)
	})
}
