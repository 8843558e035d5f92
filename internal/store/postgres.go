package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// legs and per-leg results are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Positions ---

const positionColumns = `id, owner, market, board_id, expiry, legs,
	max_loss::TEXT, escrowed_collateral::TEXT, borrowed_collateral::TEXT, fee_reserved::TEXT,
	status, opened_at, updated_at`

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.SpreadPosition) error {
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO spread_positions (id, owner, market, board_id, expiry, legs,
		        max_loss, escrowed_collateral, borrowed_collateral, fee_reserved,
		        status, opened_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		        legs = EXCLUDED.legs,
		        max_loss = EXCLUDED.max_loss,
		        escrowed_collateral = EXCLUDED.escrowed_collateral,
		        borrowed_collateral = EXCLUDED.borrowed_collateral,
		        fee_reserved = EXCLUDED.fee_reserved,
		        status = EXCLUDED.status,
		        updated_at = EXCLUDED.updated_at`,
		int64(p.ID), p.Owner, p.Market, int64(p.BoardID), p.Expiry, legs,
		p.MaxLoss.String(), p.EscrowedCollateral.String(), p.BorrowedCollateral.String(), p.FeeReserved.String(),
		string(p.Status), p.OpenedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uint64) (*model.SpreadPosition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM spread_positions WHERE id = $1`, int64(id))
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.SpreadPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM spread_positions WHERE owner = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.SpreadPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(row pgx.Row) (*model.SpreadPosition, error) {
	var p model.SpreadPosition
	var id, boardID int64
	var legs []byte
	var maxLoss, escrowed, borrowed, fee, status string

	if err := row.Scan(&id, &p.Owner, &p.Market, &boardID, &p.Expiry, &legs,
		&maxLoss, &escrowed, &borrowed, &fee,
		&status, &p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(legs, &p.Legs); err != nil {
		return nil, fmt.Errorf("decode legs of position %d: %w", id, err)
	}
	p.ID = uint64(id)
	p.BoardID = uint64(boardID)
	p.Status = model.PositionStatus(status)
	p.MaxLoss, _ = decimal.NewFromString(maxLoss)
	p.EscrowedCollateral, _ = decimal.NewFromString(escrowed)
	p.BorrowedCollateral, _ = decimal.NewFromString(borrowed)
	p.FeeReserved, _ = decimal.NewFromString(fee)
	return &p, nil
}

// --- Trade events ---

const tradeEventColumns = `id, kind, position_id, owner, market, sell_results, buy_results,
	collateral_borrowed::TEXT, max_loss_posted::TEXT, fee::TEXT, max_cost::TEXT,
	trader_payout::TEXT, pool_payout::TEXT, timestamp`

func (s *PostgresStore) InsertTradeEvent(ctx context.Context, e *model.TradeEvent) error {
	sells, err := json.Marshal(e.SellResults)
	if err != nil {
		return fmt.Errorf("encode sell results: %w", err)
	}
	buys, err := json.Marshal(e.BuyResults)
	if err != nil {
		return fmt.Errorf("encode buy results: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trade_events (id, kind, position_id, owner, market, sell_results, buy_results,
		        collateral_borrowed, max_loss_posted, fee, max_cost, trader_payout, pool_payout, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14)`,
		e.ID, e.Kind, int64(e.PositionID), e.Owner, e.Market, sells, buys,
		e.CollateralBorrowed.String(), e.MaxLossPosted.String(), e.Fee.String(), e.MaxCost.String(),
		e.TraderPayout.String(), e.PoolPayout.String(), e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetTradeEventsByPosition(ctx context.Context, positionID uint64) ([]model.TradeEvent, error) {
	return s.queryTradeEvents(ctx,
		`SELECT `+tradeEventColumns+` FROM trade_events WHERE position_id = $1 ORDER BY timestamp`, int64(positionID))
}

func (s *PostgresStore) GetTradeEventsByOwner(ctx context.Context, owner string) ([]model.TradeEvent, error) {
	return s.queryTradeEvents(ctx,
		`SELECT `+tradeEventColumns+` FROM trade_events WHERE owner = $1 ORDER BY timestamp`, owner)
}

func (s *PostgresStore) GetTradeEventsByMarket(ctx context.Context, market string) ([]model.TradeEvent, error) {
	return s.queryTradeEvents(ctx,
		`SELECT `+tradeEventColumns+` FROM trade_events WHERE market = $1 ORDER BY timestamp`, market)
}

func (s *PostgresStore) queryTradeEvents(ctx context.Context, sql string, arg any) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.TradeEvent
	for rows.Next() {
		var e model.TradeEvent
		var positionID int64
		var sells, buys []byte
		var borrowed, posted, fee, maxCost, traderPayout, poolPayout string

		if err := rows.Scan(&e.ID, &e.Kind, &positionID, &e.Owner, &e.Market, &sells, &buys,
			&borrowed, &posted, &fee, &maxCost, &traderPayout, &poolPayout, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sells, &e.SellResults); err != nil {
			return nil, fmt.Errorf("decode sell results of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal(buys, &e.BuyResults); err != nil {
			return nil, fmt.Errorf("decode buy results of %s: %w", e.ID, err)
		}
		e.PositionID = uint64(positionID)
		e.CollateralBorrowed, _ = decimal.NewFromString(borrowed)
		e.MaxLossPosted, _ = decimal.NewFromString(posted)
		e.Fee, _ = decimal.NewFromString(fee)
		e.MaxCost, _ = decimal.NewFromString(maxCost)
		e.TraderPayout, _ = decimal.NewFromString(traderPayout)
		e.PoolPayout, _ = decimal.NewFromString(poolPayout)

		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Liquidity pool ---

func (s *PostgresStore) SavePoolSnapshot(ctx context.Context, p *model.PoolState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pool_snapshots (total_supply, token_price, held_balance, locked_liquidity,
		        queued_liability, free_liquidity, total_pool_value, queue_head, queue_tail,
		        circuit_breaker_till, timestamp)
		 VALUES ($1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		        $8, $9, $10, $11)`,
		p.TotalSupply.String(), p.TokenPrice.String(), p.HeldBalance.String(), p.LockedLiquidity.String(),
		p.QueuedLiability.String(), p.FreeLiquidity.String(), p.TotalPoolValue.String(),
		int64(p.QueueHead), int64(p.QueueTail), p.CircuitBreakerTill, p.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListPoolSnapshots(ctx context.Context, limit int) ([]model.PoolState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT total_supply::TEXT, token_price::TEXT, held_balance::TEXT, locked_liquidity::TEXT,
		        queued_liability::TEXT, free_liquidity::TEXT, total_pool_value::TEXT,
		        queue_head, queue_tail, circuit_breaker_till, timestamp
		 FROM pool_snapshots ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.PoolState
	for rows.Next() {
		var p model.PoolState
		var supply, price, held, locked, queued, free, tpv string
		var head, tail int64
		if err := rows.Scan(&supply, &price, &held, &locked, &queued, &free, &tpv,
			&head, &tail, &p.CircuitBreakerTill, &p.Timestamp); err != nil {
			return nil, err
		}
		p.TotalSupply, _ = decimal.NewFromString(supply)
		p.TokenPrice, _ = decimal.NewFromString(price)
		p.HeldBalance, _ = decimal.NewFromString(held)
		p.LockedLiquidity, _ = decimal.NewFromString(locked)
		p.QueuedLiability, _ = decimal.NewFromString(queued)
		p.FreeLiquidity, _ = decimal.NewFromString(free)
		p.TotalPoolValue, _ = decimal.NewFromString(tpv)
		p.QueueHead = uint64(head)
		p.QueueTail = uint64(tail)
		snaps = append(snaps, p)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) UpsertQueuedWithdrawal(ctx context.Context, w *model.QueuedWithdrawal) error {
	var processedAt *time.Time
	if w.Processed {
		t := w.ProcessedAt
		processedAt = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queued_withdrawals (id, beneficiary, amount_tokens, token_price_at_withdrawal,
		        quote_reserved, queued_at, processed, processed_at, quote_paid)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		        processed = EXCLUDED.processed,
		        processed_at = EXCLUDED.processed_at,
		        quote_paid = EXCLUDED.quote_paid`,
		int64(w.ID), w.Beneficiary, w.AmountTokens.String(), w.TokenPriceAtWithdrawal.String(),
		w.QuoteReserved.String(), w.QueuedAt, w.Processed, processedAt, w.QuotePaid.String(),
	)
	return err
}

func (s *PostgresStore) ListQueuedWithdrawals(ctx context.Context, beneficiary string) ([]model.QueuedWithdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, beneficiary, amount_tokens::TEXT, token_price_at_withdrawal::TEXT,
		        quote_reserved::TEXT, queued_at, processed, processed_at, quote_paid::TEXT
		 FROM queued_withdrawals WHERE beneficiary = $1 ORDER BY id`, beneficiary)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.QueuedWithdrawal
	for rows.Next() {
		var w model.QueuedWithdrawal
		var id int64
		var amount, price, reserved, paid string
		var processedAt *time.Time
		if err := rows.Scan(&id, &w.Beneficiary, &amount, &price, &reserved,
			&w.QueuedAt, &w.Processed, &processedAt, &paid); err != nil {
			return nil, err
		}
		w.ID = uint64(id)
		w.AmountTokens, _ = decimal.NewFromString(amount)
		w.TokenPriceAtWithdrawal, _ = decimal.NewFromString(price)
		w.QuoteReserved, _ = decimal.NewFromString(reserved)
		w.QuotePaid, _ = decimal.NewFromString(paid)
		if processedAt != nil {
			w.ProcessedAt = *processedAt
		}
		result = append(result, w)
	}
	return result, rows.Err()
}
