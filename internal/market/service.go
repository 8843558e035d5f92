// Package market implements the spread option market: it executes multi-leg
// option positions against a pricing venue, borrows short collateral from the
// liquidity pool, posts the trader's max-loss collateral to escrow and drives
// positions through close and settlement.
//
// Every operation is one unit of work. The market account is a transient
// pass-through: its ledger balance is the same before and after each call.
//
// Collateral accounting of a position:
//
//	required = max(maxLoss, netPremium)
//	escrowed = required - netPremium + feeReserved
//
// so the trader pays required + fee in total, whether the spread is a debit
// (premium paid through the market) or a credit (premium kept in escrow).
package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/errs"
	"github.com/atmx/spread-engine/internal/escrow"
	"github.com/atmx/spread-engine/internal/events"
	"github.com/atmx/spread-engine/internal/instrument"
	"github.com/atmx/spread-engine/internal/limits"
	"github.com/atmx/spread-engine/internal/maxloss"
	"github.com/atmx/spread-engine/internal/metrics"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/pool"
	"github.com/atmx/spread-engine/internal/position"
	"github.com/atmx/spread-engine/internal/store"
	"github.com/atmx/spread-engine/internal/txn"
	"github.com/atmx/spread-engine/internal/venue"
)

var (
	ErrMaxLossRequirementNotMet     = fmt.Errorf("%w: market: max loss requirement not met", errs.ErrCollateralShortfall)
	ErrRemainingUndercollateralised = fmt.Errorf("%w: market: remaining position undercollateralised", errs.ErrCollateralShortfall)
	ErrNotValidIncrease             = fmt.Errorf("%w: market: not a valid increase", errs.ErrInvalidStateTransition)
	ErrPositionNotOpen              = fmt.Errorf("%w: market: position not open", errs.ErrInvalidStateTransition)
	ErrOnlyOwnerCanClose            = fmt.Errorf("%w: market: only owner can close", errs.ErrAuthorization)
	ErrOnlyOwnerCanIncrease         = fmt.Errorf("%w: market: only owner can increase", errs.ErrAuthorization)
	ErrUnknownMarket                = fmt.Errorf("%w: market: unknown market", errs.ErrNotFound)
	ErrNoLegs                       = fmt.Errorf("%w: market: no legs", errs.ErrInvalidInput)
	ErrInvalidLeg                   = fmt.Errorf("%w: market: invalid leg", errs.ErrInvalidInput)
	ErrMixedBoards                  = fmt.Errorf("%w: market: legs must share one board", errs.ErrInvalidInput)
	ErrDuplicateLeg                 = fmt.Errorf("%w: market: duplicate leg", errs.ErrInvalidInput)
	ErrSymbolResolution             = fmt.Errorf("%w: market: venue cannot resolve symbols", errs.ErrInvalidInput)
)

// PositionRef identifies the position an open call targets. A zero
// PositionID opens a new position.
type PositionRef struct {
	PositionID uint64 `json:"position_id"`
	Market     string `json:"market"`
}

// TradeLeg is one leg of an open or increase request. Increases reference the
// existing leg by VenuePositionID. Zero cost bounds are unbounded.
type TradeLeg struct {
	StrikeID        uint64           `json:"strike_id"`
	OptionType      model.OptionType `json:"option_type"`
	Amount          decimal.Decimal  `json:"amount"`
	VenuePositionID uint64           `json:"venue_position_id,omitempty"`
	MinTotalCost    decimal.Decimal  `json:"min_total_cost"`
	MaxTotalCost    decimal.Decimal  `json:"max_total_cost"`
}

// CloseLeg is one leg of a close request.
type CloseLeg struct {
	VenuePositionID uint64          `json:"venue_position_id"`
	Amount          decimal.Decimal `json:"amount"`
	MinTotalCost    decimal.Decimal `json:"min_total_cost"`
	MaxTotalCost    decimal.Decimal `json:"max_total_cost"`
}

// Result is the outcome of a committed market operation.
type Result struct {
	Position model.SpreadPosition `json:"position"`
	Event    model.TradeEvent     `json:"event"`
}

// Service is the spread option market. It serialises all state transitions
// with mu (single-writer discipline).
type Service struct {
	account  string
	ledger   *asset.Ledger
	pool     *pool.Pool
	escrow   *escrow.Escrow
	registry *position.Registry
	venues   map[string]venue.PricingOracle
	limiter  *limits.PositionLimiter
	store    store.Store
	events   events.Publisher
	now      func() time.Time
	logger   *zap.SugaredLogger

	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the market's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the market's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStore records committed positions, events and pool snapshots in st.
func WithStore(st store.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithPublisher publishes committed trade events and pool snapshots.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithLimiter enforces per-trader exposure limits on opens and increases.
func WithLimiter(l *limits.PositionLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithAccount overrides the market's ledger account and identity. It must be
// the market identity the pool, escrow and registry were created with.
func WithAccount(account string) Option {
	return func(s *Service) { s.account = account }
}

// New creates a market trading on the given venues, keyed by market key.
func New(ledger *asset.Ledger, lp *pool.Pool, esc *escrow.Escrow, registry *position.Registry, venues map[string]venue.PricingOracle, opts ...Option) *Service {
	s := &Service{
		account:  asset.AccountMarket,
		ledger:   ledger,
		pool:     lp,
		escrow:   esc,
		registry: registry,
		venues:   make(map[string]venue.PricingOracle, len(venues)),
		events:   events.Nop{},
		now:      time.Now,
		logger:   zap.NewNop().Sugar(),
	}
	for k, v := range venues {
		s.venues[k] = v
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Account returns the market's ledger account.
func (s *Service) Account() string { return s.account }

// Markets returns the market keys traded, sorted.
func (s *Service) Markets() []string {
	keys := make([]string, 0, len(s.venues))
	for k := range s.venues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Venue returns the pricing venue of a market.
func (s *Service) Venue(market string) (venue.PricingOracle, error) {
	v, ok := s.venues[market]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMarket, market)
	}
	return v, nil
}

// Position returns a live position.
func (s *Service) Position(id uint64) (model.SpreadPosition, error) {
	return s.registry.Get(id)
}

// OwnerPositions returns the live positions of owner.
func (s *Service) OwnerPositions(owner string) []model.SpreadPosition {
	return s.registry.GetOwnerPositions(owner)
}

// PositionIDs returns the ids of all live positions.
func (s *Service) PositionIDs() []uint64 {
	return s.registry.GetPositionIds()
}

// ResolveLeg turns a leg symbol into a trade leg on its market's venue.
func (s *Service) ResolveLeg(ctx context.Context, symbol string, amount decimal.Decimal) (string, TradeLeg, error) {
	sym, err := instrument.ParseSymbol(symbol)
	if err != nil {
		return "", TradeLeg{}, err
	}
	v, err := s.Venue(sym.Market)
	if err != nil {
		return "", TradeLeg{}, err
	}
	finder, ok := v.(venue.StrikeFinder)
	if !ok {
		return "", TradeLeg{}, fmt.Errorf("%w: %s", ErrSymbolResolution, sym.Market)
	}
	st, err := finder.FindStrike(ctx, sym.Expiry, sym.Strike)
	if err != nil {
		return "", TradeLeg{}, err
	}
	return sym.Market, TradeLeg{StrikeID: st.ID, OptionType: sym.OptionType, Amount: amount}, nil
}

// recordPool records and publishes the current pool state after a committed
// operation.
func (s *Service) recordPool(ctx context.Context, withdrawals ...model.QueuedWithdrawal) {
	state := s.pool.State()
	metrics.ObservePool(state)
	if s.store != nil {
		if err := s.store.SavePoolSnapshot(ctx, &state); err != nil {
			s.logger.Warnw("pool snapshot not recorded", "error", err)
		}
		for i := range withdrawals {
			if err := s.store.UpsertQueuedWithdrawal(ctx, &withdrawals[i]); err != nil {
				s.logger.Warnw("queued withdrawal not recorded", "id", withdrawals[i].ID, "error", err)
			}
		}
	}
	if err := s.events.PublishPool(ctx, state); err != nil {
		s.logger.Warnw("pool snapshot not published", "error", err)
	}
}

// run executes op as one serialised unit of work and records metrics.
func (s *Service) run(ctx context.Context, kind string, op func(ctx context.Context) error) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := txn.Run(ctx, op)
	metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeRejections.WithLabelValues(kind, errs.Kind(err)).Inc()
	}
	return err
}

// commit records a committed operation. Failures here are logged, never
// returned: the operation has already taken effect.
func (s *Service) commit(ctx context.Context, pos model.SpreadPosition, ev model.TradeEvent) {
	metrics.TradesTotal.WithLabelValues(ev.Kind, ev.Market).Inc()
	metrics.OpenPositions.Set(float64(len(s.registry.GetPositionIds())))

	if s.store != nil {
		if err := s.store.UpsertPosition(ctx, &pos); err != nil {
			s.logger.Warnw("position not recorded", "position_id", pos.ID, "error", err)
		}
		if err := s.store.InsertTradeEvent(ctx, &ev); err != nil {
			s.logger.Warnw("trade event not recorded", "event_id", ev.ID, "error", err)
		}
	}
	if err := s.events.PublishTrade(ctx, ev); err != nil {
		s.logger.Warnw("trade event not published", "event_id", ev.ID, "error", err)
	}
	s.recordPool(ctx)
}

// --- internals (callers hold mu, inside a unit of work) ---

// available is the market's balance above base.
func (s *Service) available(base decimal.Decimal) decimal.Decimal {
	return s.ledger.BalanceOf(s.account).Sub(base)
}

// requirement returns the max loss and escrow requirement of legs.
func (s *Service) requirement(legs []model.Leg, feeReserved decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if len(legs) == 0 {
		return decimal.Zero, decimal.Zero, nil
	}
	ml, err := maxloss.Calculate(maxloss.FromPosition(legs))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %w", errs.ErrInvalidInput, err)
	}
	net := netPremium(legs)
	required := decimal.Max(ml, net)
	escrowed := required.Sub(net).Add(feeReserved).RoundCeil(s.ledger.Decimals())
	return ml, escrowed, nil
}

// payPool transfers amount from the market to the pool.
func (s *Service) payPool(ctx context.Context, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	return s.ledger.Transfer(ctx, s.account, s.pool.Account(), amount)
}

// checkFlat verifies the market holds no funds of the operation.
func (s *Service) checkFlat(base decimal.Decimal) error {
	if left := s.available(base); !left.IsZero() {
		return fmt.Errorf("market: %s left in market account", left)
	}
	return nil
}

func netPremium(legs []model.Leg) decimal.Decimal {
	return model.SpreadPosition{Legs: legs}.NetPremium()
}

// venueErr gives errors from a venue without an error kind the external venue kind.
func venueErr(err error) error {
	if err == nil || errs.Kind(err) != "internal" {
		return err
	}
	return fmt.Errorf("%w: %w", errs.ErrExternalVenue, err)
}
