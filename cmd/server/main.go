package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/spread-engine/internal/api"
	"github.com/atmx/spread-engine/internal/asset"
	"github.com/atmx/spread-engine/internal/config"
	"github.com/atmx/spread-engine/internal/escrow"
	"github.com/atmx/spread-engine/internal/events"
	"github.com/atmx/spread-engine/internal/limits"
	"github.com/atmx/spread-engine/internal/logging"
	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/pool"
	"github.com/atmx/spread-engine/internal/position"
	"github.com/atmx/spread-engine/internal/store"
	"github.com/atmx/spread-engine/internal/venue"
	"github.com/atmx/spread-engine/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.App.LogLevel, cfg.App.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("spread-engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("spread-engine stopped")
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Ledger, pool, escrow, registry ---
	ledger := asset.NewLedger(cfg.Asset.Symbol, cfg.Asset.Decimals)
	poolOpts := []pool.Option{pool.WithLogger(logger.Named("pool"))}
	if cfg.Pool.Pricing == "best" {
		poolOpts = append(poolOpts, pool.WithPricing(pool.BestPricePricing))
	}
	lp, err := pool.New(ledger, asset.AccountMarket, cfg.App.Admin,
		cfg.PoolParameters(), cfg.CircuitBreakerParameters(), poolOpts...)
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	esc := escrow.New(ledger, asset.AccountMarket, lp.Account(), logger.Named("escrow"))
	registry := position.NewRegistry(asset.AccountMarket)

	// --- Venues ---
	venues, err := listVenues(ctx, cfg, ledger, logger)
	if err != nil {
		return err
	}

	// --- Event sinks ---
	hub := events.NewWSHub(logger.Named("ws"))
	sinks := map[string]events.Publisher{"ws": hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:    cfg.Kafka.Brokers,
			TradeTopic: cfg.Kafka.TradeTopic,
			PoolTopic:  cfg.Kafka.PoolTopic,
		}, logger.Named("kafka"))
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Warnw("kafka writer close failed", "error", err)
			}
		}()
		sinks["kafka"] = kp
		logger.Infow("kafka publishing enabled", "brokers", cfg.Kafka.Brokers)
	}

	// --- Market ---
	limiter := limits.NewPositionLimiter(cfg.Limits.MaxPerMarket, cfg.Limits.MaxCorrelated, cfg.Limits.MaxOpenPositions)
	svc := market.New(ledger, lp, esc, registry, venues,
		market.WithLogger(logger.Named("market")),
		market.WithStore(st),
		market.WithPublisher(events.NewFanout(logger.Named("events"), sinks)),
		market.WithLimiter(limiter),
	)

	opts := []api.Option{
		api.WithHub(hub),
		api.WithRateLimit(cfg.App.RateLimit),
		api.WithLogger(logger.Named("api")),
	}
	if cfg.App.Env != "production" {
		opts = append(opts, api.WithFaucet(cfg.Asset.Faucet))
	}
	handler := api.New(svc, lp, ledger, st, opts...)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.App.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Infow("spread-engine listening", "addr", srv.Addr, "markets", svc.Markets())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down spread-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore connects Postgres, wrapped in the Redis cache when configured,
// and falls back to memory without DATABASE_URL.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (store.Store, func(), error) {
	if cfg.Postgres.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pgCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	pgCfg.MaxConns = cfg.Postgres.MaxConns
	db, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup := []func(){db.Close}
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}
	if cfg.Postgres.Migrate {
		if err := migrations.Apply(ctx, db); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	var st store.Store = store.NewPostgresStore(db)
	logger.Info("connected to PostgreSQL")

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		logger.Infow("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
	}
	return st, closeAll, nil
}

// listVenues starts one simulated venue per market, funded with the configured
// liquidity and listing a board per expiry with strikes at multiples of spot.
func listVenues(ctx context.Context, cfg *config.Config, ledger *asset.Ledger, logger *zap.SugaredLogger) (map[string]venue.PricingOracle, error) {
	spots, err := cfg.Simulator.Spots()
	if err != nil {
		return nil, err
	}
	steps, err := cfg.Simulator.Steps()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	venues := make(map[string]venue.PricingOracle, len(spots))
	for _, key := range cfg.Simulator.MarketKeys() {
		spot := spots[key]
		account := "venue:" + key
		if err := ledger.Mint(ctx, account, cfg.Simulator.Liquidity); err != nil {
			return nil, fmt.Errorf("fund venue %s: %w", key, err)
		}
		simCfg := venue.DefaultSimulatorConfig(account, spot)
		simCfg.Vol = cfg.Simulator.Vol
		sim := venue.NewSimulator(ledger, simCfg, venue.WithLogger(logger.Named("venue").With("market", key)))

		strikes := make([]decimal.Decimal, 0, len(steps))
		for _, step := range steps {
			strikes = append(strikes, spot.Mul(step).Round(2))
		}
		for _, expiry := range cfg.Simulator.Expiries {
			boardID, _ := sim.AddBoard(now.Add(expiry), strikes...)
			logger.Infow("board listed", "market", key, "board", boardID, "expiry", now.Add(expiry).Format(time.RFC3339))
		}
		venues[key] = sim
	}
	return venues, nil
}
