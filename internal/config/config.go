// Package config loads the engine's configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Asset     AssetConfig
	Pool      PoolConfig
	Limits    LimitsConfig
	Simulator SimulatorConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"spread-engine"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Port     int    `envconfig:"PORT" default:"8080"`
	Admin    string `envconfig:"ADMIN_ACCOUNT" default:"admin"`
	Guardian string `envconfig:"GUARDIAN_ACCOUNT" default:"guardian"`
	// RateLimit caps mutating API requests per account per minute; 0 disables it.
	RateLimit int `envconfig:"API_RATE_LIMIT" default:"120"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

// Addr is the HTTP listen address.
func (c AppConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// PostgresConfig enables the Postgres store when URL is set.
type PostgresConfig struct {
	URL      string `envconfig:"DATABASE_URL"`
	MaxConns int32  `envconfig:"POSTGRES_MAX_CONNS" default:"10"`
	Migrate  bool   `envconfig:"POSTGRES_MIGRATE" default:"true"`
}

// RedisConfig enables the read-through cache in front of Postgres when URL is set.
type RedisConfig struct {
	URL      string        `envconfig:"REDIS_URL"`
	CacheTTL time.Duration `envconfig:"REDIS_CACHE_TTL" default:"30s"`
}

// KafkaConfig enables event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers    []string `envconfig:"KAFKA_BROKERS"`
	TradeTopic string   `envconfig:"KAFKA_TRADE_TOPIC" default:"spread.trades"`
	PoolTopic  string   `envconfig:"KAFKA_POOL_TOPIC" default:"spread.pool"`
}

type AssetConfig struct {
	Symbol   string `envconfig:"ASSET_SYMBOL" default:"sUSD"`
	Decimals int32  `envconfig:"ASSET_DECIMALS" default:"18"`
	// Faucet is minted to an account the first time it calls the faucet endpoint.
	Faucet decimal.Decimal `envconfig:"ASSET_FAUCET" default:"100000"`
}

type PoolConfig struct {
	MinDepositWithdraw decimal.Decimal `envconfig:"POOL_MIN_DEPOSIT_WITHDRAW" default:"1"`
	WithdrawalDelay    time.Duration   `envconfig:"POOL_WITHDRAWAL_DELAY" default:"168h"`
	WithdrawalFee      decimal.Decimal `envconfig:"POOL_WITHDRAWAL_FEE" default:"0.003"`
	GuardianDelay      time.Duration   `envconfig:"POOL_GUARDIAN_DELAY" default:"336h"`
	Cap                decimal.Decimal `envconfig:"POOL_CAP" default:"0"`
	Fee                decimal.Decimal `envconfig:"POOL_FEE" default:"0.1"`

	CBThreshold decimal.Decimal `envconfig:"POOL_CB_THRESHOLD" default:"0.01"`
	CBTimeout   time.Duration   `envconfig:"POOL_CB_TIMEOUT" default:"72h"`

	// Pricing selects how queued withdrawals are paid: "snapshot" or "best".
	Pricing string `envconfig:"POOL_WITHDRAWAL_PRICING" default:"snapshot"`
}

type LimitsConfig struct {
	MaxPerMarket     decimal.Decimal `envconfig:"LIMIT_MAX_PER_MARKET" default:"0"`
	MaxCorrelated    decimal.Decimal `envconfig:"LIMIT_MAX_CORRELATED" default:"0"`
	MaxOpenPositions int             `envconfig:"LIMIT_MAX_OPEN_POSITIONS" default:"0"`
}

// SimulatorConfig lists the in-process venues, one per market.
type SimulatorConfig struct {
	// Markets maps market key to initial spot, e.g. "ETH:2000,BTC:60000".
	Markets   map[string]string `envconfig:"SIM_MARKETS" default:"ETH:2000"`
	Vol       decimal.Decimal   `envconfig:"SIM_VOL" default:"0.8"`
	Liquidity decimal.Decimal   `envconfig:"SIM_LIQUIDITY" default:"10000000"`
	// Expiries lists boards to list at startup, relative to now.
	Expiries []time.Duration `envconfig:"SIM_EXPIRIES" default:"168h,720h"`
	// StrikeSteps are strikes as multiples of spot.
	StrikeSteps []string `envconfig:"SIM_STRIKE_STEPS" default:"0.8,0.9,1,1.1,1.2"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Pool.Pricing {
	case "snapshot", "best":
	default:
		return fmt.Errorf("config: POOL_WITHDRAWAL_PRICING must be snapshot or best, got %q", c.Pool.Pricing)
	}
	if c.App.RateLimit < 0 {
		return fmt.Errorf("config: API_RATE_LIMIT must not be negative, got %d", c.App.RateLimit)
	}
	if c.Asset.Decimals < 0 || c.Asset.Decimals > 18 {
		return fmt.Errorf("config: ASSET_DECIMALS must be in [0, 18], got %d", c.Asset.Decimals)
	}
	if _, err := c.Simulator.Spots(); err != nil {
		return err
	}
	if _, err := c.Simulator.Steps(); err != nil {
		return err
	}
	return nil
}

// PoolParameters converts the pool section to the pool's parameters.
func (c *Config) PoolParameters() model.PoolParameters {
	return model.PoolParameters{
		MinDepositWithdraw: c.Pool.MinDepositWithdraw,
		WithdrawalDelay:    c.Pool.WithdrawalDelay,
		WithdrawalFee:      c.Pool.WithdrawalFee,
		GuardianDelay:      c.Pool.GuardianDelay,
		Cap:                c.Pool.Cap,
		Fee:                c.Pool.Fee,
		GuardianMultisig:   c.App.Guardian,
	}
}

// CircuitBreakerParameters converts the pool section to circuit breaker parameters.
func (c *Config) CircuitBreakerParameters() model.CircuitBreakerParameters {
	return model.CircuitBreakerParameters{
		LiquidityCBThreshold: c.Pool.CBThreshold,
		LiquidityCBTimeout:   c.Pool.CBTimeout,
	}
}

// Spots returns the initial spot per market, keyed by upper-cased market key.
func (c SimulatorConfig) Spots() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Markets))
	for market, raw := range c.Markets {
		spot, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !spot.IsPositive() {
			return nil, fmt.Errorf("config: SIM_MARKETS: invalid spot %q for %s", raw, market)
		}
		out[strings.ToUpper(strings.TrimSpace(market))] = spot
	}
	return out, nil
}

// MarketKeys returns the simulated markets, sorted.
func (c SimulatorConfig) MarketKeys() []string {
	keys := make([]string, 0, len(c.Markets))
	for k := range c.Markets {
		keys = append(keys, strings.ToUpper(strings.TrimSpace(k)))
	}
	sort.Strings(keys)
	return keys
}

// Steps returns the strike multiples.
func (c SimulatorConfig) Steps() ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(c.StrikeSteps))
	for _, raw := range c.StrikeSteps {
		step, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !step.IsPositive() {
			return nil, fmt.Errorf("config: SIM_STRIKE_STEPS: invalid step %q", raw)
		}
		out = append(out, step)
	}
	return out, nil
}
