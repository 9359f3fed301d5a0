// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ksred/klear-exec/internal/coordinator"
	"github.com/ksred/klear-exec/internal/risk"
	"github.com/shopspring/decimal"
)

// Development defaults, refused in production.
const (
	defaultJWTSecret      = "klear-secret-key"
	defaultOperatorKey    = "test-api-key"
	defaultOperatorSecret = "test-api-secret"
)

type Config struct {
	Port           string
	Env            string
	Debug          bool
	DBPath         string
	JWTSecret      string
	OperatorKey    string
	OperatorSecret string

	Risk           risk.Config
	Policy         coordinator.Policy
	RequireTradeID bool
	BrokerTimeout  time.Duration

	CycleInterval     time.Duration
	ReconcileInterval time.Duration
	MatchInterval     time.Duration
	PaperSeed         int64
	PaperSuccessRate  float64
	PaperExpireAfter  time.Duration
}

// Load reads the environment, applying defaults for unset variables. A set
// but unparsable variable is an error.
func Load() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port:           p.str("PORT", "8080"),
		Env:            p.str("ENV", "development"),
		Debug:          p.boolean("DEBUG", false),
		DBPath:         p.str("KLEAR_DB_PATH", "klear-exec.db"),
		JWTSecret:      p.str("KLEAR_JWT_SECRET", defaultJWTSecret),
		OperatorKey:    p.str("KLEAR_OPERATOR_KEY", defaultOperatorKey),
		OperatorSecret: p.str("KLEAR_OPERATOR_SECRET", defaultOperatorSecret),

		Risk: risk.Config{
			KillSwitch:        p.boolean("KLEAR_KILL_SWITCH", false),
			MaxOrdersPerDay:   p.integer("KLEAR_MAX_ORDERS_PER_DAY", 100),
			MaxPriceDeviation: p.dec("KLEAR_MAX_PRICE_DEVIATION", risk.DefaultMaxPriceDeviation),
			MaxOrderQty:       p.dec("KLEAR_MAX_ORDER_QTY", decimal.Zero),
			MaxOrderNotional:  p.dec("KLEAR_MAX_ORDER_NOTIONAL", decimal.Zero),
			MaxPositionQty:    p.dec("KLEAR_MAX_POSITION_QTY", decimal.Zero),
			MaxDailyLoss:      p.dec("KLEAR_MAX_DAILY_LOSS", decimal.Zero),
			MaxDayTrades:      p.integer("KLEAR_MAX_DAY_TRADES", 0),
		},
		Policy: coordinator.Policy{
			Cooldown:       p.duration("KLEAR_COOLDOWN", 0),
			SingleTrade:    p.boolean("KLEAR_SINGLE_TRADE", false),
			MaxStaleness:   p.duration("KLEAR_MAX_STALENESS", 5*time.Minute),
			MaxQty:         p.dec("KLEAR_POLICY_MAX_QTY", decimal.Zero),
			QtyStep:        p.dec("KLEAR_QTY_STEP", decimal.NewFromInt(1)),
			MinQty:         p.dec("KLEAR_MIN_QTY", decimal.Zero),
			LimitOffsetBps: int64(p.integer("KLEAR_LIMIT_OFFSET_BPS", 5)),
			PriceDecimals:  int32(p.integer("KLEAR_PRICE_DECIMALS", 2)),
		},
		RequireTradeID: p.boolean("KLEAR_REQUIRE_TRADE_ID", false),
		BrokerTimeout:  p.duration("KLEAR_BROKER_TIMEOUT", 5*time.Second),

		CycleInterval:     p.duration("KLEAR_CYCLE_INTERVAL", time.Second),
		ReconcileInterval: p.duration("KLEAR_RECONCILE_INTERVAL", time.Minute),
		MatchInterval:     p.duration("KLEAR_MATCH_INTERVAL", 500*time.Millisecond),
		PaperSeed:         int64(p.integer("KLEAR_PAPER_SEED", 1)),
		PaperSuccessRate:  p.float("KLEAR_PAPER_SUCCESS_RATE", 0.95),
		PaperExpireAfter:  p.duration("KLEAR_PAPER_EXPIRE_AFTER", 0),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether ENV is production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

func (c *Config) validate() error {
	switch {
	case c.DBPath == "":
		return fmt.Errorf("KLEAR_DB_PATH must not be empty")
	case c.Production() && c.JWTSecret == defaultJWTSecret:
		return fmt.Errorf("KLEAR_JWT_SECRET must be set in production")
	case c.Production() && c.OperatorSecret == defaultOperatorSecret:
		return fmt.Errorf("KLEAR_OPERATOR_SECRET must be set in production")
	case c.Risk.MaxOrdersPerDay < 0:
		return fmt.Errorf("KLEAR_MAX_ORDERS_PER_DAY must not be negative")
	case c.Risk.MaxPriceDeviation.IsNegative():
		return fmt.Errorf("KLEAR_MAX_PRICE_DEVIATION must not be negative")
	case c.Policy.LimitOffsetBps < 0 || c.Policy.LimitOffsetBps >= 10000:
		return fmt.Errorf("KLEAR_LIMIT_OFFSET_BPS must be between 0 and 9999")
	case c.Policy.PriceDecimals < 0:
		return fmt.Errorf("KLEAR_PRICE_DECIMALS must not be negative")
	case c.PaperSuccessRate < 0 || c.PaperSuccessRate > 1:
		return fmt.Errorf("KLEAR_PAPER_SUCCESS_RATE must be between 0 and 1")
	case c.CycleInterval <= 0:
		return fmt.Errorf("KLEAR_CYCLE_INTERVAL must be positive")
	case c.ReconcileInterval <= 0:
		return fmt.Errorf("KLEAR_RECONCILE_INTERVAL must be positive")
	case c.MatchInterval <= 0:
		return fmt.Errorf("KLEAR_MATCH_INTERVAL must be positive")
	}
	return nil
}

// parser keeps the first parse error so Load can read every variable in
// one expression.
type parser struct {
	err error
}

func (p *parser) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok {
		return v
	}
	return def
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) dec(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
