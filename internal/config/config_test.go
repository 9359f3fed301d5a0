package config

import (
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"PORT", "ENV", "DEBUG", "KLEAR_DB_PATH", "KLEAR_JWT_SECRET", "KLEAR_OPERATOR_KEY", "KLEAR_OPERATOR_SECRET",
	"KLEAR_KILL_SWITCH", "KLEAR_MAX_ORDERS_PER_DAY", "KLEAR_MAX_PRICE_DEVIATION", "KLEAR_MAX_ORDER_QTY",
	"KLEAR_MAX_ORDER_NOTIONAL", "KLEAR_MAX_POSITION_QTY", "KLEAR_MAX_DAILY_LOSS", "KLEAR_MAX_DAY_TRADES",
	"KLEAR_COOLDOWN", "KLEAR_SINGLE_TRADE", "KLEAR_MAX_STALENESS", "KLEAR_POLICY_MAX_QTY", "KLEAR_QTY_STEP",
	"KLEAR_MIN_QTY", "KLEAR_LIMIT_OFFSET_BPS", "KLEAR_PRICE_DECIMALS", "KLEAR_REQUIRE_TRADE_ID", "KLEAR_BROKER_TIMEOUT",
	"KLEAR_CYCLE_INTERVAL", "KLEAR_RECONCILE_INTERVAL", "KLEAR_MATCH_INTERVAL", "KLEAR_PAPER_SEED",
	"KLEAR_PAPER_SUCCESS_RATE", "KLEAR_PAPER_EXPIRE_AFTER",
}

// clearEnv blanks every variable Load reads; empty counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.Production())
	assert.Equal(t, "klear-exec.db", cfg.DBPath)
	assert.Equal(t, 100, cfg.Risk.MaxOrdersPerDay)
	assert.True(t, cfg.Risk.MaxPriceDeviation.Equal(risk.DefaultMaxPriceDeviation))
	assert.False(t, cfg.Risk.KillSwitch)
	assert.True(t, cfg.Policy.QtyStep.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 5*time.Minute, cfg.Policy.MaxStaleness)
	assert.Equal(t, int32(2), cfg.Policy.PriceDecimals)
	assert.Equal(t, 5*time.Second, cfg.BrokerTimeout)
	assert.Equal(t, time.Second, cfg.CycleInterval)
	assert.Equal(t, 0.95, cfg.PaperSuccessRate)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("KLEAR_KILL_SWITCH", "true")
	t.Setenv("KLEAR_MAX_ORDERS_PER_DAY", "3")
	t.Setenv("KLEAR_MAX_PRICE_DEVIATION", "0.05")
	t.Setenv("KLEAR_MAX_ORDER_NOTIONAL", "25000")
	t.Setenv("KLEAR_COOLDOWN", "90s")
	t.Setenv("KLEAR_SINGLE_TRADE", "1")
	t.Setenv("KLEAR_LIMIT_OFFSET_BPS", "12")
	t.Setenv("KLEAR_PRICE_DECIMALS", "0")
	t.Setenv("KLEAR_REQUIRE_TRADE_ID", "true")
	t.Setenv("KLEAR_PAPER_SEED", "7")
	t.Setenv("KLEAR_PAPER_EXPIRE_AFTER", "10m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Risk.KillSwitch)
	assert.Equal(t, 3, cfg.Risk.MaxOrdersPerDay)
	assert.True(t, cfg.Risk.MaxPriceDeviation.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, cfg.Risk.MaxOrderNotional.Equal(decimal.NewFromInt(25000)))
	assert.Equal(t, 90*time.Second, cfg.Policy.Cooldown)
	assert.True(t, cfg.Policy.SingleTrade)
	assert.Equal(t, int64(12), cfg.Policy.LimitOffsetBps)
	assert.Zero(t, cfg.Policy.PriceDecimals)
	assert.True(t, cfg.RequireTradeID)
	assert.Equal(t, int64(7), cfg.PaperSeed)
	assert.Equal(t, 10*time.Minute, cfg.PaperExpireAfter)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bool", key: "KLEAR_KILL_SWITCH", value: "maybe"},
		{name: "int", key: "KLEAR_MAX_ORDERS_PER_DAY", value: "ten"},
		{name: "negative int", key: "KLEAR_MAX_ORDERS_PER_DAY", value: "-1"},
		{name: "decimal", key: "KLEAR_MAX_PRICE_DEVIATION", value: "10%"},
		{name: "negative deviation", key: "KLEAR_MAX_PRICE_DEVIATION", value: "-0.1"},
		{name: "duration", key: "KLEAR_COOLDOWN", value: "5 minutes"},
		{name: "float", key: "KLEAR_PAPER_SUCCESS_RATE", value: "high"},
		{name: "rate out of range", key: "KLEAR_PAPER_SUCCESS_RATE", value: "1.5"},
		{name: "zero interval", key: "KLEAR_CYCLE_INTERVAL", value: "0s"},
		{name: "offset of whole price", key: "KLEAR_LIMIT_OFFSET_BPS", value: "10000"},
		{name: "negative offset", key: "KLEAR_LIMIT_OFFSET_BPS", value: "-5"},
		{name: "negative decimals", key: "KLEAR_PRICE_DECIMALS", value: "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadProductionNeedsSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KLEAR_JWT_SECRET")

	t.Setenv("KLEAR_JWT_SECRET", "a-real-secret")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KLEAR_OPERATOR_SECRET")

	t.Setenv("KLEAR_OPERATOR_SECRET", "another-real-secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
}
