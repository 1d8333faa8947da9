package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Len(t, cfg.Venues, 16)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Symbols)
	assert.Equal(t, []string{"ticker", "orderbook", "trades"}, cfg.Channels)
	assert.Equal(t, 100, cfg.MaxParseFailures)
	assert.Equal(t, 60*time.Second, cfg.FailureWindow)
	assert.Empty(t, cfg.RedisAddr)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("VENUES", "kraken,binance")
	t.Setenv("SYMBOLS", "BTC/USD")
	t.Setenv("CHANNELS", "orderbook,candles")
	t.Setenv("CANDLE_INTERVAL", "5m")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("CCXT_MAX_MSG_FAILURES", "50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"kraken", "binance"}, cfg.Venues)
	assert.Equal(t, []string{"BTC/USD"}, cfg.Symbols)
	assert.Equal(t, "5m", cfg.CandleInterval)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 50, cfg.StreamConfig().MaxParseFailures)
}

func TestValidation(t *testing.T) {
	t.Setenv("CHANNELS", "orderbook,funding")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funding")

	t.Setenv("CHANNELS", "orderbook")
	t.Setenv("SYMBOLS", "")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no symbols")
}
