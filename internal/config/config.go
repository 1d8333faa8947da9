// Package config loads the service configuration from the environment,
// with an optional .env file for local runs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"cryptofeed-ingest/internal/stream"
)

// Config is the full service configuration.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Venues to connect and the markets to subscribe on each of them.
	Venues   []string `env:"VENUES" envSeparator:"," envDefault:"binance,bybit,okx,kraken,coinbase,kucoin,gateio,htx,mexc,bitget,bitfinex,bitstamp,cryptocom,upbit,lbank,coinex"`
	Symbols  []string `env:"SYMBOLS" envSeparator:"," envDefault:"BTC/USDT,ETH/USDT"`
	Channels []string `env:"CHANNELS" envSeparator:"," envDefault:"ticker,orderbook,trades"`

	// CandleInterval applies when the candles channel is enabled.
	CandleInterval string `env:"CANDLE_INTERVAL" envDefault:"1m"`

	MetricsAddr       string        `env:"METRICS_ADDR" envDefault:":9090"`
	HealthLogInterval time.Duration `env:"HEALTH_LOG_INTERVAL" envDefault:"30s"`

	// RedisAddr enables the Redis sink; empty disables it.
	RedisAddr string `env:"REDIS_ADDR"`

	MaxParseFailures int           `env:"CCXT_MAX_MSG_FAILURES" envDefault:"100"`
	FailureWindow    time.Duration `env:"FAILURE_WINDOW" envDefault:"60s"`
	BackoffBase      time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffCap       time.Duration `env:"BACKOFF_CAP" envDefault:"60s"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Venues = compact(cfg.Venues)
	cfg.Symbols = compact(cfg.Symbols)
	cfg.Channels = compact(cfg.Channels)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// compact drops empty entries left by trailing separators or an env
// var set to the empty string.
func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("no venues enabled")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	for _, ch := range c.Channels {
		switch ch {
		case stream.ChannelTicker, stream.ChannelOrderbook, stream.ChannelTrades, stream.ChannelCandles:
		default:
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return nil
}

// StreamConfig maps the tunables onto the per-client stream settings.
func (c Config) StreamConfig() stream.Config {
	return stream.Config{
		MaxParseFailures: c.MaxParseFailures,
		FailureWindow:    c.FailureWindow,
		BackoffBase:      c.BackoffBase,
		BackoffCap:       c.BackoffCap,
	}
}
