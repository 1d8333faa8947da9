package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cryptofeed-ingest/internal/config"
	"cryptofeed-ingest/internal/manager"
	"cryptofeed-ingest/internal/metrics"
	"cryptofeed-ingest/internal/observer"
	"cryptofeed-ingest/internal/publisher"
	"cryptofeed-ingest/internal/stream"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}
	if level, perr := zerolog.ParseLevel(cfg.LogLevel); perr == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Strs("venues", cfg.Venues).
		Strs("symbols", cfg.Symbols).
		Strs("channels", cfg.Channels).
		Str("metrics", cfg.MetricsAddr).
		Str("redis", cfg.RedisAddr).
		Msg("Starting market data feed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Without a Redis sink the records are still counted and the books
	// maintained; consumers attach through the observer and metrics.
	var callbacks stream.Callbacks
	if cfg.RedisAddr != "" {
		pub, err := publisher.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer pub.Close()
		callbacks = pub.Callbacks(ctx)
	}

	obs := observer.New()
	mgr, err := manager.New(cfg.Venues, obs, callbacks, cfg.StreamConfig())
	if err != nil {
		log.Fatal().Err(err).Strs("supported", manager.SupportedVenues()).Msg("Invalid venue configuration")
	}

	if err := mgr.ConnectAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("No venue reachable")
	}

	for _, venue := range mgr.Venues() {
		reqs := make([]stream.Request, 0, len(cfg.Symbols)*len(cfg.Channels))
		for _, symbol := range cfg.Symbols {
			for _, channel := range cfg.Channels {
				req := stream.Request{Channel: channel, Symbol: symbol}
				if channel == stream.ChannelCandles {
					req.Interval = cfg.CandleInterval
				}
				reqs = append(reqs, req)
			}
		}
		if err := mgr.SubscribeMany(venue, reqs); err != nil {
			// Per-venue gaps (unsupported channels, symbol not listed)
			// must not take down the rest of the feed.
			log.Warn().Err(err).Str("venue", venue).Msg("Partial subscription")
		}
	}
	log.Info().Interface("active", mgr.ActiveSubscriptions()).Msg("Subscriptions established")

	go mgr.MonitorHealth(ctx, cfg.HealthLogInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")
	cancel()
	mgr.DisconnectAll()
	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping metrics server")
	}
}
