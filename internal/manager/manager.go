// Package manager wires one stream client per enabled venue and fans
// subscription requests out to them.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cryptofeed-ingest/internal/observer"
	"cryptofeed-ingest/internal/stream"
	"cryptofeed-ingest/internal/venue/binance"
	"cryptofeed-ingest/internal/venue/bitfinex"
	"cryptofeed-ingest/internal/venue/bitget"
	"cryptofeed-ingest/internal/venue/bitstamp"
	"cryptofeed-ingest/internal/venue/bybit"
	"cryptofeed-ingest/internal/venue/coinbase"
	"cryptofeed-ingest/internal/venue/coinex"
	"cryptofeed-ingest/internal/venue/cryptocom"
	"cryptofeed-ingest/internal/venue/gateio"
	"cryptofeed-ingest/internal/venue/htx"
	"cryptofeed-ingest/internal/venue/kraken"
	"cryptofeed-ingest/internal/venue/kucoin"
	"cryptofeed-ingest/internal/venue/lbank"
	"cryptofeed-ingest/internal/venue/mexc"
	"cryptofeed-ingest/internal/venue/okx"
	"cryptofeed-ingest/internal/venue/upbit"
)

// adapterFactories lists every venue this build can serve.
var adapterFactories = map[string]func() stream.Adapter{
	"binance":   func() stream.Adapter { return binance.New() },
	"bitfinex":  func() stream.Adapter { return bitfinex.New() },
	"bitget":    func() stream.Adapter { return bitget.New() },
	"bitstamp":  func() stream.Adapter { return bitstamp.New() },
	"bybit":     func() stream.Adapter { return bybit.New() },
	"coinbase":  func() stream.Adapter { return coinbase.New() },
	"coinex":    func() stream.Adapter { return coinex.New() },
	"cryptocom": func() stream.Adapter { return cryptocom.New() },
	"gateio":    func() stream.Adapter { return gateio.New() },
	"htx":       func() stream.Adapter { return htx.New() },
	"kraken":    func() stream.Adapter { return kraken.New() },
	"kucoin":    func() stream.Adapter { return kucoin.New() },
	"lbank":     func() stream.Adapter { return lbank.New() },
	"mexc":      func() stream.Adapter { return mexc.New() },
	"okx":       func() stream.Adapter { return okx.New() },
	"upbit":     func() stream.Adapter { return upbit.New() },
}

// SupportedVenues returns every venue name this build can serve, sorted.
func SupportedVenues() []string {
	names := make([]string, 0, len(adapterFactories))
	for name := range adapterFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manager owns one stream client per venue.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*stream.Client
	obs     *observer.Observer
}

// New builds clients for the requested venues. Unknown venue names are
// rejected up front so a config typo fails fast.
func New(venues []string, obs *observer.Observer, cb stream.Callbacks, cfg stream.Config) (*Manager, error) {
	m := &Manager{
		clients: make(map[string]*stream.Client, len(venues)),
		obs:     obs,
	}
	for _, name := range venues {
		factory, ok := adapterFactories[name]
		if !ok {
			return nil, fmt.Errorf("unknown venue %q", name)
		}
		m.clients[name] = stream.NewClient(factory(), obs, cb, cfg)
	}
	return m, nil
}

// Client returns the stream client for a venue.
func (m *Manager) Client(venue string) (*stream.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[venue]
	return c, ok
}

// Venues returns the managed venue names, sorted.
func (m *Manager) Venues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectAll dials every venue concurrently. Venues that fail to
// connect are reported but do not stop the others; the error is
// non-nil only when every venue failed.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(m.clients))

	for name, client := range m.clients {
		wg.Add(1)
		go func(name string, c *stream.Client) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				log.Error().Err(err).Str("venue", name).Msg("Venue connect failed")
				errCh <- fmt.Errorf("%s: %w", name, err)
				return
			}
		}(name, client)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 && len(errs) == len(m.clients) {
		return fmt.Errorf("all venues failed to connect: %v", errs)
	}
	return nil
}

// DisconnectAll closes every client.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, client := range m.clients {
		if err := client.Disconnect(); err != nil {
			log.Warn().Err(err).Str("venue", name).Msg("Venue disconnect")
		}
	}
}

// Subscribe routes one subscription to a venue. For candles the
// interval argument names the bar size; other channels ignore it.
func (m *Manager) Subscribe(venue, channel, symbol, interval string) error {
	client, ok := m.Client(venue)
	if !ok {
		return fmt.Errorf("unknown venue %q", venue)
	}
	switch channel {
	case stream.ChannelTicker:
		return client.SubscribeTicker(symbol)
	case stream.ChannelOrderbook:
		return client.SubscribeOrderbook(symbol)
	case stream.ChannelTrades:
		return client.SubscribeTrades(symbol)
	case stream.ChannelCandles:
		return client.SubscribeCandles(symbol, interval)
	}
	return fmt.Errorf("unknown channel %q", channel)
}

// SubscribeMany routes a request batch to a venue, using the venue's
// batch form when it has one.
func (m *Manager) SubscribeMany(venue string, reqs []stream.Request) error {
	client, ok := m.Client(venue)
	if !ok {
		return fmt.Errorf("unknown venue %q", venue)
	}
	return client.SubscribeMany(reqs)
}

// Unsubscribe removes one subscription from a venue.
func (m *Manager) Unsubscribe(venue, channel, symbol, interval string) error {
	client, ok := m.Client(venue)
	if !ok {
		return fmt.Errorf("unknown venue %q", venue)
	}
	if channel == stream.ChannelCandles {
		return client.Unsubscribe(channel, symbol, interval)
	}
	return client.Unsubscribe(channel, symbol)
}

// ActiveSubscriptions counts active subscriptions per venue.
func (m *Manager) ActiveSubscriptions() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int, len(m.clients))
	for name, client := range m.clients {
		n := 0
		for _, sub := range client.Subscriptions() {
			if sub.Active {
				n++
			}
		}
		out[name] = n
	}
	return out
}

// MonitorHealth periodically logs per-venue health until the context
// ends.
func (m *Manager) MonitorHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, venue := range m.Venues() {
				h := m.obs.GetHealth(venue)
				ev := log.Debug()
				if h.Status != observer.Healthy {
					ev = log.Warn()
				}
				ev.Str("venue", venue).
					Str("status", string(h.Status)).
					Bool("connected", h.IsConnected).
					Int64("failures", h.MessageFailures).
					Int("reconnect_attempts", h.ReconnectAttempts).
					Msg("Venue health")
			}
		}
	}
}
