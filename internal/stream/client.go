package stream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/metrics"
	"cryptofeed-ingest/internal/observer"
)

// State is the client lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateStreaming
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config tunes one client. Zero values fall back to the defaults below.
type Config struct {
	// MaxParseFailures is the quarantine threshold within FailureWindow.
	MaxParseFailures int
	FailureWindow    time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// SubscribeRate paces outbound frames; venues throttle subscribe bursts.
	SubscribeRate rate.Limit

	// PublicURL and PrivateURL override the adapter endpoints (tests).
	PublicURL  string
	PrivateURL string
}

func (c *Config) applyDefaults() {
	if c.MaxParseFailures == 0 {
		c.MaxParseFailures = 100
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.SubscribeRate == 0 {
		c.SubscribeRate = 25
	}
}

// Client is the venue stream client. One per venue; all venue
// specifics are delegated to the bound Adapter.
type Client struct {
	adapter Adapter
	cfg     Config
	obs     *observer.Observer
	books   *book.Cache
	cb      Callbacks
	reg     *registry
	logger  zerolog.Logger

	state atomic.Int32

	connMu      sync.Mutex
	conn        *websocket.Conn
	privConn    *websocket.Conn
	sessionDone chan struct{}

	writeMu sync.Mutex
	limiter *rate.Limiter

	lastInbound atomic.Int64 // unix nano of last inbound frame

	failMu        sync.Mutex
	failCount     int
	failWindowAt  time.Time
	quarantineHit bool

	reconnecting atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// procMu serializes frame processing across the public and private
	// readers so the frame fields below are single-writer.
	procMu     sync.Mutex
	frameSize  int
	frameStart time.Time
}

// NewClient builds a client around a venue adapter and binds the
// adapter's emitter to it.
func NewClient(adapter Adapter, obs *observer.Observer, cb Callbacks, cfg Config) *Client {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		adapter: adapter,
		cfg:     cfg,
		obs:     obs,
		cb:      cb,
		books:   book.NewCache(adapter.Name()),
		reg:     newRegistry(),
		logger:  log.With().Str("venue", adapter.Name()).Logger(),
		limiter: rate.NewLimiter(cfg.SubscribeRate, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	adapter.Bind(c)
	return c
}

// Venue returns the adapter's venue name.
func (c *Client) Venue() string {
	return c.adapter.Name()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// compareAndSetState transitions only when the current state matches.
func (c *Client) compareAndSetState(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Connect opens the public transport and, when the venue exposes one,
// the private transport. A second call while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateConnected, StateSubscribing, StateStreaming, StateDegraded:
		return nil
	}
	c.setState(StateConnecting)

	conn, err := c.dial(ctx, c.publicURL())
	if err != nil {
		c.setState(StateIdle)
		metrics.RecordConnectionError(c.Venue(), "handshake")
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var privConn *websocket.Conn
	if url := c.privateURL(); url != "" {
		privConn, err = c.dial(ctx, url)
		if err != nil {
			conn.Close()
			c.setState(StateIdle)
			metrics.RecordConnectionError(c.Venue(), "handshake")
			return fmt.Errorf("%w: private transport: %v", ErrTransport, err)
		}
	}

	c.startSession(conn, privConn)
	c.setState(StateConnected)
	c.obs.OnConnectionStateChanged(c.Venue(), true)
	if privConn != nil {
		c.obs.OnAuthStateChanged(c.Venue(), true)
	}
	c.logger.Info().Str("url", c.publicURL()).Msg("Connected")
	return nil
}

func (c *Client) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}

func (c *Client) publicURL() string {
	if c.cfg.PublicURL != "" {
		return c.cfg.PublicURL
	}
	return c.adapter.PublicURL()
}

func (c *Client) privateURL() string {
	if c.cfg.PrivateURL != "" {
		return c.cfg.PrivateURL
	}
	return c.adapter.PrivateURL()
}

// startSession installs the connections and spawns the reader and
// heartbeat goroutines for this session.
func (c *Client) startSession(conn, privConn *websocket.Conn) {
	done := make(chan struct{})

	c.connMu.Lock()
	c.conn = conn
	c.privConn = privConn
	c.sessionDone = done
	c.connMu.Unlock()

	c.lastInbound.Store(time.Now().UnixNano())

	c.wg.Add(2)
	go c.readLoop(conn, false, done)
	go c.heartbeatLoop(done)
	if privConn != nil {
		c.wg.Add(1)
		go c.readLoop(privConn, true, done)
	}
}

// closeSession tears down the current session's connections and wakes
// its goroutines.
func (c *Client) closeSession(sendClose bool) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.sessionDone != nil {
		select {
		case <-c.sessionDone:
		default:
			close(c.sessionDone)
		}
	}
	if c.conn != nil {
		if sendClose {
			c.writeMu.Lock()
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
		}
		c.conn.Close()
		c.conn = nil
	}
	if c.privConn != nil {
		c.privConn.Close()
		c.privConn = nil
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// Disconnect gracefully closes the client. Metrics are retained.
func (c *Client) Disconnect() error {
	if c.State() == StateClosed {
		return nil
	}
	c.setState(StateClosed)
	c.cancel()
	c.closeSession(true)
	c.wg.Wait()
	c.obs.OnConnectionStateChanged(c.Venue(), false)
	c.logger.Info().Msg("Disconnected")
	return nil
}

// SubscribeTicker subscribes to best bid/ask and 24h statistics.
func (c *Client) SubscribeTicker(symbol string) error {
	return c.subscribe(ChannelTicker, symbol, "")
}

// SubscribeOrderbook subscribes to order book snapshots and deltas.
func (c *Client) SubscribeOrderbook(symbol string) error {
	return c.subscribe(ChannelOrderbook, symbol, "")
}

// SubscribeTrades subscribes to the public trade feed.
func (c *Client) SubscribeTrades(symbol string) error {
	return c.subscribe(ChannelTrades, symbol, "")
}

// SubscribeCandles subscribes to candlesticks at a canonical interval.
func (c *Client) SubscribeCandles(symbol, interval string) error {
	return c.subscribe(ChannelCandles, symbol, market.NormalizeInterval(interval))
}

func (c *Client) subscribe(channel, symbol, extra string) error {
	if c.State() == StateClosed {
		return ErrClosed
	}

	m, err := market.ParseAny(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSymbol, err)
	}

	sub := c.reg.add(channel, m.String(), extra)

	frame, err := c.adapter.SubscribeFrame(sub)
	if err != nil {
		// The venue does not offer this channel; the descriptor can
		// never become active.
		c.reg.remove(channel, m.String(), extra)
		c.EmitError(err)
		return err
	}

	c.compareAndSetState(StateConnected, StateSubscribing)

	if err := c.writeFrame(frame); err != nil {
		// Descriptor stays registered inactive; replay will pick it up
		// only once a later subscribe succeeds.
		werr := fmt.Errorf("%w: subscribe %s %s: %v", ErrTransport, channel, m, err)
		c.EmitError(werr)
		return werr
	}

	c.reg.setActive(channel, m.String(), extra, true)
	c.obs.OnSubscriptionChanged(c.Venue(), channel, m.String(), true)
	c.logger.Debug().Str("channel", channel).Str("symbol", m.String()).Msg("Subscribed")
	return nil
}

// Request names one subscription for the batch entry point.
type Request struct {
	Channel  string
	Symbol   string
	Interval string
}

// SubscribeMany registers several descriptors at once. Batch-capable
// venues with two or more requests get grouped frames; otherwise each
// request is dispatched individually in order.
func (c *Client) SubscribeMany(reqs []Request) error {
	if c.State() == StateClosed {
		return ErrClosed
	}

	subs := make([]Subscription, 0, len(reqs))
	for _, req := range reqs {
		m, err := market.ParseAny(req.Symbol)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSymbol, err)
		}
		extra := ""
		if req.Channel == ChannelCandles {
			extra = market.NormalizeInterval(req.Interval)
		}
		subs = append(subs, c.reg.add(req.Channel, m.String(), extra))
	}

	if c.adapter.SupportsBatch() && len(subs) >= 2 {
		frames, err := c.adapter.BatchSubscribeFrames(subs)
		if err != nil {
			c.EmitError(err)
			return err
		}
		for _, frame := range frames {
			if werr := c.writeFrame(frame); werr != nil {
				werr = fmt.Errorf("%w: batch subscribe: %v", ErrTransport, werr)
				c.EmitError(werr)
				return werr
			}
		}
		c.compareAndSetState(StateConnected, StateSubscribing)
		for _, sub := range subs {
			c.reg.setActive(sub.Channel, sub.Symbol, sub.Extra, true)
			c.obs.OnSubscriptionChanged(c.Venue(), sub.Channel, sub.Symbol, true)
		}
		return nil
	}

	for _, sub := range subs {
		if err := c.subscribe(sub.Channel, sub.Symbol, sub.Extra); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe sends the venue's unsubscribe frame best-effort and
// removes the descriptor from the registry.
func (c *Client) Unsubscribe(channel, symbol string, extra ...string) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	m, err := market.ParseAny(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSymbol, err)
	}
	ex := ""
	if len(extra) > 0 {
		ex = extra[0]
	}

	sub := Subscription{Channel: channel, Symbol: m.String(), Extra: ex}
	if frame, ferr := c.adapter.UnsubscribeFrame(sub); ferr == nil && frame != nil {
		if werr := c.writeFrame(frame); werr != nil {
			c.EmitError(fmt.Errorf("%w: unsubscribe %s %s: %v", ErrTransport, channel, m, werr))
		}
	}

	c.reg.remove(channel, m.String(), ex)
	if channel == ChannelOrderbook {
		c.books.Remove(m.String())
	}
	c.obs.OnSubscriptionChanged(c.Venue(), channel, m.String(), false)
	return nil
}

// Subscriptions returns a snapshot of all descriptors in insertion order.
func (c *Client) Subscriptions() []Subscription {
	return c.reg.all()
}

// writeFrame writes one text frame under the send deadline and pacer.
func (c *Client) writeFrame(data []byte) error {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return err
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop drains one transport until the session ends.
func (c *Client) readLoop(conn *websocket.Conn, private bool, done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			case <-c.ctx.Done():
			default:
				c.triggerReconnect("read", err)
			}
			return
		}
		c.processFrame(data, private)
	}
}

// processFrame hands one frame to the adapter's parser and applies the
// quarantine accounting.
func (c *Client) processFrame(data []byte, private bool) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	c.lastInbound.Store(time.Now().UnixNano())
	c.frameSize = len(data)
	c.frameStart = time.Now()

	err := c.adapter.ProcessMessage(data, private)
	metrics.ProcessingDuration.WithLabelValues(c.Venue()).
		Observe(time.Since(c.frameStart).Seconds())

	if err != nil {
		metrics.RecordParseFailure(c.Venue())
		perr := fmt.Errorf("%w: %v", ErrParse, err)
		c.obs.OnError(c.Venue(), perr.Error())
		if c.cb.OnError != nil {
			c.cb.OnError(perr)
		}
		c.compareAndSetState(StateStreaming, StateDegraded)
		if c.recordParseFailure() {
			c.logger.Warn().Msg("Parse-failure threshold exceeded, reconnecting")
			c.triggerReconnect("quarantine", perr)
		}
		return
	}

	c.compareAndSetState(StateConnected, StateStreaming)
	c.compareAndSetState(StateSubscribing, StateStreaming)
	c.compareAndSetState(StateDegraded, StateStreaming)
}

// recordParseFailure counts a failure in the rolling window and
// reports whether the threshold has been crossed.
func (c *Client) recordParseFailure() bool {
	c.failMu.Lock()
	defer c.failMu.Unlock()

	now := time.Now()
	if c.failWindowAt.IsZero() || now.Sub(c.failWindowAt) > c.cfg.FailureWindow {
		c.failWindowAt = now
		c.failCount = 0
		c.quarantineHit = false
	}
	c.failCount++
	if c.failCount > c.cfg.MaxParseFailures && !c.quarantineHit {
		c.quarantineHit = true
		return true
	}
	return false
}

func (c *Client) resetParseFailures() {
	c.failMu.Lock()
	c.failCount = 0
	c.failWindowAt = time.Time{}
	c.quarantineHit = false
	c.failMu.Unlock()
}

// heartbeatLoop sends the venue ping every interval and declares the
// link dead when no inbound frame arrives for two intervals.
func (c *Client) heartbeatLoop(done chan struct{}) {
	defer c.wg.Done()

	interval := c.adapter.PingInterval()
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastInbound.Load())
			if time.Since(last) > 2*interval {
				c.triggerReconnect("heartbeat", fmt.Errorf("no inbound frame for %s", time.Since(last)))
				return
			}
			if err := c.sendPing(); err != nil {
				c.triggerReconnect("ping", err)
				return
			}
		}
	}
}

func (c *Client) sendPing() error {
	if msg := c.adapter.PingMessage(); msg != nil {
		return c.writeFrame(msg)
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

// triggerReconnect moves the client to Reconnecting and spawns the
// single reconnection task. Re-entrant calls while one is in flight
// are dropped.
func (c *Client) triggerReconnect(reason string, err error) {
	if c.State() == StateClosed {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.setState(StateReconnecting)
	metrics.RecordConnectionError(c.Venue(), reason)
	c.obs.OnConnectionStateChanged(c.Venue(), false)
	c.logger.Warn().Err(err).Str("reason", reason).Msg("Connection lost, reconnecting")

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop re-dials with exponential backoff and full jitter,
// then replays the subscription registry.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	c.closeSession(false)

	for attempt := 0; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.backoff(attempt)):
		}

		c.obs.OnReconnectAttempt(c.Venue())

		conn, err := c.dial(c.ctx, c.publicURL())
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect dial failed")
			continue
		}

		var privConn *websocket.Conn
		if url := c.privateURL(); url != "" {
			if privConn, err = c.dial(c.ctx, url); err != nil {
				conn.Close()
				c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Private reconnect failed")
				continue
			}
		}

		c.startSession(conn, privConn)
		c.setState(StateSubscribing)
		c.resetParseFailures()
		c.obs.OnConnectionStateChanged(c.Venue(), true)

		// Post-reconnect book state is unknown; drop it so the replayed
		// subscriptions repopulate from fresh snapshots.
		c.books.Reset()

		c.replaySubscriptions()
		c.logger.Info().Int("attempts", attempt+1).Msg("Reconnected")
		return
	}
}

// backoff returns the full-jitter delay for an attempt.
func (c *Client) backoff(attempt int) time.Duration {
	max := c.cfg.BackoffBase << uint(attempt)
	if max > c.cfg.BackoffCap || max <= 0 {
		max = c.cfg.BackoffCap
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// replaySubscriptions re-sends the active registry in insertion order.
// Batch-capable venues coalesce the replay into grouped frames.
func (c *Client) replaySubscriptions() {
	subs := c.reg.active()
	if len(subs) == 0 {
		return
	}

	if c.adapter.SupportsBatch() && len(subs) >= 2 {
		frames, err := c.adapter.BatchSubscribeFrames(subs)
		if err != nil {
			c.EmitError(fmt.Errorf("batch replay: %w", err))
			return
		}
		for _, frame := range frames {
			if err := c.writeFrame(frame); err != nil {
				c.EmitError(fmt.Errorf("%w: batch replay: %v", ErrTransport, err))
				return
			}
		}
		return
	}

	for _, sub := range subs {
		frame, err := c.adapter.SubscribeFrame(sub)
		if err != nil {
			c.EmitError(err)
			continue
		}
		if err := c.writeFrame(frame); err != nil {
			c.EmitError(fmt.Errorf("%w: replay %s %s: %v", ErrTransport, sub.Channel, sub.Symbol, err))
			return
		}
	}
}

// latencyMs is the parse latency of the frame being emitted.
func (c *Client) latencyMs() float64 {
	return float64(time.Since(c.frameStart).Microseconds()) / 1000
}

// EmitTicker implements Emitter.
func (c *Client) EmitTicker(t *Ticker) {
	t.Venue = c.Venue()
	c.obs.OnMessageReceived(c.Venue(), ChannelTicker, t.Symbol, c.frameSize, c.latencyMs())
	if c.cb.OnTicker != nil {
		c.cb.OnTicker(t)
	}
}

// EmitOrderbook implements Emitter.
func (c *Client) EmitOrderbook(b *book.Book) {
	metrics.RecordBookUpdate(c.Venue(), b.Symbol, len(b.Bids), len(b.Asks))
	c.obs.OnMessageReceived(c.Venue(), ChannelOrderbook, b.Symbol, c.frameSize, c.latencyMs())
	if c.cb.OnOrderbook != nil {
		c.cb.OnOrderbook(b)
	}
}

// EmitTrades implements Emitter.
func (c *Client) EmitTrades(tb *TradeBatch) {
	tb.Venue = c.Venue()
	for _, tr := range tb.Trades {
		metrics.RecordTrade(c.Venue(), tb.Symbol, tr.Side)
	}
	c.obs.OnMessageReceived(c.Venue(), ChannelTrades, tb.Symbol, c.frameSize, c.latencyMs())
	if c.cb.OnTrades != nil {
		c.cb.OnTrades(tb)
	}
}

// EmitCandle implements Emitter.
func (c *Client) EmitCandle(cd *Candle) {
	cd.Venue = c.Venue()
	c.obs.OnMessageReceived(c.Venue(), ChannelCandles, cd.Symbol, c.frameSize, c.latencyMs())
	if c.cb.OnCandle != nil {
		c.cb.OnCandle(cd)
	}
}

// EmitError implements Emitter.
func (c *Client) EmitError(err error) {
	c.obs.OnError(c.Venue(), err.Error())
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// Send implements Emitter.
func (c *Client) Send(data []byte) error {
	return c.writeFrame(data)
}

// RequestReconnect implements Emitter, for venues that instruct the
// client to reconnect on the wire.
func (c *Client) RequestReconnect() {
	c.triggerReconnect("venue_request", nil)
}

// Books implements Emitter.
func (c *Client) Books() *book.Cache {
	return c.books
}

// SubscriptionByVenueID implements Emitter.
func (c *Client) SubscriptionByVenueID(id string) (Subscription, bool) {
	return c.reg.byVenueID(id)
}

// BindVenueID implements Emitter.
func (c *Client) BindVenueID(channel, symbol, extra, id string) {
	c.reg.bindVenueID(channel, symbol, extra, id)
}
