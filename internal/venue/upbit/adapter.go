// Package upbit adapts the Upbit WebSocket API. Each subscription
// frame replaces the whole session subscription, so the adapter keeps
// the desired set and always renders the union.
package upbit

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://api.upbit.com/websocket/v1"
	ticket       = "cryptofeed-ingest"
	pingInterval = 30 * time.Second
)

type inbound struct {
	Type           string          `json:"type"`
	Code           string          `json:"code"`
	Status         string          `json:"status,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	TradePrice     decimal.Decimal `json:"trade_price"`
	TradeVolume    decimal.Decimal `json:"trade_volume"`
	TradeTimestamp int64           `json:"trade_timestamp"`
	AskBid         string          `json:"ask_bid"`
	SequentialID   int64           `json:"sequential_id"`
	HighPrice      decimal.Decimal `json:"high_price"`
	LowPrice       decimal.Decimal `json:"low_price"`
	AccVolume24h   decimal.Decimal `json:"acc_trade_volume_24h"`
	SignedChange   decimal.Decimal `json:"signed_change_price"`
	Units          []orderbookUnit `json:"orderbook_units,omitempty"`
	Error          *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type orderbookUnit struct {
	AskPrice decimal.Decimal `json:"ask_price"`
	BidPrice decimal.Decimal `json:"bid_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	BidSize  decimal.Decimal `json:"bid_size"`
}

// Adapter implements stream.Adapter for Upbit. Candles are not on the
// public stream.
type Adapter struct {
	stream.AdapterBase

	mu      sync.Mutex
	desired map[string]map[string]bool // wire type -> set of codes
	order   []string                   // code insertion order per session
}

// New creates the Upbit adapter.
func New() *Adapter {
	return &Adapter{desired: make(map[string]map[string]bool)}
}

func (a *Adapter) Name() string                { return "upbit" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) PingMessage() []byte         { return []byte("PING") }
func (a *Adapter) SupportsBatch() bool         { return true }

// FormatSymbol renders the quote-first code, e.g. KRW-BTC.
func (a *Adapter) FormatSymbol(m market.Market) string {
	return m.Quote + "-" + m.Base
}

// codeSymbol reverses the quote-first code.
func codeSymbol(code string) string {
	quote, base, ok := strings.Cut(code, "-")
	if !ok {
		return ""
	}
	return base + "/" + quote
}

func wireType(channel string) (string, error) {
	switch channel {
	case stream.ChannelTicker:
		return "ticker", nil
	case stream.ChannelOrderbook:
		return "orderbook", nil
	case stream.ChannelTrades:
		return "trade", nil
	}
	return "", fmt.Errorf("%w: upbit has no %s channel", stream.ErrUnsupportedChannel, channel)
}

// render builds the full replacement frame from the desired set.
func (a *Adapter) render() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parts := []any{map[string]string{"ticket": ticket}}
	for _, wt := range []string{"ticker", "orderbook", "trade"} {
		codes := a.desired[wt]
		if len(codes) == 0 {
			continue
		}
		list := make([]string, 0, len(codes))
		for _, code := range a.order {
			if codes[code] {
				list = append(list, code)
			}
		}
		parts = append(parts, map[string]any{"type": wt, "codes": list})
	}
	parts = append(parts, map[string]string{"format": "DEFAULT"})
	return json.Marshal(parts)
}

func (a *Adapter) mark(sub stream.Subscription, on bool) error {
	wt, err := wireType(sub.Channel)
	if err != nil {
		return err
	}
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return err
	}
	code := a.FormatSymbol(m)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.desired[wt] == nil {
		a.desired[wt] = make(map[string]bool)
	}
	if on && !a.seen(code) {
		a.order = append(a.order, code)
	}
	a.desired[wt][code] = on
	return nil
}

func (a *Adapter) seen(code string) bool {
	for _, c := range a.order {
		if c == code {
			return true
		}
	}
	return false
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	if err := a.mark(sub, true); err != nil {
		return nil, err
	}
	return a.render()
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	if err := a.mark(sub, false); err != nil {
		return nil, err
	}
	return a.render()
}

// BatchSubscribeFrames folds every descriptor into one replacement
// frame.
func (a *Adapter) BatchSubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	for _, sub := range subs {
		if err := a.mark(sub, true); err != nil {
			return nil, err
		}
	}
	data, err := a.render()
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	if in.Error != nil {
		a.Emitter().EmitError(fmt.Errorf("%w: upbit %s: %s", stream.ErrProtocol, in.Error.Name, in.Error.Message))
		return nil
	}
	if in.Status != "" {
		return nil // PING reply {"status":"UP"}
	}

	switch in.Type {
	case "ticker":
		return a.processTicker(in)
	case "orderbook":
		return a.processOrderbook(in)
	case "trade":
		return a.processTrade(in)
	}
	return nil
}

func (a *Adapter) processTicker(in inbound) error {
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:    codeSymbol(in.Code),
		Timestamp: in.Timestamp,
		LastPrice: in.TradePrice,
		High24h:   in.HighPrice,
		Low24h:    in.LowPrice,
		Volume24h: in.AccVolume24h,
		Change24h: in.SignedChange,
	})
	return nil
}

// processOrderbook applies an orderbook push, a full snapshot of
// paired bid/ask units.
func (a *Adapter) processOrderbook(in inbound) error {
	bids := make([]book.Level, 0, len(in.Units))
	asks := make([]book.Level, 0, len(in.Units))
	for _, u := range in.Units {
		bids = append(bids, book.Level{Price: u.BidPrice, Quantity: u.BidSize})
		asks = append(asks, book.Level{Price: u.AskPrice, Quantity: u.AskSize})
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(codeSymbol(in.Code))
	b.ApplySnapshot(bids, asks, in.Timestamp)
	em.EmitOrderbook(b)
	return nil
}

func (a *Adapter) processTrade(in inbound) error {
	side := stream.SideSell
	if in.AskBid == "BID" {
		side = stream.SideBuy
	}
	ts := in.TradeTimestamp
	if ts == 0 {
		ts = in.Timestamp
	}

	a.Emitter().EmitTrades(&stream.TradeBatch{
		Symbol:    codeSymbol(in.Code),
		Timestamp: ts,
		Trades: []stream.Trade{{
			ID:        fmt.Sprintf("%d", in.SequentialID),
			Timestamp: ts,
			Side:      side,
			Price:     in.TradePrice,
			Quantity:  in.TradeVolume,
			Amount:    in.TradePrice.Mul(in.TradeVolume),
		}},
	})
	return nil
}
