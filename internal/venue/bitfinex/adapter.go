// Package bitfinex adapts the Bitfinex v2 WebSocket API. Data frames
// are channelId-keyed arrays; the order book uses signed amounts with
// a per-row count, where count zero deletes the level.
package bitfinex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://api-pub.bitfinex.com/ws/2"
	pingInterval = 15 * time.Second
)

// Info codes instructing the client to reconnect.
const (
	codeRestart     = 20051
	codeMaintenance = 20060
)

type subEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Key     string `json:"key"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

type chanInfo struct {
	channel string // logical channel
	symbol  string // canonical symbol
	extra   string
}

// Adapter implements stream.Adapter for Bitfinex. One subscription per
// frame; the venue issues a channel id per subscription which keys all
// subsequent data frames.
type Adapter struct {
	stream.AdapterBase

	mu        sync.Mutex
	chans     map[int64]chanInfo
	chanByKey map[string]int64
}

// New creates the Bitfinex adapter.
func New() *Adapter {
	return &Adapter{
		chans:     make(map[int64]chanInfo),
		chanByKey: make(map[string]int64),
	}
}

func (a *Adapter) Name() string                { return "bitfinex" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) SupportsBatch() bool         { return false }

func (a *Adapter) PingMessage() []byte {
	return []byte(`{"event":"ping","cid":1}`)
}

// FormatSymbol renders tBTCUSD, or the colon form tBTC:USDT when the
// joined pair exceeds six characters.
func (a *Adapter) FormatSymbol(m market.Market) string {
	if len(m.Base)+len(m.Quote) > 6 {
		return "t" + m.Base + ":" + m.Quote
	}
	return "t" + m.Base + m.Quote
}

// parseWireSymbol reverses FormatSymbol.
func parseWireSymbol(s string) string {
	s = strings.TrimPrefix(s, "t")
	if i := strings.Index(s, ":"); i > 0 {
		return s[:i] + "/" + s[i+1:]
	}
	return market.Normalize(s)
}

func (a *Adapter) candleKey(sub stream.Subscription) string {
	m, _ := market.Parse(sub.Symbol)
	return "trade:" + sub.Extra + ":" + a.FormatSymbol(m)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return nil, err
	}

	req := map[string]string{"event": "subscribe"}
	switch sub.Channel {
	case stream.ChannelTicker:
		req["channel"] = "ticker"
		req["symbol"] = a.FormatSymbol(m)
	case stream.ChannelOrderbook:
		req["channel"] = "book"
		req["symbol"] = a.FormatSymbol(m)
		req["prec"] = "P0"
		req["freq"] = "F0"
		req["len"] = "25"
	case stream.ChannelTrades:
		req["channel"] = "trades"
		req["symbol"] = a.FormatSymbol(m)
	case stream.ChannelCandles:
		req["channel"] = "candles"
		req["key"] = a.candleKey(sub)
	default:
		return nil, fmt.Errorf("%w: bitfinex has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
	}
	return json.Marshal(req)
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	a.mu.Lock()
	chanID, ok := a.chanByKey[sub.Key()]
	a.mu.Unlock()
	if !ok {
		return nil, nil // never confirmed; nothing to send
	}
	return json.Marshal(map[string]any{"event": "unsubscribe", "chanId": chanID})
}

func (a *Adapter) BatchSubscribeFrames(_ []stream.Subscription) ([][]byte, error) {
	return nil, fmt.Errorf("bitfinex: batch subscription not supported")
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty frame")
	}
	if trimmed[0] == '{' {
		return a.processEvent(trimmed)
	}
	return a.processData(trimmed)
}

func (a *Adapter) processEvent(data []byte) error {
	var ev subEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("event: %w", err)
	}

	em := a.Emitter()
	switch ev.Event {
	case "info":
		if ev.Code == codeRestart || ev.Code == codeMaintenance {
			em.RequestReconnect()
		}
	case "pong":
	case "error":
		em.EmitError(fmt.Errorf("%w: bitfinex %d: %s", stream.ErrProtocol, ev.Code, ev.Msg))
	case "subscribed":
		a.registerChannel(ev)
	case "unsubscribed":
		a.mu.Lock()
		if info, ok := a.chans[ev.ChanID]; ok {
			delete(a.chanByKey, stream.Subscription{Channel: info.channel, Symbol: info.symbol, Extra: info.extra}.Key())
			delete(a.chans, ev.ChanID)
		}
		a.mu.Unlock()
	}
	return nil
}

func (a *Adapter) registerChannel(ev subEvent) {
	info := chanInfo{}
	switch ev.Channel {
	case "ticker":
		info = chanInfo{channel: stream.ChannelTicker, symbol: parseWireSymbol(ev.Symbol)}
	case "book":
		info = chanInfo{channel: stream.ChannelOrderbook, symbol: parseWireSymbol(ev.Symbol)}
	case "trades":
		info = chanInfo{channel: stream.ChannelTrades, symbol: parseWireSymbol(ev.Symbol)}
	case "candles":
		// key: trade:1m:tBTCUSD
		parts := strings.SplitN(ev.Key, ":", 3)
		if len(parts) == 3 {
			info = chanInfo{channel: stream.ChannelCandles, symbol: parseWireSymbol(parts[2]), extra: parts[1]}
		}
	default:
		return
	}

	a.mu.Lock()
	a.chans[ev.ChanID] = info
	a.chanByKey[stream.Subscription{Channel: info.channel, Symbol: info.symbol, Extra: info.extra}.Key()] = ev.ChanID
	a.mu.Unlock()

	a.Emitter().BindVenueID(info.channel, info.symbol, info.extra, strconv.FormatInt(ev.ChanID, 10))
}

func (a *Adapter) processData(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("data frame: %w", err)
	}
	if len(parts) < 2 {
		return fmt.Errorf("short data frame")
	}

	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return fmt.Errorf("chanId: %w", err)
	}

	// Heartbeat and trade execution markers arrive as strings.
	var marker string
	payload := parts[1]
	if err := json.Unmarshal(parts[1], &marker); err == nil {
		if marker == "hb" {
			return nil
		}
		if len(parts) < 3 {
			return fmt.Errorf("short %s frame", marker)
		}
		payload = parts[2]
	}

	a.mu.Lock()
	info, ok := a.chans[chanID]
	a.mu.Unlock()
	if !ok {
		return nil // data for a channel we no longer track
	}

	switch info.channel {
	case stream.ChannelTicker:
		return a.processTicker(info, payload)
	case stream.ChannelOrderbook:
		return a.processBook(info, payload)
	case stream.ChannelTrades:
		return a.processTrades(info, marker, payload)
	case stream.ChannelCandles:
		return a.processCandles(info, payload)
	}
	return nil
}

func (a *Adapter) processTicker(info chanInfo, payload json.RawMessage) error {
	var row []decimal.Decimal
	if err := json.Unmarshal(payload, &row); err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	if len(row) < 10 {
		return fmt.Errorf("ticker: want 10 fields, got %d", len(row))
	}

	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:     info.symbol,
		Timestamp:  time.Now().UnixMilli(),
		BestBid:    row[0],
		BestBidQty: row[1],
		BestAsk:    row[2],
		BestAskQty: row[3],
		Change24h:  row[4],
		LastPrice:  row[6],
		Volume24h:  row[7],
		High24h:    row[8],
		Low24h:     row[9],
	})
	return nil
}

// processBook handles both shapes: a snapshot is an array of
// [price, count, amount] rows, an update a single such row.
func (a *Adapter) processBook(info chanInfo, payload json.RawMessage) error {
	em := a.Emitter()
	b := em.Books().GetOrCreate(info.symbol)
	ts := time.Now().UnixMilli()

	if isNestedArray(payload) {
		var rows [][]decimal.Decimal
		if err := json.Unmarshal(payload, &rows); err != nil {
			return fmt.Errorf("book snapshot: %w", err)
		}
		var bids, asks []book.Level
		for _, row := range rows {
			if len(row) < 3 {
				return fmt.Errorf("book snapshot: short row")
			}
			lv := book.Level{Price: row[0], Quantity: row[2].Abs(), Count: int(row[1].IntPart())}
			if row[2].Sign() >= 0 {
				bids = append(bids, lv)
			} else {
				asks = append(asks, lv)
			}
		}
		b.ApplySnapshot(bids, asks, ts)
	} else {
		var row []decimal.Decimal
		if err := json.Unmarshal(payload, &row); err != nil {
			return fmt.Errorf("book update: %w", err)
		}
		if len(row) < 3 {
			return fmt.Errorf("book update: short row")
		}
		b.ApplySigned(row[0], row[2], int(row[1].IntPart()), ts)
	}

	em.EmitOrderbook(b)
	return nil
}

func (a *Adapter) processTrades(info chanInfo, marker string, payload json.RawMessage) error {
	// "tu" frames duplicate "te" with the settled id; skip them.
	if marker == "tu" {
		return nil
	}

	var rows [][]decimal.Decimal
	if isNestedArray(payload) {
		if err := json.Unmarshal(payload, &rows); err != nil {
			return fmt.Errorf("trades snapshot: %w", err)
		}
	} else {
		var row []decimal.Decimal
		if err := json.Unmarshal(payload, &row); err != nil {
			return fmt.Errorf("trade: %w", err)
		}
		rows = [][]decimal.Decimal{row}
	}

	batch := &stream.TradeBatch{Symbol: info.symbol}
	for _, row := range rows {
		if len(row) < 4 {
			return fmt.Errorf("trade: short row")
		}
		side := stream.SideBuy
		if row[2].Sign() < 0 {
			side = stream.SideSell
		}
		ts := row[1].IntPart()
		qty := row[2].Abs()
		batch.Trades = append(batch.Trades, stream.Trade{
			ID:        row[0].String(),
			Timestamp: ts,
			Side:      side,
			Price:     row[3],
			Quantity:  qty,
			Amount:    row[3].Mul(qty),
		})
		if ts > batch.Timestamp {
			batch.Timestamp = ts
		}
	}
	a.Emitter().EmitTrades(batch)
	return nil
}

func (a *Adapter) processCandles(info chanInfo, payload json.RawMessage) error {
	var rows [][]decimal.Decimal
	if isNestedArray(payload) {
		if err := json.Unmarshal(payload, &rows); err != nil {
			return fmt.Errorf("candles snapshot: %w", err)
		}
	} else {
		var row []decimal.Decimal
		if err := json.Unmarshal(payload, &row); err != nil {
			return fmt.Errorf("candle: %w", err)
		}
		rows = [][]decimal.Decimal{row}
	}

	for _, row := range rows {
		if len(row) < 6 {
			return fmt.Errorf("candle: short row")
		}
		a.Emitter().EmitCandle(&stream.Candle{
			Symbol:   info.symbol,
			Interval: info.extra,
			OpenTime: row[0].IntPart(),
			Open:     row[1],
			Close:    row[2],
			High:     row[3],
			Low:      row[4],
			Volume:   row[5],
		})
	}
	return nil
}

// isNestedArray reports whether the payload's first element is itself
// an array, which distinguishes snapshot frames from single rows.
func isNestedArray(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) < 2 || trimmed[0] != '[' {
		return false
	}
	rest := bytes.TrimSpace(trimmed[1:])
	return len(rest) > 0 && rest[0] == '['
}
