// Package bitget adapts the Bitget v2 spot public WebSocket API.
package bitget

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://ws.bitget.com/v2/ws/public"
	pingInterval = 25 * time.Second
)

type arg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type command struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

type inbound struct {
	Event  string          `json:"event,omitempty"`
	Code   int             `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Action string          `json:"action,omitempty"`
	Arg    arg             `json:"arg,omitempty"`
	TS     int64           `json:"ts,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type tickerData struct {
	InstID    string          `json:"instId"`
	LastPr    decimal.Decimal `json:"lastPr"`
	BidPr     decimal.Decimal `json:"bidPr"`
	BidSz     decimal.Decimal `json:"bidSz"`
	AskPr     decimal.Decimal `json:"askPr"`
	AskSz     decimal.Decimal `json:"askSz"`
	High24h   decimal.Decimal `json:"high24h"`
	Low24h    decimal.Decimal `json:"low24h"`
	BaseVol   decimal.Decimal `json:"baseVolume"`
	Change24h decimal.Decimal `json:"change24h"`
	TS        string          `json:"ts"`
}

type bookData struct {
	Bids [][]decimal.Decimal `json:"bids"`
	Asks [][]decimal.Decimal `json:"asks"`
	TS   string              `json:"ts"`
}

type tradeData struct {
	TS    string          `json:"ts"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Side  string          `json:"side"`
	ID    string          `json:"tradeId"`
}

// intervalChannel maps a canonical interval to the candle channel.
func intervalChannel(interval string) (string, bool) {
	switch market.NormalizeInterval(interval) {
	case "1m", "5m", "15m", "30m":
		return "candle" + strings.TrimSuffix(market.NormalizeInterval(interval), "m") + "m", true
	case "1h", "4h", "12h":
		return "candle" + strings.TrimSuffix(market.NormalizeInterval(interval), "h") + "H", true
	case "1d":
		return "candle1D", true
	case "1w":
		return "candle1W", true
	}
	return "", false
}

// Adapter implements stream.Adapter for Bitget spot.
type Adapter struct {
	stream.AdapterBase
}

// New creates the Bitget adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "bitget" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) PingMessage() []byte         { return []byte("ping") }
func (a *Adapter) SupportsBatch() bool         { return true }

func (a *Adapter) FormatSymbol(m market.Market) string {
	return strings.ToUpper(m.Base + m.Quote)
}

func (a *Adapter) argFor(sub stream.Subscription) (arg, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return arg{}, err
	}
	instID := a.FormatSymbol(m)
	switch sub.Channel {
	case stream.ChannelTicker:
		return arg{InstType: "SPOT", Channel: "ticker", InstID: instID}, nil
	case stream.ChannelOrderbook:
		return arg{InstType: "SPOT", Channel: "books", InstID: instID}, nil
	case stream.ChannelTrades:
		return arg{InstType: "SPOT", Channel: "trade", InstID: instID}, nil
	case stream.ChannelCandles:
		ch, ok := intervalChannel(sub.Extra)
		if !ok {
			return arg{}, fmt.Errorf("%w: bitget candle interval %q", stream.ErrUnsupportedChannel, sub.Extra)
		}
		return arg{InstType: "SPOT", Channel: ch, InstID: instID}, nil
	}
	return arg{}, fmt.Errorf("%w: bitget has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ar, err := a.argFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Op: "subscribe", Args: []arg{ar}})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ar, err := a.argFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Op: "unsubscribe", Args: []arg{ar}})
}

func (a *Adapter) BatchSubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	args := make([]arg, 0, len(subs))
	for _, sub := range subs {
		ar, err := a.argFor(sub)
		if err != nil {
			return nil, err
		}
		args = append(args, ar)
	}
	data, err := json.Marshal(command{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("pong")) {
		return nil
	}

	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	switch in.Event {
	case "subscribe", "unsubscribe":
		return nil
	case "error":
		a.Emitter().EmitError(fmt.Errorf("%w: bitget %d: %s", stream.ErrProtocol, in.Code, in.Msg))
		return nil
	}

	switch {
	case in.Arg.Channel == "ticker":
		return a.processTicker(in)
	case in.Arg.Channel == "books":
		return a.processBook(in)
	case in.Arg.Channel == "trade":
		return a.processTrades(in)
	case strings.HasPrefix(in.Arg.Channel, "candle"):
		return a.processCandles(in)
	}
	return nil
}

func millis(ts string, fallback int64) int64 {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || ms == 0 {
		return fallback
	}
	return ms
}

func (a *Adapter) processTicker(in inbound) error {
	var rows []tickerData
	if err := json.Unmarshal(in.Data, &rows); err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	for _, t := range rows {
		a.Emitter().EmitTicker(&stream.Ticker{
			Symbol:     market.Normalize(t.InstID),
			Timestamp:  millis(t.TS, in.TS),
			BestBid:    t.BidPr,
			BestBidQty: t.BidSz,
			BestAsk:    t.AskPr,
			BestAskQty: t.AskSz,
			LastPrice:  t.LastPr,
			High24h:    t.High24h,
			Low24h:     t.Low24h,
			Volume24h:  t.BaseVol,
			Change24h:  t.Change24h,
		})
	}
	return nil
}

// processBook handles the books channel: a snapshot action replaces
// the ladder, update actions carry deltas with size zero removing a
// level.
func (a *Adapter) processBook(in inbound) error {
	var rows []bookData
	if err := json.Unmarshal(in.Data, &rows); err != nil {
		return fmt.Errorf("books: %w", err)
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(market.Normalize(in.Arg.InstID))
	for _, bd := range rows {
		ts := millis(bd.TS, in.TS)
		if in.Action == "snapshot" {
			b.ApplySnapshot(toLevels(bd.Bids), toLevels(bd.Asks), ts)
		} else {
			for _, row := range bd.Bids {
				if len(row) < 2 {
					return fmt.Errorf("books: short bid row")
				}
				b.ApplyDelta(book.Bid, book.Level{Price: row[0], Quantity: row[1]}, ts)
			}
			for _, row := range bd.Asks {
				if len(row) < 2 {
					return fmt.Errorf("books: short ask row")
				}
				b.ApplyDelta(book.Ask, book.Level{Price: row[0], Quantity: row[1]}, ts)
			}
		}
		em.EmitOrderbook(b)
	}
	return nil
}

func toLevels(rows [][]decimal.Decimal) []book.Level {
	out := make([]book.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, book.Level{Price: row[0], Quantity: row[1]})
	}
	return out
}

func (a *Adapter) processTrades(in inbound) error {
	var rows []tradeData
	if err := json.Unmarshal(in.Data, &rows); err != nil {
		return fmt.Errorf("trade: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &stream.TradeBatch{Symbol: market.Normalize(in.Arg.InstID), Timestamp: in.TS}
	for _, t := range rows {
		side := stream.SideBuy
		if t.Side == "sell" {
			side = stream.SideSell
		}
		ts := millis(t.TS, in.TS)
		batch.Trades = append(batch.Trades, stream.Trade{
			ID:        t.ID,
			Timestamp: ts,
			Side:      side,
			Price:     t.Price,
			Quantity:  t.Size,
			Amount:    t.Price.Mul(t.Size),
		})
	}
	a.Emitter().EmitTrades(batch)
	return nil
}

// processCandles handles candle rows [ts, open, high, low, close,
// baseVol, ...].
func (a *Adapter) processCandles(in inbound) error {
	var rows [][]decimal.Decimal
	if err := json.Unmarshal(in.Data, &rows); err != nil {
		return fmt.Errorf("candle: %w", err)
	}

	interval := strings.ToLower(strings.TrimPrefix(in.Arg.Channel, "candle"))

	for _, row := range rows {
		if len(row) < 6 {
			return fmt.Errorf("candle: short row")
		}
		a.Emitter().EmitCandle(&stream.Candle{
			Symbol:   market.Normalize(in.Arg.InstID),
			Interval: interval,
			OpenTime: row[0].IntPart(),
			Open:     row[1],
			High:     row[2],
			Low:      row[3],
			Close:    row[4],
			Volume:   row[5],
		})
	}
	return nil
}
