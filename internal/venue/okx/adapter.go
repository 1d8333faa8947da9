// Package okx adapts the OKX v5 public WebSocket API.
package okx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://ws.okx.com:8443/ws/v5/public"
	pingInterval = 25 * time.Second
)

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type command struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

type inbound struct {
	Event  string          `json:"event,omitempty"`
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Arg    arg             `json:"arg,omitempty"`
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type tickerData struct {
	InstID  string          `json:"instId"`
	Last    decimal.Decimal `json:"last"`
	BidPx   decimal.Decimal `json:"bidPx"`
	BidSz   decimal.Decimal `json:"bidSz"`
	AskPx   decimal.Decimal `json:"askPx"`
	AskSz   decimal.Decimal `json:"askSz"`
	High24h decimal.Decimal `json:"high24h"`
	Low24h  decimal.Decimal `json:"low24h"`
	Vol24h  decimal.Decimal `json:"vol24h"`
	TS      string          `json:"ts"`
}

type bookData struct {
	Bids [][]decimal.Decimal `json:"bids"`
	Asks [][]decimal.Decimal `json:"asks"`
	TS   string              `json:"ts"`
}

type tradeData struct {
	InstID  string          `json:"instId"`
	TradeID string          `json:"tradeId"`
	Px      decimal.Decimal `json:"px"`
	Sz      decimal.Decimal `json:"sz"`
	Side    string          `json:"side"`
	TS      string          `json:"ts"`
}

// Adapter implements stream.Adapter for OKX spot. Candles live on the
// separate business endpoint, so only ticker, book and trade channels
// are served here.
type Adapter struct {
	stream.AdapterBase
}

// New creates the OKX adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "okx" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) PingMessage() []byte         { return []byte("ping") }
func (a *Adapter) SupportsBatch() bool         { return true }

func (a *Adapter) FormatSymbol(m market.Market) string {
	return m.Base + "-" + m.Quote
}

func (a *Adapter) argFor(sub stream.Subscription) (arg, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return arg{}, err
	}
	instID := a.FormatSymbol(m)
	switch sub.Channel {
	case stream.ChannelTicker:
		return arg{Channel: "tickers", InstID: instID}, nil
	case stream.ChannelOrderbook:
		return arg{Channel: "books", InstID: instID}, nil
	case stream.ChannelTrades:
		return arg{Channel: "trades", InstID: instID}, nil
	}
	return arg{}, fmt.Errorf("%w: okx public endpoint has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
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
		a.Emitter().EmitError(fmt.Errorf("%w: okx %s: %s", stream.ErrProtocol, in.Code, in.Msg))
		return nil
	}

	switch in.Arg.Channel {
	case "tickers":
		return a.processTicker(in.Data)
	case "books":
		return a.processBook(in)
	case "trades":
		return a.processTrades(in.Data)
	}
	return nil
}

func millis(ts string) int64 {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || ms == 0 {
		return time.Now().UnixMilli()
	}
	return ms
}

func (a *Adapter) processTicker(data json.RawMessage) error {
	var rows []tickerData
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("tickers: %w", err)
	}
	for _, t := range rows {
		a.Emitter().EmitTicker(&stream.Ticker{
			Symbol:     market.Normalize(t.InstID),
			Timestamp:  millis(t.TS),
			BestBid:    t.BidPx,
			BestBidQty: t.BidSz,
			BestAsk:    t.AskPx,
			BestAskQty: t.AskSz,
			LastPrice:  t.Last,
			High24h:    t.High24h,
			Low24h:     t.Low24h,
			Volume24h:  t.Vol24h,
		})
	}
	return nil
}

// processBook handles the books channel, which sends one snapshot after
// subscribing and deltas after that. Rows are [price, size, _, orders];
// size zero removes the level.
func (a *Adapter) processBook(in inbound) error {
	var rows []bookData
	if err := json.Unmarshal(in.Data, &rows); err != nil {
		return fmt.Errorf("books: %w", err)
	}

	em := a.Emitter()
	symbol := market.Normalize(in.Arg.InstID)
	b := em.Books().GetOrCreate(symbol)

	for _, bd := range rows {
		ts := millis(bd.TS)
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

func (a *Adapter) processTrades(data json.RawMessage) error {
	var rows []tradeData
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("trades: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &stream.TradeBatch{Symbol: market.Normalize(rows[0].InstID)}
	for _, t := range rows {
		side := stream.SideBuy
		if t.Side == "sell" {
			side = stream.SideSell
		}
		ts := millis(t.TS)
		batch.Trades = append(batch.Trades, stream.Trade{
			ID:        t.TradeID,
			Timestamp: ts,
			Side:      side,
			Price:     t.Px,
			Quantity:  t.Sz,
			Amount:    t.Px.Mul(t.Sz),
		})
		if ts > batch.Timestamp {
			batch.Timestamp = ts
		}
	}
	a.Emitter().EmitTrades(batch)
	return nil
}
