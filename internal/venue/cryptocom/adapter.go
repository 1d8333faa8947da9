// Package cryptocom adapts the Crypto.com Exchange v1 market WebSocket
// API. The server drives the heartbeat: every public/heartbeat request
// must be answered with public/respond-heartbeat carrying the same id.
package cryptocom

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://stream.crypto.com/exchange/v1/market"
	bookDepth    = "10"
	pingInterval = 30 * time.Second
)

type command struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params *commandParams `json:"params,omitempty"`
	Nonce  int64          `json:"nonce,omitempty"`
}

type commandParams struct {
	Channels []string `json:"channels"`
}

type inbound struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Code   int             `json:"code"`
	Msg    string          `json:"message,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type result struct {
	Channel        string          `json:"channel"`
	Subscription   string          `json:"subscription"`
	InstrumentName string          `json:"instrument_name"`
	Interval       string          `json:"interval,omitempty"`
	Data           json.RawMessage `json:"data"`
}

type tickerRow struct {
	Last    decimal.Decimal `json:"a"`
	Bid     decimal.Decimal `json:"b"`
	BidSize decimal.Decimal `json:"bs"`
	Ask     decimal.Decimal `json:"k"`
	AskSize decimal.Decimal `json:"ks"`
	High    decimal.Decimal `json:"h"`
	Low     decimal.Decimal `json:"l"`
	Volume  decimal.Decimal `json:"v"`
	Change  decimal.Decimal `json:"c"`
	Time    int64           `json:"t"`
}

type bookRow struct {
	Bids [][]decimal.Decimal `json:"bids"`
	Asks [][]decimal.Decimal `json:"asks"`
	Time int64               `json:"t"`
}

type tradeRow struct {
	ID    json.Number     `json:"d"`
	Time  int64           `json:"t"`
	Price decimal.Decimal `json:"p"`
	Qty   decimal.Decimal `json:"q"`
	Side  string          `json:"s"` // BUY / SELL
}

type candleRow struct {
	Start  int64           `json:"t"`
	Open   decimal.Decimal `json:"o"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Close  decimal.Decimal `json:"c"`
	Volume decimal.Decimal `json:"v"`
}

// Adapter implements stream.Adapter for Crypto.com spot.
type Adapter struct {
	stream.AdapterBase

	reqID atomic.Int64
}

// New creates the Crypto.com adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "cryptocom" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) PingMessage() []byte         { return nil } // server drives the heartbeat
func (a *Adapter) SupportsBatch() bool         { return true }

func (a *Adapter) FormatSymbol(m market.Market) string {
	return m.Base + "_" + m.Quote
}

func (a *Adapter) channelFor(sub stream.Subscription) (string, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return "", err
	}
	inst := a.FormatSymbol(m)
	switch sub.Channel {
	case stream.ChannelTicker:
		return "ticker." + inst, nil
	case stream.ChannelOrderbook:
		return "book." + inst + "." + bookDepth, nil
	case stream.ChannelTrades:
		return "trade." + inst, nil
	case stream.ChannelCandles:
		return "candlestick." + market.IntervalToCryptoCom(market.NormalizeInterval(sub.Extra)) + "." + inst, nil
	}
	return "", fmt.Errorf("%w: cryptocom has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) commandFor(method string, channels []string) ([]byte, error) {
	return json.Marshal(command{
		ID:     a.reqID.Add(1),
		Method: method,
		Params: &commandParams{Channels: channels},
		Nonce:  time.Now().UnixMilli(),
	})
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ch, err := a.channelFor(sub)
	if err != nil {
		return nil, err
	}
	return a.commandFor("subscribe", []string{ch})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ch, err := a.channelFor(sub)
	if err != nil {
		return nil, err
	}
	return a.commandFor("unsubscribe", []string{ch})
}

func (a *Adapter) BatchSubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	channels := make([]string, 0, len(subs))
	for _, sub := range subs {
		ch, err := a.channelFor(sub)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	data, err := a.commandFor("subscribe", channels)
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

	em := a.Emitter()
	switch {
	case in.Method == "public/heartbeat":
		reply, _ := json.Marshal(command{ID: in.ID, Method: "public/respond-heartbeat"})
		return em.Send(reply)
	case in.Code != 0:
		em.EmitError(fmt.Errorf("%w: cryptocom %d: %s", stream.ErrProtocol, in.Code, in.Msg))
		return nil
	case in.Method != "subscribe" || len(in.Result) == 0:
		return nil
	}

	var res result
	if err := json.Unmarshal(in.Result, &res); err != nil {
		return fmt.Errorf("result: %w", err)
	}

	switch res.Channel {
	case "ticker":
		return a.processTicker(res)
	case "book":
		return a.processBook(res)
	case "trade":
		return a.processTrades(res)
	case "candlestick":
		return a.processCandles(res)
	}
	return nil
}

func (a *Adapter) processTicker(res result) error {
	var rows []tickerRow
	if err := json.Unmarshal(res.Data, &rows); err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	for _, t := range rows {
		a.Emitter().EmitTicker(&stream.Ticker{
			Symbol:     market.Normalize(res.InstrumentName),
			Timestamp:  t.Time,
			BestBid:    t.Bid,
			BestBidQty: t.BidSize,
			BestAsk:    t.Ask,
			BestAskQty: t.AskSize,
			LastPrice:  t.Last,
			High24h:    t.High,
			Low24h:     t.Low,
			Volume24h:  t.Volume,
			Change24h:  t.Change,
		})
	}
	return nil
}

// processBook applies a book push, a full limited snapshot.
func (a *Adapter) processBook(res result) error {
	var rows []bookRow
	if err := json.Unmarshal(res.Data, &rows); err != nil {
		return fmt.Errorf("book: %w", err)
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(market.Normalize(res.InstrumentName))
	for _, br := range rows {
		b.ApplySnapshot(toLevels(br.Bids), toLevels(br.Asks), br.Time)
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
		lv := book.Level{Price: row[0], Quantity: row[1]}
		if len(row) > 2 {
			lv.Count = int(row[2].IntPart())
		}
		out = append(out, lv)
	}
	return out
}

func (a *Adapter) processTrades(res result) error {
	var rows []tradeRow
	if err := json.Unmarshal(res.Data, &rows); err != nil {
		return fmt.Errorf("trade: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &stream.TradeBatch{Symbol: market.Normalize(res.InstrumentName)}
	for _, t := range rows {
		side := stream.SideBuy
		if strings.EqualFold(t.Side, "SELL") {
			side = stream.SideSell
		}
		batch.Trades = append(batch.Trades, stream.Trade{
			ID:        t.ID.String(),
			Timestamp: t.Time,
			Side:      side,
			Price:     t.Price,
			Quantity:  t.Qty,
			Amount:    t.Price.Mul(t.Qty),
		})
		if t.Time > batch.Timestamp {
			batch.Timestamp = t.Time
		}
	}
	a.Emitter().EmitTrades(batch)
	return nil
}

func (a *Adapter) processCandles(res result) error {
	var rows []candleRow
	if err := json.Unmarshal(res.Data, &rows); err != nil {
		return fmt.Errorf("candlestick: %w", err)
	}

	// Subscription: candlestick.{interval}.{instrument}
	interval := res.Interval
	if interval == "" {
		parts := strings.SplitN(res.Subscription, ".", 3)
		if len(parts) == 3 {
			interval = parts[1]
		}
	}

	for _, c := range rows {
		a.Emitter().EmitCandle(&stream.Candle{
			Symbol:   market.Normalize(res.InstrumentName),
			Interval: fromCryptoComInterval(interval),
			OpenTime: c.Start,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
		})
	}
	return nil
}

// fromCryptoComInterval reverses market.IntervalToCryptoCom.
func fromCryptoComInterval(iv string) string {
	switch iv {
	case "7D":
		return market.Interval1w
	case "1MONTH":
		return market.Interval1M
	}
	if len(iv) < 2 {
		return iv
	}
	n := iv[:len(iv)-1]
	switch iv[len(iv)-1] {
	case 'M':
		return n + "m"
	case 'H':
		return n + "h"
	case 'D':
		if d, err := strconv.Atoi(n); err == nil && d == 1 {
			return market.Interval1d
		}
		return n + "d"
	}
	return iv
}
