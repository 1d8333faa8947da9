// Package bybit adapts the Bybit v5 spot public WebSocket API.
package bybit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://stream.bybit.com/v5/public/spot"
	bookDepth    = "50"
	pingInterval = 20 * time.Second
)

type command struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type inbound struct {
	Op      string          `json:"op,omitempty"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	TS      int64           `json:"ts,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type tickerData struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	High24h   decimal.Decimal `json:"highPrice24h"`
	Low24h    decimal.Decimal `json:"lowPrice24h"`
	Volume24h decimal.Decimal `json:"volume24h"`
}

type bookPayload struct {
	Symbol string              `json:"s"`
	Bids   [][]decimal.Decimal `json:"b"`
	Asks   [][]decimal.Decimal `json:"a"`
}

type tradeRow struct {
	ID     string          `json:"i"`
	Time   int64           `json:"T"`
	Price  decimal.Decimal `json:"p"`
	Qty    decimal.Decimal `json:"v"`
	Side   string          `json:"S"` // Buy / Sell
	Symbol string          `json:"s"`
}

type klineRow struct {
	Start    int64           `json:"start"`
	Interval string          `json:"interval"`
	Open     decimal.Decimal `json:"open"`
	Close    decimal.Decimal `json:"close"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Volume   decimal.Decimal `json:"volume"`
	Confirm  bool            `json:"confirm"`
}

// intervalCode maps canonical intervals to Bybit kline codes.
func intervalCode(interval string) (string, bool) {
	switch market.NormalizeInterval(interval) {
	case "1m":
		return "1", true
	case "5m":
		return "5", true
	case "15m":
		return "15", true
	case "30m":
		return "30", true
	case "1h":
		return "60", true
	case "4h":
		return "240", true
	case "1d":
		return "D", true
	case "1w":
		return "W", true
	case market.Interval1M:
		return "M", true
	}
	return "", false
}

// Adapter implements stream.Adapter for Bybit spot.
type Adapter struct {
	stream.AdapterBase
}

// New creates the Bybit adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "bybit" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) SupportsBatch() bool         { return true }

func (a *Adapter) PingMessage() []byte {
	data, _ := json.Marshal(command{Op: "ping"})
	return data
}

func (a *Adapter) FormatSymbol(m market.Market) string {
	return strings.ToUpper(m.Base + m.Quote)
}

func (a *Adapter) topic(sub stream.Subscription) (string, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return "", err
	}
	pair := a.FormatSymbol(m)
	switch sub.Channel {
	case stream.ChannelTicker:
		return "tickers." + pair, nil
	case stream.ChannelOrderbook:
		return "orderbook." + bookDepth + "." + pair, nil
	case stream.ChannelTrades:
		return "publicTrade." + pair, nil
	case stream.ChannelCandles:
		code, ok := intervalCode(sub.Extra)
		if !ok {
			return "", fmt.Errorf("%w: bybit kline interval %q", stream.ErrUnsupportedChannel, sub.Extra)
		}
		return "kline." + code + "." + pair, nil
	}
	return "", fmt.Errorf("%w: bybit has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	topic, err := a.topic(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Op: "subscribe", Args: []string{topic}})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	topic, err := a.topic(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Op: "unsubscribe", Args: []string{topic}})
}

func (a *Adapter) BatchSubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topic, err := a.topic(sub)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	data, err := json.Marshal(command{Op: "subscribe", Args: topics})
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

	if in.Topic == "" {
		// Op responses: pong, subscribe acks, rejections.
		if in.Success != nil && !*in.Success {
			a.Emitter().EmitError(fmt.Errorf("%w: bybit %s rejected: %s", stream.ErrProtocol, in.Op, in.RetMsg))
		}
		return nil
	}

	switch {
	case strings.HasPrefix(in.Topic, "tickers."):
		return a.processTicker(in)
	case strings.HasPrefix(in.Topic, "orderbook."):
		return a.processBook(in)
	case strings.HasPrefix(in.Topic, "publicTrade."):
		return a.processTrades(in)
	case strings.HasPrefix(in.Topic, "kline."):
		return a.processKline(in)
	}
	return nil
}

func (a *Adapter) processTicker(in inbound) error {
	var td tickerData
	if err := json.Unmarshal(in.Data, &td); err != nil {
		return fmt.Errorf("tickers: %w", err)
	}
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:    market.Normalize(td.Symbol),
		Timestamp: in.TS,
		LastPrice: td.LastPrice,
		High24h:   td.High24h,
		Low24h:    td.Low24h,
		Volume24h: td.Volume24h,
	})
	return nil
}

func (a *Adapter) processBook(in inbound) error {
	var bp bookPayload
	if err := json.Unmarshal(in.Data, &bp); err != nil {
		return fmt.Errorf("orderbook: %w", err)
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(market.Normalize(bp.Symbol))
	if in.Type == "snapshot" {
		b.ApplySnapshot(toLevels(bp.Bids), toLevels(bp.Asks), in.TS)
	} else {
		for _, row := range bp.Bids {
			if len(row) < 2 {
				return fmt.Errorf("orderbook: short bid row")
			}
			b.ApplyDelta(book.Bid, book.Level{Price: row[0], Quantity: row[1]}, in.TS)
		}
		for _, row := range bp.Asks {
			if len(row) < 2 {
				return fmt.Errorf("orderbook: short ask row")
			}
			b.ApplyDelta(book.Ask, book.Level{Price: row[0], Quantity: row[1]}, in.TS)
		}
	}
	em.EmitOrderbook(b)
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
	var rows []tradeRow
	if err := json.Unmarshal(in.Data, &rows); err != nil {
		return fmt.Errorf("publicTrade: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &stream.TradeBatch{Symbol: market.Normalize(rows[0].Symbol), Timestamp: in.TS}
	for _, t := range rows {
		side := stream.SideBuy
		if t.Side == "Sell" {
			side = stream.SideSell
		}
		batch.Trades = append(batch.Trades, stream.Trade{
			ID:        t.ID,
			Timestamp: t.Time,
			Side:      side,
			Price:     t.Price,
			Quantity:  t.Qty,
			Amount:    t.Price.Mul(t.Qty),
		})
	}
	a.Emitter().EmitTrades(batch)
	return nil
}

func (a *Adapter) processKline(in inbound) error {
	var rows []klineRow
	if err := json.Unmarshal(in.Data, &rows); err != nil {
		return fmt.Errorf("kline: %w", err)
	}

	// Topic: kline.{interval}.{symbol}
	parts := strings.SplitN(in.Topic, ".", 3)
	if len(parts) != 3 {
		return fmt.Errorf("kline: bad topic %q", in.Topic)
	}
	symbol := market.Normalize(parts[2])

	for _, k := range rows {
		a.Emitter().EmitCandle(&stream.Candle{
			Symbol:    symbol,
			Interval:  k.Interval,
			OpenTime:  k.Start,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
			Completed: k.Confirm,
		})
	}
	return nil
}
