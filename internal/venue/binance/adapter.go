// Package binance adapts the Binance spot combined-stream WebSocket
// API. Streams are managed with SUBSCRIBE/UNSUBSCRIBE method frames and
// every data frame arrives wrapped with its stream name.
package binance

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
	wsURL        = "wss://stream.binance.com:9443/stream"
	pingInterval = 30 * time.Second
)

type command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type wrapper struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id,omitempty"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error,omitempty"`
}

type bookTickerData struct {
	Symbol   string          `json:"s"`
	BidPrice decimal.Decimal `json:"b"`
	BidQty   decimal.Decimal `json:"B"`
	AskPrice decimal.Decimal `json:"a"`
	AskQty   decimal.Decimal `json:"A"`
}

type depthData struct {
	LastUpdateID int64               `json:"lastUpdateId"`
	Bids         [][]decimal.Decimal `json:"bids"`
	Asks         [][]decimal.Decimal `json:"asks"`
}

type tradeData struct {
	Symbol     string          `json:"s"`
	TradeID    int64           `json:"t"`
	Price      decimal.Decimal `json:"p"`
	Qty        decimal.Decimal `json:"q"`
	TradeTime  int64           `json:"T"`
	BuyerMaker bool            `json:"m"`
}

type klineData struct {
	Symbol string `json:"s"`
	Kline  struct {
		Start    int64           `json:"t"`
		Interval string          `json:"i"`
		Open     decimal.Decimal `json:"o"`
		Close    decimal.Decimal `json:"c"`
		High     decimal.Decimal `json:"h"`
		Low      decimal.Decimal `json:"l"`
		Volume   decimal.Decimal `json:"v"`
		Closed   bool            `json:"x"`
	} `json:"k"`
}

// Adapter implements stream.Adapter for Binance spot. The partial-depth
// stream pushes a full top-20 snapshot, so no REST seeding is needed.
type Adapter struct {
	stream.AdapterBase

	reqID atomic.Int64
}

// New creates the Binance adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "binance" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) PingMessage() []byte         { return nil } // transport ping
func (a *Adapter) SupportsBatch() bool         { return true }

func (a *Adapter) FormatSymbol(m market.Market) string {
	return strings.ToUpper(m.Base + m.Quote)
}

func (a *Adapter) streamName(sub stream.Subscription) (string, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return "", err
	}
	pair := strings.ToLower(a.FormatSymbol(m))
	switch sub.Channel {
	case stream.ChannelTicker:
		return pair + "@bookTicker", nil
	case stream.ChannelOrderbook:
		return pair + "@depth20@100ms", nil
	case stream.ChannelTrades:
		return pair + "@trade", nil
	case stream.ChannelCandles:
		return pair + "@kline_" + market.NormalizeInterval(sub.Extra), nil
	}
	return "", fmt.Errorf("%w: binance has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	name, err := a.streamName(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Method: "SUBSCRIBE", Params: []string{name}, ID: a.reqID.Add(1)})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	name, err := a.streamName(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Method: "UNSUBSCRIBE", Params: []string{name}, ID: a.reqID.Add(1)})
}

func (a *Adapter) BatchSubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	names := make([]string, 0, len(subs))
	for _, sub := range subs {
		name, err := a.streamName(sub)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	data, err := json.Marshal(command{Method: "SUBSCRIBE", Params: names, ID: a.reqID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	var w wrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	if w.Stream == "" {
		// Command ack or error response.
		if w.Error != nil {
			a.Emitter().EmitError(fmt.Errorf("%w: binance %d: %s", stream.ErrProtocol, w.Error.Code, w.Error.Msg))
		}
		return nil
	}

	switch {
	case strings.HasSuffix(w.Stream, "@bookTicker"):
		return a.processTicker(w.Data)
	case strings.Contains(w.Stream, "@depth"):
		return a.processDepth(w.Stream, w.Data)
	case strings.HasSuffix(w.Stream, "@trade"):
		return a.processTrade(w.Data)
	case strings.Contains(w.Stream, "@kline_"):
		return a.processKline(w.Data)
	}
	return nil
}

func (a *Adapter) processTicker(data json.RawMessage) error {
	var bt bookTickerData
	if err := json.Unmarshal(data, &bt); err != nil {
		return fmt.Errorf("bookTicker: %w", err)
	}
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:     market.Normalize(bt.Symbol),
		Timestamp:  time.Now().UnixMilli(),
		BestBid:    bt.BidPrice,
		BestBidQty: bt.BidQty,
		BestAsk:    bt.AskPrice,
		BestAskQty: bt.AskQty,
	})
	return nil
}

// processDepth applies a partial-depth push, a full top-N snapshot.
// The payload carries no symbol, only the stream name does.
func (a *Adapter) processDepth(streamName string, data json.RawMessage) error {
	var dd depthData
	if err := json.Unmarshal(data, &dd); err != nil {
		return fmt.Errorf("depth: %w", err)
	}

	pair, _, _ := strings.Cut(streamName, "@")
	symbol := market.Normalize(strings.ToUpper(pair))

	em := a.Emitter()
	b := em.Books().GetOrCreate(symbol)
	b.ApplySnapshot(toLevels(dd.Bids), toLevels(dd.Asks), time.Now().UnixMilli())
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

func (a *Adapter) processTrade(data json.RawMessage) error {
	var td tradeData
	if err := json.Unmarshal(data, &td); err != nil {
		return fmt.Errorf("trade: %w", err)
	}

	// Buyer-is-maker means the aggressor sold.
	side := stream.SideBuy
	if td.BuyerMaker {
		side = stream.SideSell
	}
	a.Emitter().EmitTrades(&stream.TradeBatch{
		Symbol:    market.Normalize(td.Symbol),
		Timestamp: td.TradeTime,
		Trades: []stream.Trade{{
			ID:        strconv.FormatInt(td.TradeID, 10),
			Timestamp: td.TradeTime,
			Side:      side,
			Price:     td.Price,
			Quantity:  td.Qty,
			Amount:    td.Price.Mul(td.Qty),
		}},
	})
	return nil
}

func (a *Adapter) processKline(data json.RawMessage) error {
	var kd klineData
	if err := json.Unmarshal(data, &kd); err != nil {
		return fmt.Errorf("kline: %w", err)
	}
	a.Emitter().EmitCandle(&stream.Candle{
		Symbol:    market.Normalize(kd.Symbol),
		Interval:  kd.Kline.Interval,
		OpenTime:  kd.Kline.Start,
		Open:      kd.Kline.Open,
		High:      kd.Kline.High,
		Low:       kd.Kline.Low,
		Close:     kd.Kline.Close,
		Volume:    kd.Kline.Volume,
		Completed: kd.Kline.Closed,
	})
	return nil
}
