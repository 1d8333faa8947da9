// Package gateio adapts the Gate.io spot v4 WebSocket API.
package gateio

import (
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
	wsURL        = "wss://api.gateio.ws/ws/v4/"
	bookDepth    = "20"
	bookInterval = "1000ms"
	pingInterval = 15 * time.Second
)

type command struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload,omitempty"`
}

type inbound struct {
	Time    int64  `json:"time"`
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type tickerResult struct {
	CurrencyPair string          `json:"currency_pair"`
	Last         decimal.Decimal `json:"last"`
	LowestAsk    decimal.Decimal `json:"lowest_ask"`
	HighestBid   decimal.Decimal `json:"highest_bid"`
	BaseVolume   decimal.Decimal `json:"base_volume"`
	High24h      decimal.Decimal `json:"high_24h"`
	Low24h       decimal.Decimal `json:"low_24h"`
}

type bookResult struct {
	TimeMs       int64               `json:"t"`
	CurrencyPair string              `json:"s"`
	Bids         [][]decimal.Decimal `json:"bids"`
	Asks         [][]decimal.Decimal `json:"asks"`
}

type tradeResult struct {
	ID           int64           `json:"id"`
	CreateTimeMs string          `json:"create_time_ms"`
	Side         string          `json:"side"`
	CurrencyPair string          `json:"currency_pair"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
}

type candleResult struct {
	T      string          `json:"t"` // unix seconds
	Volume decimal.Decimal `json:"v"`
	Close  decimal.Decimal `json:"c"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Open   decimal.Decimal `json:"o"`
	Name   string          `json:"n"` // 1m_BTC_USDT
}

// Adapter implements stream.Adapter for Gate.io spot.
type Adapter struct {
	stream.AdapterBase
}

// New creates the Gate.io adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "gateio" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) SupportsBatch() bool         { return false }

func (a *Adapter) PingMessage() []byte {
	data, _ := json.Marshal(command{Time: time.Now().Unix(), Channel: "spot.ping"})
	return data
}

func (a *Adapter) FormatSymbol(m market.Market) string {
	return m.Base + "_" + m.Quote
}

func (a *Adapter) frame(event string, sub stream.Subscription) ([]byte, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return nil, err
	}
	pair := a.FormatSymbol(m)

	cmd := command{Time: time.Now().Unix(), Event: event}
	switch sub.Channel {
	case stream.ChannelTicker:
		cmd.Channel = "spot.tickers"
		cmd.Payload = []string{pair}
	case stream.ChannelOrderbook:
		cmd.Channel = "spot.order_book"
		cmd.Payload = []string{pair, bookDepth, bookInterval}
	case stream.ChannelTrades:
		cmd.Channel = "spot.trades"
		cmd.Payload = []string{pair}
	case stream.ChannelCandles:
		cmd.Channel = "spot.candlesticks"
		cmd.Payload = []string{market.NormalizeInterval(sub.Extra), pair}
	default:
		return nil, fmt.Errorf("%w: gateio has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
	}
	return json.Marshal(cmd)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return a.frame("subscribe", sub)
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return a.frame("unsubscribe", sub)
}

func (a *Adapter) BatchSubscribeFrames(_ []stream.Subscription) ([][]byte, error) {
	return nil, fmt.Errorf("gateio: batch subscription not supported")
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	if in.Error != nil {
		a.Emitter().EmitError(fmt.Errorf("%w: gateio %d: %s", stream.ErrProtocol, in.Error.Code, in.Error.Message))
		return nil
	}
	if in.Event != "update" {
		return nil // subscribe acks, pong
	}

	switch in.Channel {
	case "spot.tickers":
		return a.processTicker(in)
	case "spot.order_book":
		return a.processBook(in)
	case "spot.trades":
		return a.processTrade(in)
	case "spot.candlesticks":
		return a.processCandle(in)
	}
	return nil
}

func (a *Adapter) processTicker(in inbound) error {
	var tr tickerResult
	if err := json.Unmarshal(in.Result, &tr); err != nil {
		return fmt.Errorf("tickers: %w", err)
	}
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:    market.Normalize(tr.CurrencyPair),
		Timestamp: in.Time * 1000,
		BestBid:   tr.HighestBid,
		BestAsk:   tr.LowestAsk,
		LastPrice: tr.Last,
		High24h:   tr.High24h,
		Low24h:    tr.Low24h,
		Volume24h: tr.BaseVolume,
	})
	return nil
}

// processBook applies a spot.order_book push, a full limited snapshot.
func (a *Adapter) processBook(in inbound) error {
	var br bookResult
	if err := json.Unmarshal(in.Result, &br); err != nil {
		return fmt.Errorf("order_book: %w", err)
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(market.Normalize(br.CurrencyPair))
	b.ApplySnapshot(toLevels(br.Bids), toLevels(br.Asks), br.TimeMs)
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

func (a *Adapter) processTrade(in inbound) error {
	var tr tradeResult
	if err := json.Unmarshal(in.Result, &tr); err != nil {
		return fmt.Errorf("trades: %w", err)
	}

	side := stream.SideBuy
	if tr.Side == "sell" {
		side = stream.SideSell
	}

	var ts int64
	if ms, err := decimal.NewFromString(tr.CreateTimeMs); err == nil {
		ts = ms.IntPart()
	} else {
		ts = in.Time * 1000
	}

	a.Emitter().EmitTrades(&stream.TradeBatch{
		Symbol:    market.Normalize(tr.CurrencyPair),
		Timestamp: ts,
		Trades: []stream.Trade{{
			ID:        fmt.Sprintf("%d", tr.ID),
			Timestamp: ts,
			Side:      side,
			Price:     tr.Price,
			Quantity:  tr.Amount,
			Amount:    tr.Price.Mul(tr.Amount),
		}},
	})
	return nil
}

func (a *Adapter) processCandle(in inbound) error {
	var cr candleResult
	if err := json.Unmarshal(in.Result, &cr); err != nil {
		return fmt.Errorf("candlesticks: %w", err)
	}

	// n: {interval}_{pair}
	interval, pair, ok := strings.Cut(cr.Name, "_")
	if !ok {
		return fmt.Errorf("candlesticks: bad name %q", cr.Name)
	}

	openSec, err := strconv.ParseInt(cr.T, 10, 64)
	if err != nil {
		return fmt.Errorf("candlesticks: bad open time %q", cr.T)
	}

	a.Emitter().EmitCandle(&stream.Candle{
		Symbol:   market.Normalize(pair),
		Interval: interval,
		OpenTime: openSec * 1000,
		Open:     cr.Open,
		High:     cr.High,
		Low:      cr.Low,
		Close:    cr.Close,
		Volume:   cr.Volume,
	})
	return nil
}
