// Package mexc adapts the MEXC spot v3 WebSocket API. One SUBSCRIPTION
// frame can carry every channel in its params array, and the server
// expects an application-level {"method":"PING"} heartbeat.
package mexc

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
	wsURL        = "wss://wbs.mexc.com/ws"
	bookDepth    = "20"
	pingInterval = 20 * time.Second
)

const (
	chanBookTicker = "spot@public.bookTicker.v3.api"
	chanDeals      = "spot@public.deals.v3.api"
	chanDepth      = "spot@public.limit.depth.v3.api"
	chanKline      = "spot@public.kline.v3.api"
)

type command struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
}

type inbound struct {
	ID      *int            `json:"id,omitempty"`
	Code    *int            `json:"code,omitempty"`
	Msg     string          `json:"msg,omitempty"`
	Channel string          `json:"c,omitempty"`
	Symbol  string          `json:"s,omitempty"`
	Time    int64           `json:"t,omitempty"`
	Data    json.RawMessage `json:"d,omitempty"`
}

type priceLevel struct {
	Price decimal.Decimal `json:"p"`
	Qty   decimal.Decimal `json:"v"`
}

type depthData struct {
	Bids []priceLevel `json:"bids"`
	Asks []priceLevel `json:"asks"`
}

type bookTickerData struct {
	BidPrice decimal.Decimal `json:"b"`
	BidQty   decimal.Decimal `json:"B"`
	AskPrice decimal.Decimal `json:"a"`
	AskQty   decimal.Decimal `json:"A"`
}

type dealsData struct {
	Deals []struct {
		Price decimal.Decimal `json:"p"`
		Qty   decimal.Decimal `json:"v"`
		Side  int             `json:"S"` // 1 buy, 2 sell
		Time  int64           `json:"t"`
	} `json:"deals"`
}

type klineData struct {
	Kline struct {
		Start    int64           `json:"t"`
		Interval string          `json:"i"`
		Open     decimal.Decimal `json:"o"`
		Close    decimal.Decimal `json:"c"`
		High     decimal.Decimal `json:"h"`
		Low      decimal.Decimal `json:"l"`
		Volume   decimal.Decimal `json:"v"`
	} `json:"k"`
}

// intervalNames maps canonical intervals to MEXC kline names.
var intervalNames = map[string]string{
	"1m":  "Min1",
	"5m":  "Min5",
	"15m": "Min15",
	"30m": "Min30",
	"1h":  "Min60",
	"4h":  "Hour4",
	"8h":  "Hour8",
	"1d":  "Day1",
	"1w":  "Week1",
	"1M":  "Month1",
}

// Adapter implements stream.Adapter for MEXC spot.
type Adapter struct {
	stream.AdapterBase
}

// New creates the MEXC adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "mexc" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) SupportsBatch() bool         { return true }

func (a *Adapter) PingMessage() []byte {
	data, _ := json.Marshal(command{Method: "PING"})
	return data
}

func (a *Adapter) FormatSymbol(m market.Market) string {
	return strings.ToUpper(m.Base + m.Quote)
}

// topic renders the params entry for one subscription, e.g.
// spot@public.kline.v3.api@BTCUSDT@Min1.
func (a *Adapter) topic(sub stream.Subscription) (string, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return "", err
	}
	pair := a.FormatSymbol(m)
	switch sub.Channel {
	case stream.ChannelTicker:
		return chanBookTicker + "@" + pair, nil
	case stream.ChannelOrderbook:
		return chanDepth + "@" + pair + "@" + bookDepth, nil
	case stream.ChannelTrades:
		return chanDeals + "@" + pair, nil
	case stream.ChannelCandles:
		iv, ok := intervalNames[market.NormalizeInterval(sub.Extra)]
		if !ok {
			return "", fmt.Errorf("%w: mexc kline interval %q", stream.ErrUnsupportedChannel, sub.Extra)
		}
		return chanKline + "@" + pair + "@" + iv, nil
	}
	return "", fmt.Errorf("%w: mexc has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	topic, err := a.topic(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Method: "SUBSCRIPTION", Params: []string{topic}})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	topic, err := a.topic(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Method: "UNSUBSCRIPTION", Params: []string{topic}})
}

// BatchSubscribeFrames folds every topic into a single SUBSCRIPTION
// frame.
func (a *Adapter) BatchSubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topic, err := a.topic(sub)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	data, err := json.Marshal(command{Method: "SUBSCRIPTION", Params: topics})
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

	// Command acks and PONG carry an id/code instead of a channel.
	if in.Channel == "" {
		if in.Code != nil && *in.Code != 0 {
			a.Emitter().EmitError(fmt.Errorf("%w: mexc code %d: %s", stream.ErrProtocol, *in.Code, in.Msg))
		}
		return nil
	}

	symbol := market.Normalize(in.Symbol)
	switch {
	case strings.HasPrefix(in.Channel, chanBookTicker):
		return a.processTicker(symbol, in)
	case strings.HasPrefix(in.Channel, chanDepth):
		return a.processDepth(symbol, in)
	case strings.HasPrefix(in.Channel, chanDeals):
		return a.processDeals(symbol, in)
	case strings.HasPrefix(in.Channel, chanKline):
		return a.processKline(symbol, in)
	}
	return nil
}

func (a *Adapter) processTicker(symbol string, in inbound) error {
	var bt bookTickerData
	if err := json.Unmarshal(in.Data, &bt); err != nil {
		return fmt.Errorf("bookTicker: %w", err)
	}
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:     symbol,
		Timestamp:  in.Time,
		BestBid:    bt.BidPrice,
		BestBidQty: bt.BidQty,
		BestAsk:    bt.AskPrice,
		BestAskQty: bt.AskQty,
	})
	return nil
}

// processDepth applies a limit-depth push, which is a full top-N
// snapshot every time.
func (a *Adapter) processDepth(symbol string, in inbound) error {
	var dd depthData
	if err := json.Unmarshal(in.Data, &dd); err != nil {
		return fmt.Errorf("depth: %w", err)
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(symbol)
	b.ApplySnapshot(toLevels(dd.Bids), toLevels(dd.Asks), in.Time)
	em.EmitOrderbook(b)
	return nil
}

func toLevels(in []priceLevel) []book.Level {
	out := make([]book.Level, 0, len(in))
	for _, lv := range in {
		out = append(out, book.Level{Price: lv.Price, Quantity: lv.Qty})
	}
	return out
}

func (a *Adapter) processDeals(symbol string, in inbound) error {
	var dd dealsData
	if err := json.Unmarshal(in.Data, &dd); err != nil {
		return fmt.Errorf("deals: %w", err)
	}
	if len(dd.Deals) == 0 {
		return nil
	}

	batch := &stream.TradeBatch{Symbol: symbol, Timestamp: in.Time}
	for _, d := range dd.Deals {
		side := stream.SideBuy
		if d.Side == 2 {
			side = stream.SideSell
		}
		batch.Trades = append(batch.Trades, stream.Trade{
			Timestamp: d.Time,
			Side:      side,
			Price:     d.Price,
			Quantity:  d.Qty,
			Amount:    d.Price.Mul(d.Qty),
		})
	}
	a.Emitter().EmitTrades(batch)
	return nil
}

func (a *Adapter) processKline(symbol string, in inbound) error {
	var kd klineData
	if err := json.Unmarshal(in.Data, &kd); err != nil {
		return fmt.Errorf("kline: %w", err)
	}

	interval := kd.Kline.Interval
	for canonical, name := range intervalNames {
		if name == interval {
			interval = canonical
			break
		}
	}

	a.Emitter().EmitCandle(&stream.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: kd.Kline.Start * 1000,
		Open:     kd.Kline.Open,
		High:     kd.Kline.High,
		Low:      kd.Kline.Low,
		Close:    kd.Kline.Close,
		Volume:   kd.Kline.Volume,
	})
	return nil
}
