// Package htx adapts the HTX (Huobi) spot WebSocket API. Every frame
// arrives gzip-compressed, and the server drives the heartbeat with
// {"ping": ts} frames that must be answered in kind.
package htx

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://api.huobi.pro/ws"
	pingInterval = 25 * time.Second
)

type command struct {
	Sub   string `json:"sub,omitempty"`
	Unsub string `json:"unsub,omitempty"`
	ID    string `json:"id,omitempty"`
}

type inbound struct {
	Ping    int64           `json:"ping,omitempty"`
	Ch      string          `json:"ch,omitempty"`
	TS      int64           `json:"ts,omitempty"`
	Status  string          `json:"status,omitempty"`
	Subbed  string          `json:"subbed,omitempty"`
	ErrMsg  string          `json:"err-msg,omitempty"`
	ErrCode string          `json:"err-code,omitempty"`
	Tick    json.RawMessage `json:"tick,omitempty"`
}

type tickerTick struct {
	Bid       decimal.Decimal `json:"bid"`
	BidSize   decimal.Decimal `json:"bidSize"`
	Ask       decimal.Decimal `json:"ask"`
	AskSize   decimal.Decimal `json:"askSize"`
	LastPrice decimal.Decimal `json:"lastPrice"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Amount    decimal.Decimal `json:"amount"`
}

type depthTick struct {
	Bids [][]decimal.Decimal `json:"bids"`
	Asks [][]decimal.Decimal `json:"asks"`
	TS   int64               `json:"ts"`
}

type tradeTick struct {
	Data []struct {
		TradeID   int64           `json:"tradeId"`
		TS        int64           `json:"ts"`
		Amount    decimal.Decimal `json:"amount"`
		Price     decimal.Decimal `json:"price"`
		Direction string          `json:"direction"`
	} `json:"data"`
}

type klineTick struct {
	ID     int64           `json:"id"` // open time, unix seconds
	Open   decimal.Decimal `json:"open"`
	Close  decimal.Decimal `json:"close"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Amount decimal.Decimal `json:"amount"`
}

// Adapter implements stream.Adapter for HTX spot.
type Adapter struct {
	stream.AdapterBase
}

// New creates the HTX adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "htx" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) PingMessage() []byte         { return nil } // server drives the heartbeat
func (a *Adapter) SupportsBatch() bool         { return false }

func (a *Adapter) FormatSymbol(m market.Market) string {
	return strings.ToLower(m.Base + m.Quote)
}

func (a *Adapter) channelFor(sub stream.Subscription) (string, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return "", err
	}
	pair := a.FormatSymbol(m)
	switch sub.Channel {
	case stream.ChannelTicker:
		return "market." + pair + ".ticker", nil
	case stream.ChannelOrderbook:
		return "market." + pair + ".depth.step0", nil
	case stream.ChannelTrades:
		return "market." + pair + ".trade.detail", nil
	case stream.ChannelCandles:
		iv := market.IntervalToHuobi(market.NormalizeInterval(sub.Extra))
		return "market." + pair + ".kline." + iv, nil
	}
	return "", fmt.Errorf("%w: htx has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ch, err := a.channelFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Sub: ch, ID: ch})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ch, err := a.channelFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Unsub: ch, ID: ch})
}

func (a *Adapter) BatchSubscribeFrames(_ []stream.Subscription) ([][]byte, error) {
	return nil, fmt.Errorf("htx: batch subscription not supported")
}

// inflate gunzips a frame when it carries the gzip magic bytes.
func inflate(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// chSymbol extracts the canonical symbol from a channel like
// market.btcusdt.depth.step0.
func chSymbol(ch string) string {
	parts := strings.Split(ch, ".")
	if len(parts) < 3 {
		return ""
	}
	return market.Normalize(strings.ToUpper(parts[1]))
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	raw, err := inflate(data)
	if err != nil {
		return err
	}

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	em := a.Emitter()
	switch {
	case in.Ping != 0:
		pong, _ := json.Marshal(map[string]int64{"pong": in.Ping})
		return em.Send(pong)
	case in.Status == "error":
		em.EmitError(fmt.Errorf("%w: htx %s: %s", stream.ErrProtocol, in.ErrCode, in.ErrMsg))
		return nil
	case in.Subbed != "" || in.Ch == "":
		return nil
	}

	switch {
	case strings.HasSuffix(in.Ch, ".ticker"):
		return a.processTicker(in)
	case strings.Contains(in.Ch, ".depth."):
		return a.processDepth(in)
	case strings.HasSuffix(in.Ch, ".trade.detail"):
		return a.processTrades(in)
	case strings.Contains(in.Ch, ".kline."):
		return a.processKline(in)
	}
	return nil
}

func (a *Adapter) processTicker(in inbound) error {
	var tt tickerTick
	if err := json.Unmarshal(in.Tick, &tt); err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:     chSymbol(in.Ch),
		Timestamp:  in.TS,
		BestBid:    tt.Bid,
		BestBidQty: tt.BidSize,
		BestAsk:    tt.Ask,
		BestAskQty: tt.AskSize,
		LastPrice:  tt.LastPrice,
		High24h:    tt.High,
		Low24h:     tt.Low,
		Volume24h:  tt.Amount,
	})
	return nil
}

// processDepth applies a step0 depth push, a full snapshot.
func (a *Adapter) processDepth(in inbound) error {
	var dt depthTick
	if err := json.Unmarshal(in.Tick, &dt); err != nil {
		return fmt.Errorf("depth: %w", err)
	}

	ts := dt.TS
	if ts == 0 {
		ts = in.TS
	}
	em := a.Emitter()
	b := em.Books().GetOrCreate(chSymbol(in.Ch))
	b.ApplySnapshot(toLevels(dt.Bids), toLevels(dt.Asks), ts)
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
	var tt tradeTick
	if err := json.Unmarshal(in.Tick, &tt); err != nil {
		return fmt.Errorf("trade: %w", err)
	}
	if len(tt.Data) == 0 {
		return nil
	}

	batch := &stream.TradeBatch{Symbol: chSymbol(in.Ch), Timestamp: in.TS}
	for _, t := range tt.Data {
		side := stream.SideBuy
		if t.Direction == "sell" {
			side = stream.SideSell
		}
		batch.Trades = append(batch.Trades, stream.Trade{
			ID:        strconv.FormatInt(t.TradeID, 10),
			Timestamp: t.TS,
			Side:      side,
			Price:     t.Price,
			Quantity:  t.Amount,
			Amount:    t.Price.Mul(t.Amount),
		})
	}
	a.Emitter().EmitTrades(batch)
	return nil
}

func (a *Adapter) processKline(in inbound) error {
	var kt klineTick
	if err := json.Unmarshal(in.Tick, &kt); err != nil {
		return fmt.Errorf("kline: %w", err)
	}

	// Channel: market.{symbol}.kline.{period}
	parts := strings.Split(in.Ch, ".")
	interval := ""
	if len(parts) == 4 {
		interval = fromHuobiInterval(parts[3])
	}

	a.Emitter().EmitCandle(&stream.Candle{
		Symbol:   chSymbol(in.Ch),
		Interval: interval,
		OpenTime: kt.ID * 1000,
		Open:     kt.Open,
		High:     kt.High,
		Low:      kt.Low,
		Close:    kt.Close,
		Volume:   kt.Amount,
	})
	return nil
}

// fromHuobiInterval reverses market.IntervalToHuobi.
func fromHuobiInterval(period string) string {
	switch {
	case period == "1mon":
		return market.Interval1M
	case strings.HasSuffix(period, "min"):
		return strings.TrimSuffix(period, "min") + "m"
	case strings.HasSuffix(period, "hour"):
		return strings.TrimSuffix(period, "hour") + "h"
	case strings.HasSuffix(period, "day"):
		return strings.TrimSuffix(period, "day") + "d"
	case strings.HasSuffix(period, "week"):
		return strings.TrimSuffix(period, "week") + "w"
	}
	return period
}
