// Package lbank adapts the LBank v2 WebSocket API. Pings carry a UUID
// token that the peer echoes back, in both directions.
package lbank

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://www.lbkex.net/ws/V2/"
	bookDepth    = "50"
	pingInterval = 25 * time.Second
	tsLayout     = "2006-01-02T15:04:05.000"
)

type command struct {
	Action    string `json:"action"`
	Subscribe string `json:"subscribe,omitempty"`
	Pair      string `json:"pair,omitempty"`
	Depth     string `json:"depth,omitempty"`
	Kbar      string `json:"kbar,omitempty"`
	Ping      string `json:"ping,omitempty"`
	Pong      string `json:"pong,omitempty"`
}

type inbound struct {
	Action string          `json:"action,omitempty"`
	Ping   string          `json:"ping,omitempty"`
	Type   string          `json:"type,omitempty"`
	Pair   string          `json:"pair,omitempty"`
	TS     string          `json:"TS,omitempty"`
	Status string          `json:"status,omitempty"`
	Tick   json.RawMessage `json:"tick,omitempty"`
	Depth  json.RawMessage `json:"depth,omitempty"`
	Trade  json.RawMessage `json:"trade,omitempty"`
	Kbar   json.RawMessage `json:"kbar,omitempty"`
}

type tickData struct {
	Latest decimal.Decimal `json:"latest"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Vol    decimal.Decimal `json:"vol"`
	Change decimal.Decimal `json:"change"`
}

type depthData struct {
	Bids [][]decimal.Decimal `json:"bids"`
	Asks [][]decimal.Decimal `json:"asks"`
}

type tradeData struct {
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction"`
	TS        string          `json:"TS"`
}

type kbarData struct {
	T     string          `json:"t"`
	Open  decimal.Decimal `json:"o"`
	High  decimal.Decimal `json:"h"`
	Low   decimal.Decimal `json:"l"`
	Close decimal.Decimal `json:"c"`
	Vol   decimal.Decimal `json:"v"`
	Slot  string          `json:"slot"`
}

// kbarSlot maps a canonical interval to the LBank kbar slot.
func kbarSlot(interval string) (string, bool) {
	switch market.NormalizeInterval(interval) {
	case "1m":
		return "1min", true
	case "5m":
		return "5min", true
	case "15m":
		return "15min", true
	case "30m":
		return "30min", true
	case "1h":
		return "1hr", true
	case "4h":
		return "4hr", true
	case "1d":
		return "day", true
	case "1w":
		return "week", true
	case market.Interval1M:
		return "month", true
	}
	return "", false
}

// Adapter implements stream.Adapter for LBank spot.
type Adapter struct {
	stream.AdapterBase
}

// New creates the LBank adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "lbank" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) SupportsBatch() bool         { return false }

func (a *Adapter) PingMessage() []byte {
	data, _ := json.Marshal(command{Action: "ping", Ping: uuid.NewString()})
	return data
}

func (a *Adapter) FormatSymbol(m market.Market) string {
	return strings.ToLower(m.Base + "_" + m.Quote)
}

func (a *Adapter) frame(action string, sub stream.Subscription) ([]byte, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return nil, err
	}
	cmd := command{Action: action, Pair: a.FormatSymbol(m)}
	switch sub.Channel {
	case stream.ChannelTicker:
		cmd.Subscribe = "tick"
	case stream.ChannelOrderbook:
		cmd.Subscribe = "depth"
		cmd.Depth = bookDepth
	case stream.ChannelTrades:
		cmd.Subscribe = "trade"
	case stream.ChannelCandles:
		slot, ok := kbarSlot(sub.Extra)
		if !ok {
			return nil, fmt.Errorf("%w: lbank kbar interval %q", stream.ErrUnsupportedChannel, sub.Extra)
		}
		cmd.Subscribe = "kbar"
		cmd.Kbar = slot
	default:
		return nil, fmt.Errorf("%w: lbank has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
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
	return nil, fmt.Errorf("lbank: batch subscription not supported")
}

func pairSymbol(pair string) string {
	return market.Normalize(strings.ToUpper(pair))
}

func tsMillis(ts string) int64 {
	t, err := time.ParseInLocation(tsLayout, ts, time.UTC)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	em := a.Emitter()
	if in.Action == "ping" && in.Ping != "" {
		reply, _ := json.Marshal(command{Action: "pong", Pong: in.Ping})
		return em.Send(reply)
	}
	if in.Status == "error" {
		em.EmitError(fmt.Errorf("%w: lbank: %s", stream.ErrProtocol, string(data)))
		return nil
	}

	switch in.Type {
	case "tick":
		return a.processTick(in)
	case "depth":
		return a.processDepth(in)
	case "trade":
		return a.processTrade(in)
	case "kbar":
		return a.processKbar(in)
	}
	return nil
}

func (a *Adapter) processTick(in inbound) error {
	var td tickData
	if err := json.Unmarshal(in.Tick, &td); err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:    pairSymbol(in.Pair),
		Timestamp: tsMillis(in.TS),
		LastPrice: td.Latest,
		High24h:   td.High,
		Low24h:    td.Low,
		Volume24h: td.Vol,
		Change24h: td.Change,
	})
	return nil
}

// processDepth applies a depth push, a full limited snapshot.
func (a *Adapter) processDepth(in inbound) error {
	var dd depthData
	if err := json.Unmarshal(in.Depth, &dd); err != nil {
		return fmt.Errorf("depth: %w", err)
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(pairSymbol(in.Pair))
	b.ApplySnapshot(toLevels(dd.Bids), toLevels(dd.Asks), tsMillis(in.TS))
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
	var td tradeData
	if err := json.Unmarshal(in.Trade, &td); err != nil {
		return fmt.Errorf("trade: %w", err)
	}

	side := stream.SideBuy
	if strings.HasPrefix(td.Direction, "sell") {
		side = stream.SideSell
	}
	ts := tsMillis(td.TS)

	a.Emitter().EmitTrades(&stream.TradeBatch{
		Symbol:    pairSymbol(in.Pair),
		Timestamp: ts,
		Trades: []stream.Trade{{
			Timestamp: ts,
			Side:      side,
			Price:     td.Price,
			Quantity:  td.Volume,
			Amount:    td.Amount,
		}},
	})
	return nil
}

func (a *Adapter) processKbar(in inbound) error {
	var kd kbarData
	if err := json.Unmarshal(in.Kbar, &kd); err != nil {
		return fmt.Errorf("kbar: %w", err)
	}

	a.Emitter().EmitCandle(&stream.Candle{
		Symbol:   pairSymbol(in.Pair),
		Interval: fromKbarSlot(kd.Slot),
		OpenTime: tsMillis(kd.T),
		Open:     kd.Open,
		High:     kd.High,
		Low:      kd.Low,
		Close:    kd.Close,
		Volume:   kd.Vol,
	})
	return nil
}

// fromKbarSlot reverses kbarSlot.
func fromKbarSlot(slot string) string {
	switch slot {
	case "1hr":
		return "1h"
	case "4hr":
		return "4h"
	case "day":
		return market.Interval1d
	case "week":
		return market.Interval1w
	case "month":
		return market.Interval1M
	}
	if strings.HasSuffix(slot, "min") {
		return strings.TrimSuffix(slot, "min") + "m"
	}
	return slot
}
