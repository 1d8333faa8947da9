// Package kucoin adapts the KuCoin spot WebSocket API. The real
// endpoint hands out per-session URLs via the REST bullet handshake;
// the default URL here is the spot gateway host.
package kucoin

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
	wsURL        = "wss://ws-api-spot.kucoin.com"
	pingInterval = 18 * time.Second
)

const (
	topicTicker = "/market/ticker:"
	topicDepth  = "/spotMarket/level2Depth50:"
	topicMatch  = "/market/match:"
)

type command struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Topic    string `json:"topic,omitempty"`
	Response bool   `json:"response,omitempty"`
}

type inbound struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Code    int             `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type tickerData struct {
	BestBid     decimal.Decimal `json:"bestBid"`
	BestBidSize decimal.Decimal `json:"bestBidSize"`
	BestAsk     decimal.Decimal `json:"bestAsk"`
	BestAskSize decimal.Decimal `json:"bestAskSize"`
	Price       decimal.Decimal `json:"price"`
	Time        int64           `json:"time"`
}

type depthData struct {
	Bids      [][]decimal.Decimal `json:"bids"`
	Asks      [][]decimal.Decimal `json:"asks"`
	Timestamp int64               `json:"timestamp"`
}

type matchData struct {
	TradeID string          `json:"tradeId"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    string          `json:"side"`
	Time    string          `json:"time"` // nanoseconds
}

// Adapter implements stream.Adapter for KuCoin spot. Candles are not
// served: the candle topic uses its own interval scheme tied to the
// REST API and the level2Depth50 topic already covers book data.
type Adapter struct {
	stream.AdapterBase

	reqID atomic.Int64
}

// New creates the KuCoin adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "kucoin" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) SupportsBatch() bool         { return false }

func (a *Adapter) PingMessage() []byte {
	data, _ := json.Marshal(command{ID: a.reqID.Add(1), Type: "ping"})
	return data
}

func (a *Adapter) FormatSymbol(m market.Market) string {
	return m.Base + "-" + m.Quote
}

func (a *Adapter) topicFor(sub stream.Subscription) (string, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return "", err
	}
	pair := a.FormatSymbol(m)
	switch sub.Channel {
	case stream.ChannelTicker:
		return topicTicker + pair, nil
	case stream.ChannelOrderbook:
		return topicDepth + pair, nil
	case stream.ChannelTrades:
		return topicMatch + pair, nil
	}
	return "", fmt.Errorf("%w: kucoin has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	topic, err := a.topicFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{ID: a.reqID.Add(1), Type: "subscribe", Topic: topic, Response: true})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	topic, err := a.topicFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{ID: a.reqID.Add(1), Type: "unsubscribe", Topic: topic, Response: true})
}

func (a *Adapter) BatchSubscribeFrames(_ []stream.Subscription) ([][]byte, error) {
	return nil, fmt.Errorf("kucoin: batch subscription not supported")
}

// topicSymbol extracts the canonical symbol from a topic like
// /market/ticker:BTC-USDT.
func topicSymbol(topic string) string {
	_, pair, ok := strings.Cut(topic, ":")
	if !ok {
		return ""
	}
	return market.Normalize(pair)
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	switch in.Type {
	case "welcome", "ack", "pong":
		return nil
	case "error":
		a.Emitter().EmitError(fmt.Errorf("%w: kucoin %d: %s", stream.ErrProtocol, in.Code, string(in.Data)))
		return nil
	case "message":
	default:
		return nil
	}

	switch {
	case strings.HasPrefix(in.Topic, topicTicker):
		return a.processTicker(in)
	case strings.HasPrefix(in.Topic, topicDepth):
		return a.processDepth(in)
	case strings.HasPrefix(in.Topic, topicMatch):
		return a.processMatch(in)
	}
	return nil
}

func (a *Adapter) processTicker(in inbound) error {
	var td tickerData
	if err := json.Unmarshal(in.Data, &td); err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:     topicSymbol(in.Topic),
		Timestamp:  td.Time,
		BestBid:    td.BestBid,
		BestBidQty: td.BestBidSize,
		BestAsk:    td.BestAsk,
		BestAskQty: td.BestAskSize,
		LastPrice:  td.Price,
	})
	return nil
}

// processDepth applies a level2Depth50 push, a full top-50 snapshot.
func (a *Adapter) processDepth(in inbound) error {
	var dd depthData
	if err := json.Unmarshal(in.Data, &dd); err != nil {
		return fmt.Errorf("depth: %w", err)
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(topicSymbol(in.Topic))
	b.ApplySnapshot(toLevels(dd.Bids), toLevels(dd.Asks), dd.Timestamp)
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

func (a *Adapter) processMatch(in inbound) error {
	var md matchData
	if err := json.Unmarshal(in.Data, &md); err != nil {
		return fmt.Errorf("match: %w", err)
	}

	side := stream.SideBuy
	if md.Side == "sell" {
		side = stream.SideSell
	}

	// Match time is nanoseconds as a string.
	ns, err := strconv.ParseInt(md.Time, 10, 64)
	ts := ns / 1_000_000
	if err != nil || ts == 0 {
		ts = time.Now().UnixMilli()
	}

	a.Emitter().EmitTrades(&stream.TradeBatch{
		Symbol:    topicSymbol(in.Topic),
		Timestamp: ts,
		Trades: []stream.Trade{{
			ID:        md.TradeID,
			Timestamp: ts,
			Side:      side,
			Price:     md.Price,
			Quantity:  md.Size,
			Amount:    md.Price.Mul(md.Size),
		}},
	})
	return nil
}
