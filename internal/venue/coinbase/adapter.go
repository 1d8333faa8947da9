// Package coinbase adapts the Coinbase Exchange WebSocket feed.
package coinbase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://ws-feed.exchange.coinbase.com"
	pingInterval = 30 * time.Second
)

type channelSpec struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type command struct {
	Type     string        `json:"type"`
	Channels []channelSpec `json:"channels"`
}

type inbound struct {
	Type      string              `json:"type"`
	ProductID string              `json:"product_id,omitempty"`
	Message   string              `json:"message,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Time      time.Time           `json:"time,omitempty"`
	Price     decimal.Decimal     `json:"price,omitempty"`
	BestBid   decimal.Decimal     `json:"best_bid,omitempty"`
	BestBidSz decimal.Decimal     `json:"best_bid_size,omitempty"`
	BestAsk   decimal.Decimal     `json:"best_ask,omitempty"`
	BestAskSz decimal.Decimal     `json:"best_ask_size,omitempty"`
	High24h   decimal.Decimal     `json:"high_24h,omitempty"`
	Low24h    decimal.Decimal     `json:"low_24h,omitempty"`
	Volume24h decimal.Decimal     `json:"volume_24h,omitempty"`
	TradeID   int64               `json:"trade_id,omitempty"`
	Side      string              `json:"side,omitempty"`
	Size      decimal.Decimal     `json:"size,omitempty"`
	Bids      [][]decimal.Decimal `json:"bids,omitempty"`
	Asks      [][]decimal.Decimal `json:"asks,omitempty"`
	Changes   [][]string          `json:"changes,omitempty"`
}

// channelName maps a logical channel to the feed channel.
func channelName(channel string) (string, error) {
	switch channel {
	case stream.ChannelTicker:
		return "ticker", nil
	case stream.ChannelOrderbook:
		return "level2_batch", nil
	case stream.ChannelTrades:
		return "matches", nil
	}
	return "", fmt.Errorf("%w: coinbase feed has no %s channel", stream.ErrUnsupportedChannel, channel)
}

// Adapter implements stream.Adapter for the Coinbase Exchange feed.
// The feed has no application ping, heartbeats ride on the transport.
type Adapter struct {
	stream.AdapterBase
}

// New creates the Coinbase adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "coinbase" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) PingMessage() []byte         { return nil }
func (a *Adapter) SupportsBatch() bool         { return true }

func (a *Adapter) FormatSymbol(m market.Market) string {
	return m.Base + "-" + m.Quote
}

func (a *Adapter) frame(op string, subs []stream.Subscription) ([]byte, error) {
	var order []string
	grouped := make(map[string][]string)
	for _, sub := range subs {
		ch, err := channelName(sub.Channel)
		if err != nil {
			return nil, err
		}
		m, err := market.Parse(sub.Symbol)
		if err != nil {
			return nil, err
		}
		if _, ok := grouped[ch]; !ok {
			order = append(order, ch)
		}
		grouped[ch] = append(grouped[ch], a.FormatSymbol(m))
	}

	specs := make([]channelSpec, 0, len(order))
	for _, ch := range order {
		specs = append(specs, channelSpec{Name: ch, ProductIDs: grouped[ch]})
	}
	return json.Marshal(command{Type: op, Channels: specs})
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return a.frame("subscribe", []stream.Subscription{sub})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return a.frame("unsubscribe", []stream.Subscription{sub})
}

func (a *Adapter) BatchSubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	data, err := a.frame("subscribe", subs)
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

	switch in.Type {
	case "subscriptions", "heartbeat":
		return nil
	case "error":
		a.Emitter().EmitError(fmt.Errorf("%w: coinbase: %s: %s", stream.ErrProtocol, in.Message, in.Reason))
		return nil
	case "ticker":
		return a.processTicker(in)
	case "snapshot":
		return a.processSnapshot(in)
	case "l2update":
		return a.processL2Update(in)
	case "match", "last_match":
		return a.processMatch(in)
	}
	return nil
}

func frameMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func (a *Adapter) processTicker(in inbound) error {
	a.Emitter().EmitTicker(&stream.Ticker{
		Symbol:     market.Normalize(in.ProductID),
		Timestamp:  frameMillis(in.Time),
		BestBid:    in.BestBid,
		BestBidQty: in.BestBidSz,
		BestAsk:    in.BestAsk,
		BestAskQty: in.BestAskSz,
		LastPrice:  in.Price,
		High24h:    in.High24h,
		Low24h:     in.Low24h,
		Volume24h:  in.Volume24h,
	})
	return nil
}

func (a *Adapter) processSnapshot(in inbound) error {
	em := a.Emitter()
	b := em.Books().GetOrCreate(market.Normalize(in.ProductID))
	b.ApplySnapshot(toLevels(in.Bids), toLevels(in.Asks), frameMillis(in.Time))
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

// processL2Update applies changes rows [side, price, size]; size zero
// removes the level.
func (a *Adapter) processL2Update(in inbound) error {
	em := a.Emitter()
	b := em.Books().GetOrCreate(market.Normalize(in.ProductID))
	ts := frameMillis(in.Time)

	for _, ch := range in.Changes {
		if len(ch) < 3 {
			return fmt.Errorf("l2update: short change row")
		}
		price, err := decimal.NewFromString(ch[1])
		if err != nil {
			return fmt.Errorf("l2update price: %w", err)
		}
		size, err := decimal.NewFromString(ch[2])
		if err != nil {
			return fmt.Errorf("l2update size: %w", err)
		}
		side := book.Bid
		if ch[0] == "sell" {
			side = book.Ask
		}
		b.ApplyDelta(side, book.Level{Price: price, Quantity: size}, ts)
	}
	em.EmitOrderbook(b)
	return nil
}

func (a *Adapter) processMatch(in inbound) error {
	// Side is the maker side: a "sell" maker means the taker bought.
	side := stream.SideBuy
	if in.Side == "buy" {
		side = stream.SideSell
	}
	ts := frameMillis(in.Time)

	a.Emitter().EmitTrades(&stream.TradeBatch{
		Symbol:    market.Normalize(in.ProductID),
		Timestamp: ts,
		Trades: []stream.Trade{{
			ID:        fmt.Sprintf("%d", in.TradeID),
			Timestamp: ts,
			Side:      side,
			Price:     in.Price,
			Quantity:  in.Size,
			Amount:    in.Price.Mul(in.Size),
		}},
	})
	return nil
}
