// Package stream implements the per-venue WebSocket client: connection
// lifecycle, heartbeat, subscription registry, reconnection with
// replay, and parse-failure quarantine. Venue specifics live behind
// the Adapter interface in the venue packages.
package stream

import (
	"time"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
)

// Logical channel names.
const (
	ChannelTicker    = "ticker"
	ChannelOrderbook = "orderbook"
	ChannelTrades    = "trades"
	ChannelCandles   = "candles"
)

// Trade sides in normalized records.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Subscription is one registered (channel, symbol, extra) descriptor.
// Extra carries the candle interval where applicable. VenueID is the
// identifier the venue issued for the subscription, when it issues one.
type Subscription struct {
	Channel      string
	Symbol       string
	Extra        string
	VenueID      string
	Active       bool
	CreatedAt    time.Time
	SubscribedAt time.Time
	LastUpdateAt time.Time
}

// Key is the registry uniqueness key within a venue.
func (s Subscription) Key() string {
	return s.Channel + "|" + s.Symbol + "|" + s.Extra
}

// Ticker is the normalized best-bid/ask and 24h statistics record.
type Ticker struct {
	Venue      string
	Symbol     string
	Timestamp  int64 // unix ms
	BestBid    decimal.Decimal
	BestBidQty decimal.Decimal
	BestAsk    decimal.Decimal
	BestAskQty decimal.Decimal
	LastPrice  decimal.Decimal
	High24h    decimal.Decimal
	Low24h     decimal.Decimal
	Volume24h  decimal.Decimal
	Change24h  decimal.Decimal
}

// Trade is one normalized trade within a batch.
type Trade struct {
	ID        string
	Timestamp int64 // unix ms
	Side      string
	OrderType string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Amount    decimal.Decimal
}

// TradeBatch is the set of trades one venue frame produced.
type TradeBatch struct {
	Venue     string
	Symbol    string
	Timestamp int64 // unix ms
	Trades    []Trade
}

// Candle is one normalized candlestick.
type Candle struct {
	Venue     string
	Symbol    string
	Interval  string
	OpenTime  int64 // unix ms
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Completed bool
}

// Callbacks are the consumer-facing data hooks. They run on the reader
// goroutine: consumers must not block, and must not retain the book
// pointer across calls.
type Callbacks struct {
	OnTicker    func(*Ticker)
	OnOrderbook func(*book.Book)
	OnTrades    func(*TradeBatch)
	OnCandle    func(*Candle)
	OnError     func(error)
}

// Emitter is the surface an adapter's parser uses to hand decoded
// records back to the client. Implemented by Client.
type Emitter interface {
	EmitTicker(t *Ticker)
	EmitOrderbook(b *book.Book)
	EmitTrades(tb *TradeBatch)
	EmitCandle(c *Candle)
	EmitError(err error)

	// RequestReconnect is for venues that send an explicit
	// reconnect instruction on the wire.
	RequestReconnect()

	// Send writes a raw frame; venues that ping at the application
	// level (server-initiated ping/pong) reply through it.
	Send(data []byte) error

	// Books is the per-venue order book cache the adapter merges into.
	Books() *book.Cache

	// SubscriptionByVenueID resolves a venue-issued subscription id
	// back to its descriptor.
	SubscriptionByVenueID(id string) (Subscription, bool)

	// BindVenueID attaches a venue-issued id to a registered descriptor.
	BindVenueID(channel, symbol, extra, id string)
}
