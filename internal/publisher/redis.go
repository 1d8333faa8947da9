// Package publisher sinks normalized market data records into Redis,
// as capped streams for replay and pub/sub for live consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/metrics"
	"cryptofeed-ingest/internal/stream"
)

// Stream retention, approximate trims.
const (
	bookMaxLen   = 1000
	tradesMaxLen = 10000
	tickerMaxLen = 1000
	candleMaxLen = 10000
)

// Redis publishes normalized records to Redis.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: client}, nil
}

// Client returns the underlying Redis client.
func (p *Redis) Client() *redis.Client {
	return p.client
}

// Close closes the Redis connection.
func (p *Redis) Close() error {
	return p.client.Close()
}

// levelRow is one [price, quantity] pair on the wire.
type levelRow [2]decimal.Decimal

func toRows(levels []book.Level) []levelRow {
	rows := make([]levelRow, len(levels))
	for i, lvl := range levels {
		rows[i] = levelRow{lvl.Price, lvl.Quantity}
	}
	return rows
}

type bookRecord struct {
	Venue     string     `json:"venue"`
	Symbol    string     `json:"symbol"`
	Bids      []levelRow `json:"bids"`
	Asks      []levelRow `json:"asks"`
	Timestamp int64      `json:"ts"`
}

type tickerRecord struct {
	Venue      string          `json:"venue"`
	Symbol     string          `json:"symbol"`
	Timestamp  int64           `json:"ts"`
	BestBid    decimal.Decimal `json:"bid"`
	BestBidQty decimal.Decimal `json:"bid_qty"`
	BestAsk    decimal.Decimal `json:"ask"`
	BestAskQty decimal.Decimal `json:"ask_qty"`
	LastPrice  decimal.Decimal `json:"last"`
	High24h    decimal.Decimal `json:"high"`
	Low24h     decimal.Decimal `json:"low"`
	Volume24h  decimal.Decimal `json:"volume"`
	Change24h  decimal.Decimal `json:"change"`
}

type tradeRecord struct {
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"ts"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"qty"`
	Amount    decimal.Decimal `json:"amount"`
}

type tradeBatchRecord struct {
	Venue     string        `json:"venue"`
	Symbol    string        `json:"symbol"`
	Timestamp int64         `json:"ts"`
	Trades    []tradeRecord `json:"trades"`
}

type candleRecord struct {
	Venue    string          `json:"venue"`
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	OpenTime int64           `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// publish appends the record to a capped stream and mirrors it on the
// pub/sub channel of the same name.
func (p *Redis) publish(ctx context.Context, channel, key string, maxLen int64, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		metrics.RedisPublishDuration.WithLabelValues(channel).
			Observe(time.Since(start).Seconds())
	}()

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		metrics.RedisPublishErrors.WithLabelValues(channel).Inc()
		return err
	}

	if err := p.client.Publish(ctx, key, string(data)).Err(); err != nil {
		metrics.RedisPublishErrors.WithLabelValues(channel).Inc()
		return err
	}
	return nil
}

// PublishOrderbook publishes one book state to orderbook:{venue}:{symbol}.
func (p *Redis) PublishOrderbook(ctx context.Context, b *book.Book) error {
	key := fmt.Sprintf("orderbook:%s:%s", b.Venue, b.Symbol)
	return p.publish(ctx, stream.ChannelOrderbook, key, bookMaxLen, bookRecord{
		Venue:     b.Venue,
		Symbol:    b.Symbol,
		Bids:      toRows(b.Bids),
		Asks:      toRows(b.Asks),
		Timestamp: b.Timestamp,
	})
}

// PublishTicker publishes one ticker to ticker:{venue}:{symbol}.
func (p *Redis) PublishTicker(ctx context.Context, t *stream.Ticker) error {
	key := fmt.Sprintf("ticker:%s:%s", t.Venue, t.Symbol)
	return p.publish(ctx, stream.ChannelTicker, key, tickerMaxLen, tickerRecord{
		Venue:      t.Venue,
		Symbol:     t.Symbol,
		Timestamp:  t.Timestamp,
		BestBid:    t.BestBid,
		BestBidQty: t.BestBidQty,
		BestAsk:    t.BestAsk,
		BestAskQty: t.BestAskQty,
		LastPrice:  t.LastPrice,
		High24h:    t.High24h,
		Low24h:     t.Low24h,
		Volume24h:  t.Volume24h,
		Change24h:  t.Change24h,
	})
}

// PublishTrades publishes one trade batch to trades:{venue}:{symbol}.
func (p *Redis) PublishTrades(ctx context.Context, tb *stream.TradeBatch) error {
	key := fmt.Sprintf("trades:%s:%s", tb.Venue, tb.Symbol)
	record := tradeBatchRecord{
		Venue:     tb.Venue,
		Symbol:    tb.Symbol,
		Timestamp: tb.Timestamp,
		Trades:    make([]tradeRecord, len(tb.Trades)),
	}
	for i, tr := range tb.Trades {
		record.Trades[i] = tradeRecord{
			ID:        tr.ID,
			Timestamp: tr.Timestamp,
			Side:      tr.Side,
			Price:     tr.Price,
			Quantity:  tr.Quantity,
			Amount:    tr.Amount,
		}
	}
	return p.publish(ctx, stream.ChannelTrades, key, tradesMaxLen, record)
}

// PublishCandle publishes one candle to candles:{venue}:{symbol}:{interval}.
func (p *Redis) PublishCandle(ctx context.Context, c *stream.Candle) error {
	key := fmt.Sprintf("candles:%s:%s:%s", c.Venue, c.Symbol, c.Interval)
	return p.publish(ctx, stream.ChannelCandles, key, candleMaxLen, candleRecord{
		Venue:    c.Venue,
		Symbol:   c.Symbol,
		Interval: c.Interval,
		OpenTime: c.OpenTime,
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Volume:   c.Volume,
	})
}

// Callbacks adapts the publisher into stream data hooks. Publish
// failures are logged and dropped; the feed must not stall on the sink.
func (p *Redis) Callbacks(ctx context.Context) stream.Callbacks {
	return stream.Callbacks{
		OnTicker: func(t *stream.Ticker) {
			if err := p.PublishTicker(ctx, t); err != nil {
				log.Warn().Err(err).Str("venue", t.Venue).Msg("Ticker publish failed")
			}
		},
		OnOrderbook: func(b *book.Book) {
			if err := p.PublishOrderbook(ctx, b); err != nil {
				log.Warn().Err(err).Str("venue", b.Venue).Msg("Orderbook publish failed")
			}
		},
		OnTrades: func(tb *stream.TradeBatch) {
			if err := p.PublishTrades(ctx, tb); err != nil {
				log.Warn().Err(err).Str("venue", tb.Venue).Msg("Trades publish failed")
			}
		},
		OnCandle: func(c *stream.Candle) {
			if err := p.PublishCandle(ctx, c); err != nil {
				log.Warn().Err(err).Str("venue", c.Venue).Msg("Candle publish failed")
			}
		},
		OnError: func(err error) {
			log.Debug().Err(err).Msg("Stream error")
		},
	}
}
