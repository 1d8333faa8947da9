// Package venuetest provides a recording emitter for adapter tests.
package venuetest

import (
	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/stream"
)

// Emitter records everything an adapter emits.
type Emitter struct {
	Cache        *book.Cache
	Tickers      []*stream.Ticker
	EmittedBooks []*book.Book
	Trades       []*stream.TradeBatch
	Candles      []*stream.Candle
	Errors       []error
	Sent         [][]byte
	Reconnects   int

	vids map[string]stream.Subscription
}

// New creates a recording emitter for a venue.
func New(venue string) *Emitter {
	return &Emitter{
		Cache: book.NewCache(venue),
		vids:  make(map[string]stream.Subscription),
	}
}

func (e *Emitter) EmitTicker(t *stream.Ticker)      { e.Tickers = append(e.Tickers, t) }
func (e *Emitter) EmitOrderbook(b *book.Book)       { e.EmittedBooks = append(e.EmittedBooks, b) }
func (e *Emitter) EmitTrades(tb *stream.TradeBatch) { e.Trades = append(e.Trades, tb) }
func (e *Emitter) EmitCandle(c *stream.Candle)      { e.Candles = append(e.Candles, c) }
func (e *Emitter) EmitError(err error)              { e.Errors = append(e.Errors, err) }
func (e *Emitter) RequestReconnect()                { e.Reconnects++ }
func (e *Emitter) Books() *book.Cache               { return e.Cache }

func (e *Emitter) Send(data []byte) error {
	e.Sent = append(e.Sent, data)
	return nil
}

func (e *Emitter) SubscriptionByVenueID(id string) (stream.Subscription, bool) {
	s, ok := e.vids[id]
	return s, ok
}

func (e *Emitter) BindVenueID(channel, symbol, extra, id string) {
	e.vids[id] = stream.Subscription{Channel: channel, Symbol: symbol, Extra: extra, VenueID: id}
}
