// Package book maintains per-symbol order-book ladders assembled from
// venue snapshots and incremental deltas.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"cryptofeed-ingest/internal/metrics"
)

// Side identifies the bid or ask side of a book.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Level is a single price level. A zero Quantity is the delete
// sentinel in deltas and never survives in the ladder. Count and
// OrderID are populated only by venues that publish them.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Count    int
	OrderID  int64
}

// Book is one symbol's ladder. Bids are sorted strictly descending by
// price, asks strictly ascending; no two levels share a price. The
// timestamp is Unix milliseconds and never decreases within a session.
//
// A Book is owned by its venue's reader goroutine; callbacks receive it
// live and must not retain it across messages.
type Book struct {
	Venue     string
	Symbol    string
	Bids      []Level
	Asks      []Level
	Timestamp int64

	crossedEvents int64
}

// New creates an empty book for a venue/symbol pair.
func New(venue, symbol string) *Book {
	return &Book{Venue: venue, Symbol: symbol}
}

// ApplySnapshot replaces the full ladder. Levels with non-positive
// quantity are discarded; both sides are re-sorted.
func (b *Book) ApplySnapshot(bids, asks []Level, ts int64) {
	b.Bids = b.Bids[:0]
	b.Asks = b.Asks[:0]
	for _, lv := range bids {
		if lv.Quantity.Sign() > 0 {
			b.Bids = append(b.Bids, lv)
		}
	}
	for _, lv := range asks {
		if lv.Quantity.Sign() > 0 {
			b.Asks = append(b.Asks, lv)
		}
	}
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price.GreaterThan(b.Bids[j].Price) })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price.LessThan(b.Asks[j].Price) })
	b.advanceTime(ts)
	b.checkCrossed()
}

// ApplyDelta applies a single price-level mutation: quantity zero
// removes the level (no-op when absent), otherwise the level is
// overwritten in place or inserted keeping the side sorted.
func (b *Book) ApplyDelta(side Side, lv Level, ts int64) {
	levels := b.side(side)
	i, found := b.locate(side, lv.Price)

	switch {
	case lv.Quantity.Sign() <= 0:
		if found {
			*levels = append((*levels)[:i], (*levels)[i+1:]...)
		}
	case found:
		(*levels)[i] = lv
	default:
		*levels = append(*levels, Level{})
		copy((*levels)[i+1:], (*levels)[i:])
		(*levels)[i] = lv
	}
	b.advanceTime(ts)
	b.checkCrossed()
}

// ApplySigned applies a Bitfinex-style row: count zero deletes the
// level at price, a positive amount is a bid, a negative amount an ask
// with the absolute value as quantity.
func (b *Book) ApplySigned(price, amount decimal.Decimal, count int, ts int64) {
	side := Bid
	if amount.Sign() < 0 {
		side = Ask
	}
	qty := amount.Abs()
	if count == 0 {
		qty = decimal.Zero
	}
	b.ApplyDelta(side, Level{Price: price, Quantity: qty, Count: count}, ts)
}

// BestBid returns the highest bid.
func (b *Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Spread returns best ask minus best bid when both sides are non-empty.
func (b *Book) Spread() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// CrossedEvents counts the updates after which best bid >= best ask.
// The book is never auto-corrected; the next venue message resolves it.
func (b *Book) CrossedEvents() int64 {
	return b.crossedEvents
}

// side returns the slice for a side.
func (b *Book) side(s Side) *[]Level {
	if s == Bid {
		return &b.Bids
	}
	return &b.Asks
}

// locate finds the insertion index for price on a side and whether a
// level at exactly that price already exists. Price comparison is
// exact decimal equality.
func (b *Book) locate(s Side, price decimal.Decimal) (int, bool) {
	levels := *b.side(s)
	var i int
	if s == Bid {
		i = sort.Search(len(levels), func(j int) bool {
			return !levels[j].Price.GreaterThan(price)
		})
	} else {
		i = sort.Search(len(levels), func(j int) bool {
			return !levels[j].Price.LessThan(price)
		})
	}
	if i < len(levels) && levels[i].Price.Equal(price) {
		return i, true
	}
	return i, false
}

func (b *Book) advanceTime(ts int64) {
	if ts > b.Timestamp {
		b.Timestamp = ts
	}
}

func (b *Book) checkCrossed() {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if okB && okA && !bid.Price.LessThan(ask.Price) {
		b.crossedEvents++
		metrics.RecordCrossedBook(b.Venue, b.Symbol)
	}
}
