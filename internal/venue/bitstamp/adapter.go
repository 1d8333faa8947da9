// Package bitstamp adapts the Bitstamp WebSocket API. Bitstamp has no
// application ping frame, so the client falls back to transport-level
// pings, and the server may ask for a reconnect via bts:request_reconnect.
package bitstamp

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
	wsURL        = "wss://ws.bitstamp.net"
	pingInterval = 20 * time.Second
)

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type outFrame struct {
	Event string  `json:"event"`
	Data  outData `json:"data"`
}

type outData struct {
	Channel string `json:"channel"`
}

type bookData struct {
	Timestamp      string              `json:"timestamp"`
	Microtimestamp string              `json:"microtimestamp"`
	Bids           [][]decimal.Decimal `json:"bids"`
	Asks           [][]decimal.Decimal `json:"asks"`
}

type tradeData struct {
	ID             int64           `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	Type           int             `json:"type"` // 0 buy, 1 sell
	Microtimestamp string          `json:"microtimestamp"`
}

// Adapter implements stream.Adapter for Bitstamp.
type Adapter struct {
	stream.AdapterBase
}

// New creates the Bitstamp adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "bitstamp" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) PingMessage() []byte         { return nil }
func (a *Adapter) SupportsBatch() bool         { return false }

func (a *Adapter) FormatSymbol(m market.Market) string {
	return strings.ToLower(m.Base + m.Quote)
}

// channelFor maps a logical channel to the Bitstamp channel name.
// Orderbook subscribes to the full-snapshot channel; diff frames on
// diff_order_book_* are understood too.
func (a *Adapter) channelFor(sub stream.Subscription) (string, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return "", err
	}
	pair := a.FormatSymbol(m)
	switch sub.Channel {
	case stream.ChannelOrderbook:
		return "order_book_" + pair, nil
	case stream.ChannelTrades:
		return "live_trades_" + pair, nil
	}
	return "", fmt.Errorf("%w: bitstamp has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ch, err := a.channelFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outFrame{Event: "bts:subscribe", Data: outData{Channel: ch}})
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ch, err := a.channelFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outFrame{Event: "bts:unsubscribe", Data: outData{Channel: ch}})
}

func (a *Adapter) BatchSubscribeFrames(_ []stream.Subscription) ([][]byte, error) {
	return nil, fmt.Errorf("bitstamp: batch subscription not supported")
}

// channelSymbol extracts the canonical symbol from a channel name like
// diff_order_book_btcusd.
func channelSymbol(channel string) string {
	i := strings.LastIndex(channel, "_")
	if i < 0 {
		return ""
	}
	return market.Normalize(strings.ToUpper(channel[i+1:]))
}

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	em := a.Emitter()
	switch f.Event {
	case "bts:subscription_succeeded", "bts:unsubscription_succeeded", "bts:heartbeat":
		return nil
	case "bts:request_reconnect":
		em.RequestReconnect()
		return nil
	case "bts:error":
		em.EmitError(fmt.Errorf("%w: bitstamp: %s", stream.ErrProtocol, string(f.Data)))
		return nil
	case "data":
		snapshot := strings.HasPrefix(f.Channel, "order_book_")
		if snapshot || strings.HasPrefix(f.Channel, "diff_order_book_") {
			return a.processBook(f.Channel, f.Data, snapshot)
		}
		return nil
	case "trade":
		if strings.HasPrefix(f.Channel, "live_trades_") {
			return a.processTrade(f.Channel, f.Data)
		}
		return nil
	}
	return nil
}

func microMillis(micro string) int64 {
	us, err := strconv.ParseInt(micro, 10, 64)
	if err != nil || us <= 0 {
		return time.Now().UnixMilli()
	}
	return us / 1000
}

func (a *Adapter) processBook(channel string, data json.RawMessage, snapshot bool) error {
	var bd bookData
	if err := json.Unmarshal(data, &bd); err != nil {
		return fmt.Errorf("book: %w", err)
	}

	symbol := channelSymbol(channel)
	ts := microMillis(bd.Microtimestamp)

	em := a.Emitter()
	b := em.Books().GetOrCreate(symbol)
	if snapshot {
		b.ApplySnapshot(toLevels(bd.Bids), toLevels(bd.Asks), ts)
	} else {
		for _, row := range bd.Bids {
			if len(row) < 2 {
				return fmt.Errorf("book: short bid row")
			}
			b.ApplyDelta(book.Bid, book.Level{Price: row[0], Quantity: row[1]}, ts)
		}
		for _, row := range bd.Asks {
			if len(row) < 2 {
				return fmt.Errorf("book: short ask row")
			}
			b.ApplyDelta(book.Ask, book.Level{Price: row[0], Quantity: row[1]}, ts)
		}
	}
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

func (a *Adapter) processTrade(channel string, data json.RawMessage) error {
	var td tradeData
	if err := json.Unmarshal(data, &td); err != nil {
		return fmt.Errorf("trade: %w", err)
	}

	side := stream.SideBuy
	if td.Type == 1 {
		side = stream.SideSell
	}
	ts := microMillis(td.Microtimestamp)

	a.Emitter().EmitTrades(&stream.TradeBatch{
		Symbol:    channelSymbol(channel),
		Timestamp: ts,
		Trades: []stream.Trade{{
			ID:        fmt.Sprintf("%d", td.ID),
			Timestamp: ts,
			Side:      side,
			Price:     td.Price,
			Quantity:  td.Amount,
			Amount:    td.Price.Mul(td.Amount),
		}},
	})
	return nil
}
