// Package kraken adapts the Kraken v2 WebSocket API.
package kraken

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cryptofeed-ingest/internal/book"
	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
)

const (
	wsURL        = "wss://ws.kraken.com/v2"
	bookDepth    = 25
	pingInterval = 30 * time.Second
)

// Adapter implements stream.Adapter for Kraken spot v2. Kraken's wire
// symbol is already the canonical BASE/QUOTE form, subscriptions are
// grouped per channel with a symbol array, and candles are not offered
// on the v2 public stream.
type Adapter struct {
	stream.AdapterBase
}

// New creates the Kraken adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "kraken" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }

func (a *Adapter) PingMessage() []byte {
	data, _ := json.Marshal(request{Method: "ping"})
	return data
}

func (a *Adapter) FormatSymbol(m market.Market) string {
	return m.String()
}

func (a *Adapter) SupportsBatch() bool { return true }

// channelName maps a logical channel to Kraken's v2 channel.
func channelName(channel string) (string, error) {
	switch channel {
	case stream.ChannelTicker:
		return "ticker", nil
	case stream.ChannelOrderbook:
		return "book", nil
	case stream.ChannelTrades:
		return "trade", nil
	}
	return "", fmt.Errorf("%w: kraken v2 has no %s channel", stream.ErrUnsupportedChannel, channel)
}

func subscribeRequest(channel string, symbols []string) request {
	p := &params{Channel: channel, Symbol: symbols}
	if channel == "book" {
		p.Depth = bookDepth
		snapshot := true
		p.Snapshot = &snapshot
	}
	return request{Method: "subscribe", Params: p}
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ch, err := channelName(sub.Channel)
	if err != nil {
		return nil, err
	}
	return json.Marshal(subscribeRequest(ch, []string{sub.Symbol}))
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	ch, err := channelName(sub.Channel)
	if err != nil {
		return nil, err
	}
	return json.Marshal(request{Method: "unsubscribe", Params: &params{Channel: ch, Symbol: []string{sub.Symbol}}})
}

// BatchSubscribeFrames groups descriptors per channel: one frame per
// {ticker, book, trade} carrying the symbol array, channels ordered by
// first appearance.
func (a *Adapter) BatchSubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	var order []string
	groups := make(map[string][]string)
	for _, sub := range subs {
		ch, err := channelName(sub.Channel)
		if err != nil {
			return nil, err
		}
		if _, ok := groups[ch]; !ok {
			order = append(order, ch)
		}
		groups[ch] = append(groups[ch], sub.Symbol)
	}

	frames := make([][]byte, 0, len(order))
	for _, ch := range order {
		data, err := json.Marshal(subscribeRequest(ch, groups[ch]))
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}

// ProcessMessage decodes one v2 frame.
func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}

	em := a.Emitter()

	switch {
	case env.Method == "pong", env.Channel == "heartbeat", env.Channel == "status":
		return nil
	case env.Method == "subscribe", env.Method == "unsubscribe":
		if env.Success != nil && !*env.Success {
			em.EmitError(fmt.Errorf("%w: kraken %s rejected: %s", stream.ErrProtocol, env.Method, env.Error))
		}
		return nil
	case env.Error != "":
		em.EmitError(fmt.Errorf("%w: kraken: %s", stream.ErrProtocol, env.Error))
		return nil
	}

	switch env.Channel {
	case "ticker":
		return a.processTicker(env.Data)
	case "book":
		return a.processBook(env.Type, env.Data)
	case "trade":
		return a.processTrades(env.Data)
	}
	return nil
}

func (a *Adapter) processTicker(data json.RawMessage) error {
	var tickers []tickerData
	if err := json.Unmarshal(data, &tickers); err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	for _, t := range tickers {
		a.Emitter().EmitTicker(&stream.Ticker{
			Symbol:     market.Normalize(t.Symbol),
			Timestamp:  time.Now().UnixMilli(),
			BestBid:    t.Bid,
			BestBidQty: t.BidQty,
			BestAsk:    t.Ask,
			BestAskQty: t.AskQty,
			LastPrice:  t.Last,
			High24h:    t.High,
			Low24h:     t.Low,
			Volume24h:  t.Volume,
			Change24h:  t.Change,
		})
	}
	return nil
}

func (a *Adapter) processBook(frameType string, data json.RawMessage) error {
	var books []bookData
	if err := json.Unmarshal(data, &books); err != nil {
		return fmt.Errorf("book: %w", err)
	}

	em := a.Emitter()
	for _, bd := range books {
		symbol := market.Normalize(bd.Symbol)
		ts := bd.Timestamp.UnixMilli()
		if bd.Timestamp.IsZero() {
			ts = time.Now().UnixMilli()
		}

		b := em.Books().GetOrCreate(symbol)
		if frameType == "snapshot" {
			b.ApplySnapshot(toLevels(bd.Bids), toLevels(bd.Asks), ts)
		} else {
			for _, lv := range bd.Bids {
				b.ApplyDelta(book.Bid, book.Level{Price: lv.Price, Quantity: lv.Qty}, ts)
			}
			for _, lv := range bd.Asks {
				b.ApplyDelta(book.Ask, book.Level{Price: lv.Price, Quantity: lv.Qty}, ts)
			}
		}
		em.EmitOrderbook(b)
	}
	return nil
}

func toLevels(in []bookLevel) []book.Level {
	out := make([]book.Level, 0, len(in))
	for _, lv := range in {
		out = append(out, book.Level{Price: lv.Price, Quantity: lv.Qty})
	}
	return out
}

func (a *Adapter) processTrades(data json.RawMessage) error {
	var trades []tradeData
	if err := json.Unmarshal(data, &trades); err != nil {
		return fmt.Errorf("trade: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	batch := &stream.TradeBatch{
		Symbol:    market.Normalize(trades[0].Symbol),
		Timestamp: trades[len(trades)-1].Timestamp.UnixMilli(),
	}
	for _, t := range trades {
		side := stream.SideBuy
		if t.Side == "sell" {
			side = stream.SideSell
		}
		batch.Trades = append(batch.Trades, stream.Trade{
			ID:        strconv.FormatInt(t.TradeID, 10),
			Timestamp: t.Timestamp.UnixMilli(),
			Side:      side,
			OrderType: t.OrdType,
			Price:     t.Price,
			Quantity:  t.Qty,
			Amount:    t.Price.Mul(t.Qty),
		})
	}
	a.Emitter().EmitTrades(batch)
	return nil
}
