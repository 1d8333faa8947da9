// Package coinex adapts the CoinEx v2 spot WebSocket API. Frames are
// gzip-compressed JSON-RPC style messages.
package coinex

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
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
	wsURL         = "wss://socket.coinex.com/v2/spot"
	bookDepth     = 50
	bookMergeStep = "0"
	pingInterval  = 20 * time.Second
)

type request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
	ID     int64  `json:"id"`
}

type marketListParams struct {
	MarketList []string `json:"market_list"`
}

type depthListParams struct {
	MarketList [][]any `json:"market_list"`
}

type inbound struct {
	ID      *int64          `json:"id,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Method  string          `json:"method,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type depthUpdate struct {
	Market string `json:"market"`
	IsFull bool   `json:"is_full"`
	Depth  struct {
		Bids      [][]decimal.Decimal `json:"bids"`
		Asks      [][]decimal.Decimal `json:"asks"`
		Last      decimal.Decimal     `json:"last"`
		UpdatedAt int64               `json:"updated_at"`
	} `json:"depth"`
}

type stateUpdate struct {
	StateList []struct {
		Market string          `json:"market"`
		Last   decimal.Decimal `json:"last"`
		High   decimal.Decimal `json:"high"`
		Low    decimal.Decimal `json:"low"`
		Volume decimal.Decimal `json:"volume"`
	} `json:"state_list"`
}

type dealsUpdate struct {
	Market   string `json:"market"`
	DealList []struct {
		DealID    int64           `json:"deal_id"`
		CreatedAt int64           `json:"created_at"`
		Side      string          `json:"side"`
		Price     decimal.Decimal `json:"price"`
		Amount    decimal.Decimal `json:"amount"`
	} `json:"deal_list"`
}

// Adapter implements stream.Adapter for CoinEx spot. Candles are not
// on the v2 public stream.
type Adapter struct {
	stream.AdapterBase

	reqID atomic.Int64
}

// New creates the CoinEx adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string                { return "coinex" }
func (a *Adapter) PublicURL() string           { return wsURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }
func (a *Adapter) SupportsBatch() bool         { return false }

func (a *Adapter) PingMessage() []byte {
	data, _ := json.Marshal(request{Method: "server.ping", Params: map[string]any{}, ID: a.reqID.Add(1)})
	return data
}

func (a *Adapter) FormatSymbol(m market.Market) string {
	return strings.ToUpper(m.Base + m.Quote)
}

func (a *Adapter) frame(sub stream.Subscription, unsubscribe bool) ([]byte, error) {
	m, err := market.Parse(sub.Symbol)
	if err != nil {
		return nil, err
	}
	pair := a.FormatSymbol(m)

	verb := "subscribe"
	if unsubscribe {
		verb = "unsubscribe"
	}
	switch sub.Channel {
	case stream.ChannelTicker:
		return json.Marshal(request{
			Method: "state." + verb,
			Params: marketListParams{MarketList: []string{pair}},
			ID:     a.reqID.Add(1),
		})
	case stream.ChannelOrderbook:
		if unsubscribe {
			return json.Marshal(request{
				Method: "depth.unsubscribe",
				Params: marketListParams{MarketList: []string{pair}},
				ID:     a.reqID.Add(1),
			})
		}
		return json.Marshal(request{
			Method: "depth.subscribe",
			Params: depthListParams{MarketList: [][]any{{pair, bookDepth, bookMergeStep, true}}},
			ID:     a.reqID.Add(1),
		})
	case stream.ChannelTrades:
		return json.Marshal(request{
			Method: "deals." + verb,
			Params: marketListParams{MarketList: []string{pair}},
			ID:     a.reqID.Add(1),
		})
	}
	return nil, fmt.Errorf("%w: coinex has no %s channel", stream.ErrUnsupportedChannel, sub.Channel)
}

func (a *Adapter) SubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return a.frame(sub, false)
}

func (a *Adapter) UnsubscribeFrame(sub stream.Subscription) ([]byte, error) {
	return a.frame(sub, true)
}

func (a *Adapter) BatchSubscribeFrames(_ []stream.Subscription) ([][]byte, error) {
	return nil, fmt.Errorf("coinex: batch subscription not supported")
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

func (a *Adapter) ProcessMessage(data []byte, _ bool) error {
	raw, err := inflate(data)
	if err != nil {
		return err
	}

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	if in.Method == "" {
		// Request responses: ping replies and subscribe acks.
		if in.Code != 0 {
			a.Emitter().EmitError(fmt.Errorf("%w: coinex %d: %s", stream.ErrProtocol, in.Code, in.Message))
		}
		return nil
	}

	switch in.Method {
	case "depth.update":
		return a.processDepth(in.Data)
	case "state.update":
		return a.processState(in.Data)
	case "deals.update":
		return a.processDeals(in.Data)
	}
	return nil
}

// processDepth applies a depth.update: is_full replaces the ladder,
// otherwise rows are deltas with amount zero removing a level.
func (a *Adapter) processDepth(data json.RawMessage) error {
	var du depthUpdate
	if err := json.Unmarshal(data, &du); err != nil {
		return fmt.Errorf("depth.update: %w", err)
	}

	em := a.Emitter()
	b := em.Books().GetOrCreate(market.Normalize(du.Market))
	ts := du.Depth.UpdatedAt
	if du.IsFull {
		b.ApplySnapshot(toLevels(du.Depth.Bids), toLevels(du.Depth.Asks), ts)
	} else {
		for _, row := range du.Depth.Bids {
			if len(row) < 2 {
				return fmt.Errorf("depth.update: short bid row")
			}
			b.ApplyDelta(book.Bid, book.Level{Price: row[0], Quantity: row[1]}, ts)
		}
		for _, row := range du.Depth.Asks {
			if len(row) < 2 {
				return fmt.Errorf("depth.update: short ask row")
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

func (a *Adapter) processState(data json.RawMessage) error {
	var su stateUpdate
	if err := json.Unmarshal(data, &su); err != nil {
		return fmt.Errorf("state.update: %w", err)
	}
	for _, s := range su.StateList {
		a.Emitter().EmitTicker(&stream.Ticker{
			Symbol:    market.Normalize(s.Market),
			Timestamp: time.Now().UnixMilli(),
			LastPrice: s.Last,
			High24h:   s.High,
			Low24h:    s.Low,
			Volume24h: s.Volume,
		})
	}
	return nil
}

func (a *Adapter) processDeals(data json.RawMessage) error {
	var du dealsUpdate
	if err := json.Unmarshal(data, &du); err != nil {
		return fmt.Errorf("deals.update: %w", err)
	}
	if len(du.DealList) == 0 {
		return nil
	}

	batch := &stream.TradeBatch{Symbol: market.Normalize(du.Market)}
	for _, d := range du.DealList {
		side := stream.SideBuy
		if d.Side == "sell" {
			side = stream.SideSell
		}
		batch.Trades = append(batch.Trades, stream.Trade{
			ID:        strconv.FormatInt(d.DealID, 10),
			Timestamp: d.CreatedAt,
			Side:      side,
			Price:     d.Price,
			Quantity:  d.Amount,
			Amount:    d.Price.Mul(d.Amount),
		})
		if d.CreatedAt > batch.Timestamp {
			batch.Timestamp = d.CreatedAt
		}
	}
	a.Emitter().EmitTrades(batch)
	return nil
}
