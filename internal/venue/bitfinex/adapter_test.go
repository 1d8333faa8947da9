package bitfinex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptofeed-ingest/internal/market"
	"cryptofeed-ingest/internal/stream"
	"cryptofeed-ingest/internal/venue/venuetest"
)

func newBound(t *testing.T) (*Adapter, *venuetest.Emitter) {
	t.Helper()
	a := New()
	em := venuetest.New(a.Name())
	a.Bind(em)
	return a, em
}

func TestFormatSymbol(t *testing.T) {
	a := New()
	assert.Equal(t, "tBTCUSD", a.FormatSymbol(market.New("BTC", "USD")))
	assert.Equal(t, "tBTC:USDT", a.FormatSymbol(market.New("BTC", "USDT")))
	assert.Equal(t, "tDOGE:USD", a.FormatSymbol(market.New("DOGE", "USD")))
}

func TestSubscribeFrameBook(t *testing.T) {
	a, _ := newBound(t)

	frame, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelOrderbook, Symbol: "BTC/USD"})
	require.NoError(t, err)

	var req map[string]string
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "subscribe", req["event"])
	assert.Equal(t, "book", req["channel"])
	assert.Equal(t, "tBTCUSD", req["symbol"])
	assert.Equal(t, "P0", req["prec"])
	assert.Equal(t, "25", req["len"])
}

func TestSubscribeFrameCandles(t *testing.T) {
	a, _ := newBound(t)

	frame, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelCandles, Symbol: "BTC/USD", Extra: "1m"})
	require.NoError(t, err)

	var req map[string]string
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "candles", req["channel"])
	assert.Equal(t, "trade:1m:tBTCUSD", req["key"])
}

func TestNoBatch(t *testing.T) {
	a := New()
	assert.False(t, a.SupportsBatch())
	_, err := a.BatchSubscribeFrames(nil)
	assert.Error(t, err)
}

func confirm(t *testing.T, a *Adapter, frame string) {
	t.Helper()
	require.NoError(t, a.ProcessMessage([]byte(frame), false))
}

func TestSubscribedBindsChannelID(t *testing.T) {
	a, em := newBound(t)

	confirm(t, a, `{"event":"subscribed","channel":"ticker","chanId":17,"symbol":"tBTCUSD","pair":"BTCUSD"}`)

	sub, ok := em.SubscriptionByVenueID("17")
	require.True(t, ok)
	assert.Equal(t, stream.ChannelTicker, sub.Channel)
	assert.Equal(t, "BTC/USD", sub.Symbol)
}

func TestUnsubscribeFrameUsesChannelID(t *testing.T) {
	a, _ := newBound(t)
	confirm(t, a, `{"event":"subscribed","channel":"trades","chanId":9,"symbol":"tETH:USDT"}`)

	frame, err := a.UnsubscribeFrame(stream.Subscription{Channel: stream.ChannelTrades, Symbol: "ETH/USDT"})
	require.NoError(t, err)
	var req map[string]any
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "unsubscribe", req["event"])
	assert.Equal(t, float64(9), req["chanId"])
}

func TestProcessTicker(t *testing.T) {
	a, em := newBound(t)
	confirm(t, a, `{"event":"subscribed","channel":"ticker","chanId":3,"symbol":"tBTCUSD"}`)

	confirm(t, a, `[3,[50000.1,12.5,50001.2,8.1,120.5,0.0024,50000.5,1234.5,51000,49000]]`)

	require.Len(t, em.Tickers, 1)
	tk := em.Tickers[0]
	assert.Equal(t, "BTC/USD", tk.Symbol)
	assert.Equal(t, "50000.1", tk.BestBid.String())
	assert.Equal(t, "50001.2", tk.BestAsk.String())
	assert.Equal(t, "50000.5", tk.LastPrice.String())
}

func TestProcessBookSignedAmounts(t *testing.T) {
	a, em := newBound(t)
	confirm(t, a, `{"event":"subscribed","channel":"book","chanId":5,"symbol":"tBTCUSD"}`)

	// Snapshot: positive amounts are bids, negative asks.
	confirm(t, a, `[5,[[50000,2,1.5],[49999,1,0.7],[50004,3,-2.0],[50006,1,-1.1]]]`)

	b := em.Cache.Get("BTC/USD")
	require.NotNil(t, b)
	require.Len(t, b.Bids, 2)
	require.Len(t, b.Asks, 2)
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, "50000", bid.Price.String())
	assert.Equal(t, "1.5", bid.Quantity.String())
	assert.Equal(t, 2, bid.Count)
	assert.Equal(t, "50004", ask.Price.String())
	assert.Equal(t, "2", ask.Quantity.String())

	// Count zero deletes the bid level.
	confirm(t, a, `[5,[50000,0,1]]`)
	bid, _ = b.BestBid()
	assert.Equal(t, "49999", bid.Price.String())

	// Update replaces the ask quantity.
	confirm(t, a, `[5,[50004,4,-3.5]]`)
	ask, _ = b.BestAsk()
	assert.Equal(t, "3.5", ask.Quantity.String())
	assert.Equal(t, 4, ask.Count)
}

func TestHeartbeatIgnored(t *testing.T) {
	a, em := newBound(t)
	confirm(t, a, `{"event":"subscribed","channel":"book","chanId":5,"symbol":"tBTCUSD"}`)
	confirm(t, a, `[5,"hb"]`)
	assert.Empty(t, em.Errors)
	assert.Empty(t, em.EmittedBooks)
}

func TestProcessTrades(t *testing.T) {
	a, em := newBound(t)
	confirm(t, a, `{"event":"subscribed","channel":"trades","chanId":7,"symbol":"tBTCUSD"}`)

	// Snapshot of two trades, then a "te" execution and its "tu" echo.
	confirm(t, a, `[7,[[401,1717243200000,0.5,50000],[402,1717243201000,-0.2,50001]]]`)
	confirm(t, a, `[7,"te",[403,1717243202000,1.1,50002]]`)
	confirm(t, a, `[7,"tu",[403,1717243202000,1.1,50002]]`)

	require.Len(t, em.Trades, 2)
	snap := em.Trades[0]
	require.Len(t, snap.Trades, 2)
	assert.Equal(t, stream.SideBuy, snap.Trades[0].Side)
	assert.Equal(t, stream.SideSell, snap.Trades[1].Side)
	assert.Equal(t, "0.2", snap.Trades[1].Quantity.String())

	exec := em.Trades[1]
	require.Len(t, exec.Trades, 1)
	assert.Equal(t, "403", exec.Trades[0].ID)
}

func TestProcessCandle(t *testing.T) {
	a, em := newBound(t)
	confirm(t, a, `{"event":"subscribed","channel":"candles","chanId":11,"key":"trade:1m:tBTCUSD"}`)

	confirm(t, a, `[11,[1717243200000,50000,50010,50020,49990,42.5]]`)

	require.Len(t, em.Candles, 1)
	c := em.Candles[0]
	assert.Equal(t, "BTC/USD", c.Symbol)
	assert.Equal(t, "1m", c.Interval)
	assert.Equal(t, int64(1717243200000), c.OpenTime)
	assert.Equal(t, "50010", c.Close.String())
}

func TestMaintenanceInfoRequestsReconnect(t *testing.T) {
	a, em := newBound(t)
	confirm(t, a, `{"event":"info","code":20051,"msg":"Stopping. Please try to reconnect"}`)
	assert.Equal(t, 1, em.Reconnects)
}

func TestErrorEventEmitsProtocolError(t *testing.T) {
	a, em := newBound(t)
	confirm(t, a, `{"event":"error","msg":"symbol: invalid","code":10300}`)
	require.Len(t, em.Errors, 1)
	assert.ErrorIs(t, em.Errors[0], stream.ErrProtocol)
}

func TestUnknownChannelDataDropped(t *testing.T) {
	a, em := newBound(t)
	confirm(t, a, `[99,[1,2,3]]`)
	assert.Empty(t, em.Errors)
}

func TestMalformedFrameIsParseError(t *testing.T) {
	a, _ := newBound(t)
	assert.Error(t, a.ProcessMessage([]byte(`not json`), false))
	assert.Error(t, a.ProcessMessage([]byte(`[5]`), false))
}
