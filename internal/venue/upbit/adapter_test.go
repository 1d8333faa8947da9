package upbit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func decode(t *testing.T, frame []byte) []map[string]any {
	t.Helper()
	var parts []map[string]any
	require.NoError(t, json.Unmarshal(frame, &parts))
	return parts
}

func TestSubscribeFrameCarriesUnion(t *testing.T) {
	a, _ := newBound(t)

	_, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelTicker, Symbol: "BTC/KRW"})
	require.NoError(t, err)

	// The second frame must still carry the first subscription: every
	// frame replaces the whole session set.
	frame, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelTrades, Symbol: "ETH/KRW"})
	require.NoError(t, err)

	parts := decode(t, frame)
	require.Len(t, parts, 4) // ticket, ticker, trade, format
	assert.Equal(t, "cryptofeed-ingest", parts[0]["ticket"])
	assert.Equal(t, "ticker", parts[1]["type"])
	assert.Equal(t, []any{"KRW-BTC"}, parts[1]["codes"])
	assert.Equal(t, "trade", parts[2]["type"])
	assert.Equal(t, []any{"KRW-ETH"}, parts[2]["codes"])
}

func TestUnsubscribeShrinksUnion(t *testing.T) {
	a, _ := newBound(t)

	_, err := a.BatchSubscribeFrames([]stream.Subscription{
		{Channel: stream.ChannelTicker, Symbol: "BTC/KRW"},
		{Channel: stream.ChannelTicker, Symbol: "ETH/KRW"},
	})
	require.NoError(t, err)

	frame, err := a.UnsubscribeFrame(stream.Subscription{Channel: stream.ChannelTicker, Symbol: "BTC/KRW"})
	require.NoError(t, err)

	parts := decode(t, frame)
	require.Len(t, parts, 3)
	assert.Equal(t, []any{"KRW-ETH"}, parts[1]["codes"])
}

func TestCandlesUnsupported(t *testing.T) {
	a, _ := newBound(t)
	_, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelCandles, Symbol: "BTC/KRW", Extra: "1m"})
	assert.ErrorIs(t, err, stream.ErrUnsupportedChannel)
}

func TestProcessTicker(t *testing.T) {
	a, em := newBound(t)

	frame := `{"type":"ticker","code":"KRW-BTC","timestamp":1717243200000,"trade_price":68000000,"high_price":69000000,"low_price":67000000,"acc_trade_volume_24h":1234.5,"signed_change_price":500000}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Tickers, 1)
	tk := em.Tickers[0]
	assert.Equal(t, "BTC/KRW", tk.Symbol)
	assert.Equal(t, "68000000", tk.LastPrice.String())
}

func TestProcessOrderbookSnapshot(t *testing.T) {
	a, em := newBound(t)

	frame := `{"type":"orderbook","code":"KRW-BTC","timestamp":1717243200000,"orderbook_units":[{"ask_price":68010000,"bid_price":68000000,"ask_size":0.5,"bid_size":1.2},{"ask_price":68020000,"bid_price":67990000,"ask_size":1,"bid_size":2}]}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	b := em.Cache.Get("BTC/KRW")
	require.NotNil(t, b)
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, "68000000", bid.Price.String())
	assert.Equal(t, "68010000", ask.Price.String())
	require.Len(t, b.Bids, 2)
}

func TestProcessTradeSides(t *testing.T) {
	a, em := newBound(t)

	buy := `{"type":"trade","code":"KRW-BTC","trade_price":68000000,"trade_volume":0.1,"ask_bid":"BID","sequential_id":17172432000001,"trade_timestamp":1717243200001,"timestamp":1717243200002}`
	sell := `{"type":"trade","code":"KRW-BTC","trade_price":68000000,"trade_volume":0.2,"ask_bid":"ASK","sequential_id":17172432000002,"trade_timestamp":1717243200003,"timestamp":1717243200004}`
	require.NoError(t, a.ProcessMessage([]byte(buy), false))
	require.NoError(t, a.ProcessMessage([]byte(sell), false))

	require.Len(t, em.Trades, 2)
	assert.Equal(t, stream.SideBuy, em.Trades[0].Trades[0].Side)
	assert.Equal(t, stream.SideSell, em.Trades[1].Trades[0].Side)
	assert.Equal(t, int64(1717243200001), em.Trades[0].Timestamp)
}

func TestStatusFrameIgnored(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"status":"UP"}`), false))
	assert.Empty(t, em.Errors)
}

func TestErrorSurfaced(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"error":{"name":"INVALID_PARAM","message":"code is invalid"}}`), false))
	require.Len(t, em.Errors, 1)
	assert.ErrorIs(t, em.Errors[0], stream.ErrProtocol)
}

func TestMalformedFrameIsParseError(t *testing.T) {
	a, _ := newBound(t)
	assert.Error(t, a.ProcessMessage([]byte(`not json`), false))
}
