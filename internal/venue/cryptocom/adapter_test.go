package cryptocom

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

func TestBatchIsOneFrame(t *testing.T) {
	a, _ := newBound(t)

	frames, err := a.BatchSubscribeFrames([]stream.Subscription{
		{Channel: stream.ChannelTicker, Symbol: "BTC/USDT"},
		{Channel: stream.ChannelOrderbook, Symbol: "ETH/USDT"},
		{Channel: stream.ChannelCandles, Symbol: "BTC/USDT", Extra: "1m"},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var cmd command
	require.NoError(t, json.Unmarshal(frames[0], &cmd))
	assert.Equal(t, "subscribe", cmd.Method)
	assert.Equal(t, []string{"ticker.BTC_USDT", "book.ETH_USDT.10", "candlestick.1M.BTC_USDT"}, cmd.Params.Channels)
	assert.NotZero(t, cmd.Nonce)
}

func TestHeartbeatAnswered(t *testing.T) {
	a, em := newBound(t)

	require.NoError(t, a.ProcessMessage([]byte(`{"id":1680,"method":"public/heartbeat","code":0}`), false))

	require.Len(t, em.Sent, 1)
	var reply command
	require.NoError(t, json.Unmarshal(em.Sent[0], &reply))
	assert.Equal(t, int64(1680), reply.ID)
	assert.Equal(t, "public/respond-heartbeat", reply.Method)
}

func TestProcessTicker(t *testing.T) {
	a, em := newBound(t)

	frame := `{"id":-1,"method":"subscribe","code":0,"result":{"channel":"ticker","subscription":"ticker.BTC_USDT","instrument_name":"BTC_USDT","data":[{"a":"50000.5","b":"50000.1","bs":"1.2","k":"50001.2","ks":"0.8","h":"51000","l":"49000","v":"1234.5","c":"0.0024","t":1717243200000}]}}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Tickers, 1)
	tk := em.Tickers[0]
	assert.Equal(t, "BTC/USDT", tk.Symbol)
	assert.Equal(t, "50000.5", tk.LastPrice.String())
	assert.Equal(t, int64(1717243200000), tk.Timestamp)
}

func TestProcessBookSnapshot(t *testing.T) {
	a, em := newBound(t)

	frame := `{"id":-1,"method":"subscribe","code":0,"result":{"channel":"book","subscription":"book.BTC_USDT.10","instrument_name":"BTC_USDT","data":[{"bids":[["50003","1","2"],["50001","2","1"]],"asks":[["50005","1","1"]],"t":1717243200000}]}}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	b := em.Cache.Get("BTC/USDT")
	require.NotNil(t, b)
	bid, _ := b.BestBid()
	assert.Equal(t, "50003", bid.Price.String())
	assert.Equal(t, 2, bid.Count)
}

func TestProcessTrades(t *testing.T) {
	a, em := newBound(t)

	frame := `{"id":-1,"method":"subscribe","code":0,"result":{"channel":"trade","subscription":"trade.BTC_USDT","instrument_name":"BTC_USDT","data":[{"d":1152300000004,"t":1717243200001,"p":"50000","q":"0.1","s":"SELL"}]}}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Trades, 1)
	batch := em.Trades[0]
	assert.Equal(t, stream.SideSell, batch.Trades[0].Side)
	assert.Equal(t, "1152300000004", batch.Trades[0].ID)
}

func TestProcessCandles(t *testing.T) {
	a, em := newBound(t)

	frame := `{"id":-1,"method":"subscribe","code":0,"result":{"channel":"candlestick","subscription":"candlestick.1M.BTC_USDT","instrument_name":"BTC_USDT","interval":"1M","data":[{"t":1717243200000,"o":"50000","h":"50020","l":"49990","c":"50010","v":"42.5"}]}}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Candles, 1)
	c := em.Candles[0]
	assert.Equal(t, "1m", c.Interval)
	assert.Equal(t, "50010", c.Close.String())
}

func TestSubscribeAckIgnored(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"id":1,"method":"subscribe","code":0}`), false))
	assert.Empty(t, em.Errors)
}

func TestErrorCodeSurfaced(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"id":1,"method":"subscribe","code":40003,"message":"invalid channel"}`), false))
	require.Len(t, em.Errors, 1)
	assert.ErrorIs(t, em.Errors[0], stream.ErrProtocol)
}

func TestMalformedFrameIsParseError(t *testing.T) {
	a, _ := newBound(t)
	assert.Error(t, a.ProcessMessage([]byte(`not json`), false))
	assert.Error(t, a.ProcessMessage([]byte(`{"id":-1,"method":"subscribe","code":0,"result":{"channel":"trade","instrument_name":"BTC_USDT","data":{}}}`), false))
}
