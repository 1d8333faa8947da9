package kucoin

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

func TestSubscribeFrame(t *testing.T) {
	a, _ := newBound(t)

	frame, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelOrderbook, Symbol: "BTC/USDT"})
	require.NoError(t, err)

	var cmd command
	require.NoError(t, json.Unmarshal(frame, &cmd))
	assert.Equal(t, "subscribe", cmd.Type)
	assert.Equal(t, "/spotMarket/level2Depth50:BTC-USDT", cmd.Topic)
	assert.True(t, cmd.Response)
}

func TestCandlesUnsupported(t *testing.T) {
	a, _ := newBound(t)
	_, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelCandles, Symbol: "BTC/USDT", Extra: "1m"})
	assert.ErrorIs(t, err, stream.ErrUnsupportedChannel)
}

func TestProcessTicker(t *testing.T) {
	a, em := newBound(t)

	frame := `{"type":"message","topic":"/market/ticker:BTC-USDT","subject":"trade.ticker","data":{"bestBid":"50000.1","bestBidSize":"1.2","bestAsk":"50001.2","bestAskSize":"0.8","price":"50000.5","time":1717243200000}}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Tickers, 1)
	tk := em.Tickers[0]
	assert.Equal(t, "BTC/USDT", tk.Symbol)
	assert.Equal(t, "50000.5", tk.LastPrice.String())
}

func TestProcessDepthSnapshot(t *testing.T) {
	a, em := newBound(t)

	frame := `{"type":"message","topic":"/spotMarket/level2Depth50:BTC-USDT","subject":"level2","data":{"bids":[["50003","1"],["50001","2"]],"asks":[["50005","1"]],"timestamp":1717243200000}}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	b := em.Cache.Get("BTC/USDT")
	require.NotNil(t, b)
	bid, _ := b.BestBid()
	assert.Equal(t, "50003", bid.Price.String())
	assert.Equal(t, int64(1717243200000), b.Timestamp)
}

func TestProcessMatch(t *testing.T) {
	a, em := newBound(t)

	frame := `{"type":"message","topic":"/market/match:BTC-USDT","subject":"trade.l3match","data":{"tradeId":"62a78f","price":"50000","size":"0.1","side":"sell","time":"1717243200000000000"}}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Trades, 1)
	batch := em.Trades[0]
	assert.Equal(t, stream.SideSell, batch.Trades[0].Side)
	assert.Equal(t, int64(1717243200000), batch.Trades[0].Timestamp)
}

func TestControlFramesIgnored(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"id":"1","type":"welcome"}`), false))
	require.NoError(t, a.ProcessMessage([]byte(`{"id":"2","type":"ack"}`), false))
	require.NoError(t, a.ProcessMessage([]byte(`{"id":"3","type":"pong"}`), false))
	assert.Empty(t, em.Errors)
}

func TestErrorFrame(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"id":"4","type":"error","code":404,"data":"topic /market/nope not found"}`), false))
	require.Len(t, em.Errors, 1)
	assert.ErrorIs(t, em.Errors[0], stream.ErrProtocol)
}

func TestMalformedFrameIsParseError(t *testing.T) {
	a, _ := newBound(t)
	assert.Error(t, a.ProcessMessage([]byte(`not json`), false))
	assert.Error(t, a.ProcessMessage([]byte(`{"type":"message","topic":"/market/ticker:BTC-USDT","data":[1]}`), false))
}
