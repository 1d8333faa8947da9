package bitget

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
		{Channel: stream.ChannelCandles, Symbol: "ETH/USDT", Extra: "1h"},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var cmd command
	require.NoError(t, json.Unmarshal(frames[0], &cmd))
	require.Len(t, cmd.Args, 2)
	assert.Equal(t, arg{InstType: "SPOT", Channel: "ticker", InstID: "BTCUSDT"}, cmd.Args[0])
	assert.Equal(t, arg{InstType: "SPOT", Channel: "candle1H", InstID: "ETHUSDT"}, cmd.Args[1])
}

func TestPongIgnored(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte("pong"), false))
	assert.Empty(t, em.Errors)
}

func TestProcessTicker(t *testing.T) {
	a, em := newBound(t)

	frame := `{"action":"snapshot","arg":{"instType":"SPOT","channel":"ticker","instId":"BTCUSDT"},"data":[{"instId":"BTCUSDT","lastPr":"50000.5","bidPr":"50000.1","bidSz":"1.2","askPr":"50001.2","askSz":"0.8","high24h":"51000","low24h":"49000","baseVolume":"1234.5","change24h":"0.0024","ts":"1717243200000"}],"ts":1717243200001}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Tickers, 1)
	tk := em.Tickers[0]
	assert.Equal(t, "BTC/USDT", tk.Symbol)
	assert.Equal(t, int64(1717243200000), tk.Timestamp)
}

func TestProcessBookSnapshotThenDelta(t *testing.T) {
	a, em := newBound(t)

	snapshot := `{"action":"snapshot","arg":{"instType":"SPOT","channel":"books","instId":"BTCUSDT"},"data":[{"bids":[["50003","1"],["50001","2"]],"asks":[["50005","1"]],"ts":"1717243200000"}],"ts":1717243200000}`
	require.NoError(t, a.ProcessMessage([]byte(snapshot), false))

	b := em.Cache.Get("BTC/USDT")
	require.NotNil(t, b)
	bid, _ := b.BestBid()
	assert.Equal(t, "50003", bid.Price.String())

	delta := `{"action":"update","arg":{"instType":"SPOT","channel":"books","instId":"BTCUSDT"},"data":[{"bids":[["50003","0"]],"asks":[["50004","1"]],"ts":"1717243201000"}],"ts":1717243201000}`
	require.NoError(t, a.ProcessMessage([]byte(delta), false))

	bid, _ = b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, "50001", bid.Price.String())
	assert.Equal(t, "50004", ask.Price.String())
}

func TestProcessTrades(t *testing.T) {
	a, em := newBound(t)

	frame := `{"action":"snapshot","arg":{"instType":"SPOT","channel":"trade","instId":"BTCUSDT"},"data":[{"ts":"1717243200001","price":"50000","size":"0.1","side":"sell","tradeId":"1111111"}],"ts":1717243200001}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Trades, 1)
	assert.Equal(t, stream.SideSell, em.Trades[0].Trades[0].Side)
	assert.Equal(t, "1111111", em.Trades[0].Trades[0].ID)
}

func TestProcessCandles(t *testing.T) {
	a, em := newBound(t)

	frame := `{"action":"update","arg":{"instType":"SPOT","channel":"candle1m","instId":"BTCUSDT"},"data":[["1717243200000","50000","50020","49990","50010","42.5","2125000"]],"ts":1717243260000}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Candles, 1)
	c := em.Candles[0]
	assert.Equal(t, "1m", c.Interval)
	assert.Equal(t, int64(1717243200000), c.OpenTime)
	assert.Equal(t, "50010", c.Close.String())
}

func TestErrorEvent(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"event":"error","code":30001,"msg":"channel does not exist"}`), false))
	require.Len(t, em.Errors, 1)
	assert.ErrorIs(t, em.Errors[0], stream.ErrProtocol)
}

func TestMalformedFrameIsParseError(t *testing.T) {
	a, _ := newBound(t)
	assert.Error(t, a.ProcessMessage([]byte(`not json`), false))
	assert.Error(t, a.ProcessMessage([]byte(`{"arg":{"channel":"trade","instId":"BTCUSDT"},"data":{}}`), false))
}
