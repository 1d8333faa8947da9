package okx

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
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var cmd command
	require.NoError(t, json.Unmarshal(frames[0], &cmd))
	assert.Equal(t, "subscribe", cmd.Op)
	require.Len(t, cmd.Args, 2)
	assert.Equal(t, arg{Channel: "tickers", InstID: "BTC-USDT"}, cmd.Args[0])
	assert.Equal(t, arg{Channel: "books", InstID: "ETH-USDT"}, cmd.Args[1])
}

func TestCandlesUnsupported(t *testing.T) {
	a, _ := newBound(t)
	_, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelCandles, Symbol: "BTC/USDT", Extra: "1m"})
	assert.ErrorIs(t, err, stream.ErrUnsupportedChannel)
}

func TestPongIgnored(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte("pong"), false))
	assert.Empty(t, em.Errors)
}

func TestProcessTicker(t *testing.T) {
	a, em := newBound(t)

	frame := `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"50000.5","bidPx":"50000.1","bidSz":"1.2","askPx":"50001.2","askSz":"0.8","high24h":"51000","low24h":"49000","vol24h":"1234.5","ts":"1717243200000"}]}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Tickers, 1)
	tk := em.Tickers[0]
	assert.Equal(t, "BTC/USDT", tk.Symbol)
	assert.Equal(t, "50000.1", tk.BestBid.String())
	assert.Equal(t, int64(1717243200000), tk.Timestamp)
}

func TestProcessBookSnapshotThenDelta(t *testing.T) {
	a, em := newBound(t)

	snapshot := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"bids":[["50003","1","0","1"],["50001","2","0","2"]],"asks":[["50005","1","0","1"]],"ts":"1717243200000"}]}`
	require.NoError(t, a.ProcessMessage([]byte(snapshot), false))

	b := em.Cache.Get("BTC/USDT")
	require.NotNil(t, b)
	bid, _ := b.BestBid()
	assert.Equal(t, "50003", bid.Price.String())

	delta := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"bids":[["50003","0","0","0"]],"asks":[["50004","1","0","1"]],"ts":"1717243201000"}]}`
	require.NoError(t, a.ProcessMessage([]byte(delta), false))

	bid, _ = b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, "50001", bid.Price.String())
	assert.Equal(t, "50004", ask.Price.String())
}

func TestProcessTrades(t *testing.T) {
	a, em := newBound(t)

	frame := `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"130639474","px":"50000","sz":"0.1","side":"sell","ts":"1717243200000"}]}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Trades, 1)
	batch := em.Trades[0]
	assert.Equal(t, "BTC/USDT", batch.Symbol)
	assert.Equal(t, stream.SideSell, batch.Trades[0].Side)
	assert.Equal(t, "130639474", batch.Trades[0].ID)
}

func TestErrorEvent(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"event":"error","code":"60012","msg":"Illegal request"}`), false))
	require.Len(t, em.Errors, 1)
	assert.ErrorIs(t, em.Errors[0], stream.ErrProtocol)
}

func TestMalformedFrameIsParseError(t *testing.T) {
	a, _ := newBound(t)
	assert.Error(t, a.ProcessMessage([]byte(`not json`), false))
	assert.Error(t, a.ProcessMessage([]byte(`{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":{}}`), false))
}
