package coinbase

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

func TestBatchGroupsByChannel(t *testing.T) {
	a, _ := newBound(t)

	frames, err := a.BatchSubscribeFrames([]stream.Subscription{
		{Channel: stream.ChannelTicker, Symbol: "BTC/USD"},
		{Channel: stream.ChannelTicker, Symbol: "ETH/USD"},
		{Channel: stream.ChannelOrderbook, Symbol: "BTC/USD"},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var cmd command
	require.NoError(t, json.Unmarshal(frames[0], &cmd))
	assert.Equal(t, "subscribe", cmd.Type)
	require.Len(t, cmd.Channels, 2)
	assert.Equal(t, channelSpec{Name: "ticker", ProductIDs: []string{"BTC-USD", "ETH-USD"}}, cmd.Channels[0])
	assert.Equal(t, channelSpec{Name: "level2_batch", ProductIDs: []string{"BTC-USD"}}, cmd.Channels[1])
}

func TestCandlesUnsupported(t *testing.T) {
	a, _ := newBound(t)
	_, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelCandles, Symbol: "BTC/USD", Extra: "1m"})
	assert.ErrorIs(t, err, stream.ErrUnsupportedChannel)
}

func TestProcessTicker(t *testing.T) {
	a, em := newBound(t)

	frame := `{"type":"ticker","product_id":"BTC-USD","price":"50000.5","best_bid":"50000.1","best_bid_size":"1.2","best_ask":"50001.2","best_ask_size":"0.8","high_24h":"51000","low_24h":"49000","volume_24h":"1234.5","time":"2024-06-01T12:00:00.000000Z"}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Tickers, 1)
	tk := em.Tickers[0]
	assert.Equal(t, "BTC/USD", tk.Symbol)
	assert.Equal(t, "50000.5", tk.LastPrice.String())
}

func TestSnapshotThenL2Update(t *testing.T) {
	a, em := newBound(t)

	snapshot := `{"type":"snapshot","product_id":"BTC-USD","bids":[["50003","1"],["50001","2"]],"asks":[["50005","1"]]}`
	require.NoError(t, a.ProcessMessage([]byte(snapshot), false))

	b := em.Cache.Get("BTC/USD")
	require.NotNil(t, b)
	bid, _ := b.BestBid()
	assert.Equal(t, "50003", bid.Price.String())

	update := `{"type":"l2update","product_id":"BTC-USD","time":"2024-06-01T12:00:01.000000Z","changes":[["buy","50003","0"],["sell","50004","2"]]}`
	require.NoError(t, a.ProcessMessage([]byte(update), false))

	bid, _ = b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, "50001", bid.Price.String())
	assert.Equal(t, "50004", ask.Price.String())
}

func TestMatchTakerSide(t *testing.T) {
	a, em := newBound(t)

	// Maker sold, taker bought.
	frame := `{"type":"match","trade_id":10,"product_id":"BTC-USD","side":"sell","size":"0.1","price":"50000","time":"2024-06-01T12:00:00.000000Z"}`
	require.NoError(t, a.ProcessMessage([]byte(frame), false))

	require.Len(t, em.Trades, 1)
	assert.Equal(t, stream.SideBuy, em.Trades[0].Trades[0].Side)
	assert.Equal(t, "10", em.Trades[0].Trades[0].ID)
}

func TestSubscriptionsAckIgnored(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"type":"subscriptions","channels":[]}`), false))
	assert.Empty(t, em.Errors)
}

func TestErrorSurfaced(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"type":"error","message":"Failed to subscribe","reason":"BTC-USDX is not a valid product"}`), false))
	require.Len(t, em.Errors, 1)
	assert.ErrorIs(t, em.Errors[0], stream.ErrProtocol)
}

func TestMalformedFrameIsParseError(t *testing.T) {
	a, _ := newBound(t)
	assert.Error(t, a.ProcessMessage([]byte(`not json`), false))
	assert.Error(t, a.ProcessMessage([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["buy","x","1"]]}`), false))
}
