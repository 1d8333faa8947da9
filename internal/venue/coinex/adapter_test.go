package coinex

import (
	"bytes"
	"compress/gzip"
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

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDepthSubscribeFrame(t *testing.T) {
	a, _ := newBound(t)

	frame, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelOrderbook, Symbol: "BTC/USDT"})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "depth.subscribe", req["method"])
	params := req["params"].(map[string]any)
	list := params["market_list"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, []any{"BTCUSDT", float64(50), "0", true}, list[0])
}

func TestCandlesUnsupported(t *testing.T) {
	a, _ := newBound(t)
	_, err := a.SubscribeFrame(stream.Subscription{Channel: stream.ChannelCandles, Symbol: "BTC/USDT", Extra: "1m"})
	assert.ErrorIs(t, err, stream.ErrUnsupportedChannel)
}

func TestDepthFullThenDelta(t *testing.T) {
	a, em := newBound(t)

	full := `{"method":"depth.update","data":{"market":"BTCUSDT","is_full":true,"depth":{"bids":[["50003","1"],["50001","2"]],"asks":[["50005","1"]],"last":"50004","updated_at":1717243200000}}}`
	require.NoError(t, a.ProcessMessage(gz(t, full), false))

	b := em.Cache.Get("BTC/USDT")
	require.NotNil(t, b)
	bid, _ := b.BestBid()
	assert.Equal(t, "50003", bid.Price.String())

	delta := `{"method":"depth.update","data":{"market":"BTCUSDT","is_full":false,"depth":{"bids":[["50003","0"]],"asks":[["50004","2"]],"last":"50004","updated_at":1717243201000}}}`
	require.NoError(t, a.ProcessMessage(gz(t, delta), false))

	bid, _ = b.BestBid()
	ask, _ := b.BestAsk()
	assert.Equal(t, "50001", bid.Price.String())
	assert.Equal(t, "50004", ask.Price.String())
}

func TestStateUpdate(t *testing.T) {
	a, em := newBound(t)

	frame := `{"method":"state.update","data":{"state_list":[{"market":"BTCUSDT","last":"50000.5","high":"51000","low":"49000","volume":"1234.5"}]}}`
	require.NoError(t, a.ProcessMessage(gz(t, frame), false))

	require.Len(t, em.Tickers, 1)
	tk := em.Tickers[0]
	assert.Equal(t, "BTC/USDT", tk.Symbol)
	assert.Equal(t, "50000.5", tk.LastPrice.String())
}

func TestDealsUpdate(t *testing.T) {
	a, em := newBound(t)

	frame := `{"method":"deals.update","data":{"market":"BTCUSDT","deal_list":[{"deal_id":3514376759,"created_at":1717243200001,"side":"sell","price":"50000","amount":"0.1"}]}}`
	require.NoError(t, a.ProcessMessage(gz(t, frame), false))

	require.Len(t, em.Trades, 1)
	batch := em.Trades[0]
	assert.Equal(t, stream.SideSell, batch.Trades[0].Side)
	assert.Equal(t, "3514376759", batch.Trades[0].ID)
	assert.Equal(t, int64(1717243200001), batch.Timestamp)
}

func TestPongIgnoredAndErrorSurfaced(t *testing.T) {
	a, em := newBound(t)

	require.NoError(t, a.ProcessMessage(gz(t, `{"id":1,"code":0,"message":"OK","data":{}}`), false))
	assert.Empty(t, em.Errors)

	require.NoError(t, a.ProcessMessage(gz(t, `{"id":2,"code":20001,"message":"invalid market"}`), false))
	require.Len(t, em.Errors, 1)
	assert.ErrorIs(t, em.Errors[0], stream.ErrProtocol)
}

func TestPlainFrameAccepted(t *testing.T) {
	a, em := newBound(t)
	require.NoError(t, a.ProcessMessage([]byte(`{"id":1,"code":0,"message":"OK"}`), false))
	assert.Empty(t, em.Errors)
}

func TestMalformedFrameIsParseError(t *testing.T) {
	a, _ := newBound(t)
	assert.Error(t, a.ProcessMessage([]byte(`not json`), false))
	assert.Error(t, a.ProcessMessage(gz(t, `{"method":"deals.update","data":[1]}`), false))
}
