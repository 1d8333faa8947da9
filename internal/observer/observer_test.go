package observer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockObserver(start time.Time) (*Observer, *time.Time) {
	o := New()
	now := start
	o.now = func() time.Time { return now }
	return o, &now
}

func TestOnMessageReceivedMath(t *testing.T) {
	o := New()

	o.OnMessageReceived("V", "c", "S", 100, 5.0)
	o.OnMessageReceived("V", "c", "S", 150, 3.0)

	stats, ok := o.GetChannelStatistics("V", "c", "S")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.MessageCount)
	assert.Equal(t, int64(250), stats.BytesReceived)
	assert.InDelta(t, 4.0, stats.AverageLatencyMs, 1e-9)
}

func TestMessagesPerSecond(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o, now := newClockObserver(start)

	// Not connected: uptime and rate stay zero.
	o.OnMessageReceived("V", "c", "S", 10, 1.0)
	assert.Zero(t, o.GetStatistics("V").MessagesPerSecond)

	o.OnConnectionStateChanged("V", true)
	*now = start.Add(5 * time.Second)
	o.OnMessageReceived("V", "c", "S", 10, 1.0)

	stats := o.GetStatistics("V")
	assert.InDelta(t, 5.0, stats.UptimeSeconds, 1e-9)
	assert.InDelta(t, 2.0/5.0, stats.MessagesPerSecond, 1e-9)
}

func TestAggregateAcrossChannels(t *testing.T) {
	o := New()
	o.OnMessageReceived("V", "ticker", "BTC/USD", 100, 2.0)
	o.OnMessageReceived("V", "trades", "ETH/USD", 50, 4.0)

	stats := o.GetStatistics("V")
	assert.Equal(t, int64(2), stats.MessageCount)
	assert.Equal(t, int64(150), stats.BytesReceived)
	assert.InDelta(t, 3.0, stats.AverageLatencyMs, 1e-9)
}

func TestHealthMapping(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		o := New()
		o.OnConnectionStateChanged("V", true)
		assert.Equal(t, Healthy, o.GetHealth("V").Status)
	})

	t.Run("unhealthy when disconnected", func(t *testing.T) {
		o := New()
		assert.Equal(t, Unhealthy, o.GetHealth("V").Status)
	})

	t.Run("degraded on failures", func(t *testing.T) {
		o := New()
		o.OnConnectionStateChanged("V", true)
		for i := 0; i < 15; i++ {
			o.OnError("V", "parse failure")
		}
		assert.Equal(t, Degraded, o.GetHealth("V").Status)
	})

	t.Run("degraded on reconnect attempts", func(t *testing.T) {
		o := New()
		o.OnConnectionStateChanged("V", true)
		for i := 0; i < 5; i++ {
			o.OnReconnectAttempt("V")
		}
		assert.Equal(t, 5, o.ReconnectAttempts("V"))
		assert.Equal(t, Degraded, o.GetHealth("V").Status)
	})
}

func TestHealthRecoversAfterQuarantineReconnect(t *testing.T) {
	o := New()
	o.OnConnectionStateChanged("V", true)

	// Enough parse failures to trip the quarantine threshold.
	for i := 0; i < 101; i++ {
		o.OnError("V", "parse failure")
	}
	assert.Equal(t, Degraded, o.GetHealth("V").Status)

	o.OnConnectionStateChanged("V", false)
	assert.Equal(t, Unhealthy, o.GetHealth("V").Status)

	o.OnConnectionStateChanged("V", true)
	h := o.GetHealth("V")
	assert.Equal(t, Healthy, h.Status)
	assert.Zero(t, h.MessageFailures)
	assert.Equal(t, "parse failure", h.LastError, "last error survives for inspection")
}

func TestReconnectBookkeeping(t *testing.T) {
	o := New()

	o.OnConnectionStateChanged("V", true)
	o.OnConnectionStateChanged("V", false)
	o.OnConnectionStateChanged("V", true)

	h := o.GetHealth("V")
	assert.True(t, h.IsConnected)
	assert.Equal(t, 1, h.TotalReconnects)
	assert.Equal(t, 0, h.ReconnectAttempts)
}

func TestOnErrorChargesActiveChannels(t *testing.T) {
	o := New()
	o.OnSubscriptionChanged("V", "ticker", "BTC/USD", true)
	o.OnSubscriptionChanged("V", "trades", "BTC/USD", false)

	o.OnError("V", "boom")

	active, ok := o.GetChannelStatistics("V", "ticker", "BTC/USD")
	require.True(t, ok)
	assert.Equal(t, int64(1), active.ErrorCount)

	inactive, ok := o.GetChannelStatistics("V", "trades", "BTC/USD")
	require.True(t, ok)
	assert.Zero(t, inactive.ErrorCount)

	assert.Equal(t, "boom", o.GetHealth("V").LastError)
}

func TestSubscriptionEntriesSurviveUnsubscribe(t *testing.T) {
	o := New()
	o.OnSubscriptionChanged("V", "ticker", "BTC/USD", true)
	o.OnMessageReceived("V", "ticker", "BTC/USD", 10, 1.0)
	o.OnSubscriptionChanged("V", "ticker", "BTC/USD", false)

	stats, ok := o.GetChannelStatistics("V", "ticker", "BTC/USD")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.MessageCount)
}

func TestResetStatistics(t *testing.T) {
	o := New()
	o.OnConnectionStateChanged("V", true)
	for i := 0; i < 10; i++ {
		o.OnMessageReceived("V", "c", "S", 10, 1.0)
	}
	o.OnError("V", "boom")

	o.ResetStatistics("V")

	stats := o.GetStatistics("V")
	assert.Zero(t, stats.MessageCount)
	assert.Zero(t, stats.BytesReceived)
	assert.Zero(t, stats.ErrorCount)

	h := o.GetHealth("V")
	assert.Empty(t, h.LastError)
	assert.Zero(t, h.TotalReconnects)
	assert.True(t, h.IsConnected, "reset must not touch connection state")
}

func TestEventFanOut(t *testing.T) {
	o := New()

	var metricsEvents []Statistics
	var healthEvents []HealthStatus
	o.SubscribeMetrics(func(venue string, s Statistics) {
		assert.Equal(t, "V", venue)
		metricsEvents = append(metricsEvents, s)
	})
	o.SubscribeHealth(func(venue string, h HealthStatus) {
		healthEvents = append(healthEvents, h)
	})

	o.OnMessageReceived("V", "c", "S", 10, 1.0)
	o.OnConnectionStateChanged("V", true)

	require.Len(t, metricsEvents, 1)
	assert.Equal(t, int64(1), metricsEvents[0].MessageCount)
	require.Len(t, healthEvents, 1)
	assert.Equal(t, Healthy, healthEvents[0].Status)
}
