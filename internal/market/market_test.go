package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"slash lowercase", "btc/usdt", "BTC/USDT"},
		{"dash", "BTC-USDT", "BTC/USDT"},
		{"joined", "BTCUSDT", "BTC/USDT"},
		{"joined usd", "BTCUSD", "BTC/USD"},
		{"joined krw", "ETHKRW", "ETH/KRW"},
		{"upbit quote first", "KRW-BTC", "BTC/KRW"},
		{"unknown quote", "BTCXYZ", "BTCXYZ"},
		{"empty", "", ""},
		{"whitespace", "   ", "   "},
		{"mx quote", "BTCMX", "BTC/MX"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	// Joined venue renderings must survive a to-venue / from-venue cycle.
	for _, canonical := range []string{"BTC/USDT", "ETH/BTC", "SOL/USDC", "XRP/KRW"} {
		m, err := Parse(canonical)
		require.NoError(t, err)
		assert.Equal(t, canonical, Normalize(m.Base+m.Quote))
	}
}

func TestParse(t *testing.T) {
	m, err := Parse("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC", m.Base)
	assert.Equal(t, "USDT", m.Quote)
	assert.Equal(t, "BTC/USDT", m.String())

	for _, bad := range []string{"BTCUSDT", "BTC-USDT", "BTC/USDT/ETH", "", "/USDT", "BTC/"} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestMarketEquality(t *testing.T) {
	assert.Equal(t, New("BTC", "USDT"), New("btc", "usdt"))
	assert.NotEqual(t, New("BTC", "USDT"), New("BTC", "KRW"))
}

func TestIntervalToMs(t *testing.T) {
	tests := []struct {
		interval string
		want     int64
	}{
		{"1m", 60_000},
		{"1h", 3_600_000},
		{"1d", 86_400_000},
		{"1w", 604_800_000},
		{"30d", 2_592_000_000},
		{"1M", 2_592_000_000},
		{"unknown", 3_600_000},
		{"", 3_600_000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IntervalToMs(tt.interval), "interval %q", tt.interval)
	}
}

func TestVenueIntervals(t *testing.T) {
	assert.Equal(t, "1", IntervalToUpbit("1m"))
	assert.Equal(t, "5", IntervalToUpbit("5m"))
	assert.Equal(t, "60", IntervalToUpbit("1h"))
	assert.Equal(t, "D", IntervalToUpbit("1d"))
	assert.Equal(t, "W", IntervalToUpbit("1w"))
	assert.Equal(t, "M", IntervalToUpbit("1M"))

	assert.Equal(t, "1min", IntervalToHuobi("1m"))
	assert.Equal(t, "60min", IntervalToHuobi("60m"))
	assert.Equal(t, "4hour", IntervalToHuobi("4h"))
	assert.Equal(t, "1day", IntervalToHuobi("1d"))
	assert.Equal(t, "1week", IntervalToHuobi("1w"))
	assert.Equal(t, "1mon", IntervalToHuobi("1M"))

	assert.Equal(t, "MINUTE_1", IntervalToBittrex("1m"))
	assert.Equal(t, "HOUR_1", IntervalToBittrex("1h"))
	assert.Equal(t, "DAY_1", IntervalToBittrex("1d"))

	assert.Equal(t, "1M", IntervalToCryptoCom("1m"))
	assert.Equal(t, "1H", IntervalToCryptoCom("1h"))
	assert.Equal(t, "1D", IntervalToCryptoCom("1d"))
	assert.Equal(t, "7D", IntervalToCryptoCom("1w"))
}

func TestNormalizeInterval(t *testing.T) {
	assert.Equal(t, "1m", NormalizeInterval("1m"))
	assert.Equal(t, "1h", NormalizeInterval("1H"))
	assert.Equal(t, "1M", NormalizeInterval("1M"))
	assert.Equal(t, "1h", NormalizeInterval(""))
}
