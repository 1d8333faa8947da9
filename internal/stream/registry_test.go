package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertionOrderAndDedup(t *testing.T) {
	r := newRegistry()

	r.add(ChannelTicker, "BTC/USD", "")
	r.add(ChannelTrades, "ETH/USD", "")
	r.add(ChannelTicker, "BTC/USD", "") // duplicate key

	all := r.all()
	require.Len(t, all, 2)
	assert.Equal(t, ChannelTicker, all[0].Channel)
	assert.Equal(t, ChannelTrades, all[1].Channel)
}

func TestRegistryActiveFilter(t *testing.T) {
	r := newRegistry()

	r.add(ChannelTicker, "BTC/USD", "")
	r.add(ChannelCandles, "BTC/USD", "1m")
	r.setActive(ChannelCandles, "BTC/USD", "1m", true)

	active := r.active()
	require.Len(t, active, 1)
	assert.Equal(t, "1m", active[0].Extra)
	assert.False(t, active[0].SubscribedAt.IsZero())
}

func TestRegistryVenueIDRebind(t *testing.T) {
	r := newRegistry()

	r.add(ChannelOrderbook, "BTC/USD", "")
	r.bindVenueID(ChannelOrderbook, "BTC/USD", "", "42")

	sub, ok := r.byVenueID("42")
	require.True(t, ok)
	assert.Equal(t, ChannelOrderbook, sub.Channel)

	// Rebinding after a venue reissues the id drops the old mapping.
	r.bindVenueID(ChannelOrderbook, "BTC/USD", "", "43")
	_, ok = r.byVenueID("42")
	assert.False(t, ok)
	_, ok = r.byVenueID("43")
	assert.True(t, ok)
}

func TestRegistryRemoveClearsVenueID(t *testing.T) {
	r := newRegistry()

	r.add(ChannelTrades, "BTC/USD", "")
	r.bindVenueID(ChannelTrades, "BTC/USD", "", "7")
	r.remove(ChannelTrades, "BTC/USD", "")

	assert.Empty(t, r.all())
	_, ok := r.byVenueID("7")
	assert.False(t, ok)
}
