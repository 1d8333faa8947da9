package stream

import (
	"time"

	"cryptofeed-ingest/internal/market"
)

// Adapter is the venue capability set: URLs, symbol format, ping form,
// subscription frame shapes and the payload parser. One implementation
// per venue, stateless apart from what its own protocol requires.
type Adapter interface {
	// Name is the venue identifier used in logs and metrics.
	Name() string

	// PublicURL is the public market-data endpoint.
	PublicURL() string

	// PrivateURL is the authenticated endpoint, or "" when the venue
	// has none.
	PrivateURL() string

	// PingInterval is the venue's heartbeat period.
	PingInterval() time.Duration

	// PingMessage returns the application-level ping frame, or nil to
	// fall back to a transport-level ping.
	PingMessage() []byte

	// FormatSymbol renders a market in the venue's wire form.
	FormatSymbol(m market.Market) string

	// SubscribeFrame builds the subscription frame for one descriptor.
	// Returns ErrUnsupportedChannel when the venue does not offer the
	// channel.
	SubscribeFrame(sub Subscription) ([]byte, error)

	// UnsubscribeFrame builds the unsubscription frame.
	UnsubscribeFrame(sub Subscription) ([]byte, error)

	// SupportsBatch reports whether several descriptors can be
	// coalesced into grouped frames.
	SupportsBatch() bool

	// BatchSubscribeFrames groups descriptors into as few frames as
	// the venue allows. Only called when SupportsBatch is true.
	BatchSubscribeFrames(subs []Subscription) ([][]byte, error)

	// ProcessMessage decodes one inbound frame and routes the result
	// through the bound Emitter. CPU-only; must not block.
	ProcessMessage(data []byte, private bool) error

	// Bind hands the adapter its emitter. Called once by NewClient,
	// before any other method.
	Bind(e Emitter)
}
