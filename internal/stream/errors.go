package stream

import "errors"

// Error taxonomy. Transport errors trigger reconnection, protocol and
// parse errors are observable but non-fatal, contract and argument
// errors surface synchronously from the subscribe calls.
var (
	ErrClosed             = errors.New("stream: client closed")
	ErrNotConnected       = errors.New("stream: not connected")
	ErrBadSymbol          = errors.New("stream: malformed symbol")
	ErrUnsupportedChannel = errors.New("stream: channel not offered by venue")
	ErrTransport          = errors.New("stream: transport failure")
	ErrProtocol           = errors.New("stream: venue error frame")
	ErrParse              = errors.New("stream: payload did not parse")
)
