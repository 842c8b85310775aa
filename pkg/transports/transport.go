package transports

import (
	"context"
	"errors"
)

// ErrClosed is returned by sends on a leg that has been closed.
var ErrClosed = errors.New("telephony leg closed")

type EventKind string

const (
	EventConnected EventKind = "connected"
	EventStart     EventKind = "start"
	EventMedia     EventKind = "media"
	EventStop      EventKind = "stop"
)

// Message is one inbound telephony envelope. Start carries the call
// identity; Media carries the base64 payload exactly as received.
type Message struct {
	Event     EventKind
	StreamID  string
	CallID    string
	Direction string
	From      string
	To        string
	Payload   string
}

// Conn is one call's media leg. Read blocks until the next message and
// returns io.EOF once the leg has ended; Close unblocks it.
type Conn interface {
	Read(ctx context.Context) (Message, error)
	SendMedia(streamID string, audio []byte) error
	SendClear(streamID string) error
	Close() error
}

// CallHandler owns an accepted media leg until it returns.
type CallHandler func(ctx context.Context, sessionID string, conn Conn)

// Hangupper ends a call out of band, keyed by the telephony call id.
type Hangupper interface {
	Hangup(ctx context.Context, callID string) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings. SessionID binds the
// call to a control-plane session through the voice webhook query.
type DialOptions struct {
	SessionID      string
	SendDigits     string
	StatusCallback string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter exposes readiness metadata such as webhook URLs.
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
