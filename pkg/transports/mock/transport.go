package mock

import (
	"context"
	"encoding/base64"
	"io"
	"sync"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/transports"
)

// Sent is one outbound write recorded by Conn.
type Sent struct {
	Clear    bool
	StreamID string
	Audio    []byte
}

// Conn is an in-memory media leg for local testing. Push feeds inbound
// messages; Sent exposes what the bridge wrote back.
type Conn struct {
	in     chan transports.Message
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	sent   []Sent
	notify chan struct{}
}

func New() *Conn {
	return &Conn{
		in:     make(chan transports.Message, 256),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Push injects an inbound message. It is dropped once the leg is closed.
func (c *Conn) Push(msg transports.Message) {
	select {
	case <-c.done:
	case c.in <- msg:
	}
}

// Start pushes the start envelope for a call.
func (c *Conn) Start(streamID, callID string) {
	c.Push(transports.Message{Event: transports.EventStart, StreamID: streamID, CallID: callID})
}

// Media pushes one inbound audio chunk.
func (c *Conn) Media(streamID string, audio []byte) {
	c.Push(transports.Message{
		Event:    transports.EventMedia,
		StreamID: streamID,
		Payload:  base64.StdEncoding.EncodeToString(audio),
	})
}

// Stop pushes the stop envelope.
func (c *Conn) Stop(streamID string) {
	c.Push(transports.Message{Event: transports.EventStop, StreamID: streamID})
}

func (c *Conn) Read(ctx context.Context) (transports.Message, error) {
	select {
	case <-ctx.Done():
		return transports.Message{}, ctx.Err()
	case <-c.done:
		return transports.Message{}, io.EOF
	case msg := <-c.in:
		return msg, nil
	}
}

func (c *Conn) SendMedia(streamID string, audio []byte) error {
	return c.record(Sent{StreamID: streamID, Audio: append([]byte(nil), audio...)})
}

func (c *Conn) SendClear(streamID string) error {
	return c.record(Sent{Clear: true, StreamID: streamID})
}

func (c *Conn) record(s Sent) error {
	if c.Closed() {
		return errorsx.Wrap(transports.ErrClosed, errorsx.ReasonTransportSend)
	}
	c.mu.Lock()
	c.sent = append(c.sent, s)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the leg closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Sent returns a copy of every outbound write so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Audio concatenates every outbound media payload.
func (c *Conn) Audio() []byte {
	var out []byte
	for _, s := range c.Sent() {
		if !s.Clear {
			out = append(out, s.Audio...)
		}
	}
	return out
}

var _ transports.Conn = (*Conn)(nil)
