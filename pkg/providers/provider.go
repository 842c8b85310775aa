// Package providers defines the duplex channel every speech/agent provider
// is reached through, and the registry the bridge connects them with.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
)

// Variant distinguishes what a channel can do on its own.
type Variant int

const (
	// Integrated channels recognise, reason and synthesise; their audio is final playback audio.
	Integrated Variant = iota
	// RecognitionOnly channels emit text events only and never audio.
	RecognitionOnly
)

func (v Variant) String() string {
	if v == RecognitionOnly {
		return "recognition_only"
	}
	return "integrated"
}

type MessageKind int

const (
	MessageControl MessageKind = iota
	MessageAudio
)

// Message is one outbound unit: a JSON control payload or a raw audio frame.
type Message struct {
	Kind MessageKind
	Data []byte
}

func Control(payload []byte) Message { return Message{Kind: MessageControl, Data: payload} }
func Audio(frame []byte) Message     { return Message{Kind: MessageAudio, Data: frame} }

// Channel is a live duplex connection owned by exactly one call.
type Channel interface {
	Name() string
	Variant() Variant
	Send(ctx context.Context, msg Message) error
	// Events is closed when the channel ends; Err then reports why (nil on Close).
	Events() <-chan events.Event
	Err() error
	Close() error
}

// Injector is implemented by channels that can vocalise text they did not generate.
type Injector interface {
	Inject(ctx context.Context, text string) error
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("provider channel closed")

// Factory opens a channel for one call.
type Factory func(ctx context.Context, meta agent.Metadata) (Channel, error)

// Connector opens provider channels by kind.
type Connector interface {
	Connect(ctx context.Context, kind string, meta agent.Metadata) (Channel, error)
}

// Registry maps lowercase provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	r.factories[normalize(name)] = factory
	r.mu.Unlock()
}

// Has reports whether a factory is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalize(name)]
	return ok
}

// Connect opens a channel of the given kind. Failures carry ReasonProviderConnect
// unless the factory already attached a more specific reason.
func (r *Registry) Connect(ctx context.Context, kind string, meta agent.Metadata) (Channel, error) {
	r.mu.RLock()
	fn := r.factories[normalize(kind)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, errorsx.Wrap(fmt.Errorf("provider not registered: %s", kind), errorsx.ReasonProviderConnect)
	}
	ch, err := fn(ctx, meta)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("connect %s: %w", kind, err), errorsx.ReasonProviderConnect)
	}
	return ch, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
