// Package recognition assembles a recognition-only provider channel from a
// streaming transcriber and a reasoner. It emits text events only.
package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/providers"
)

const (
	DefaultDedupeWindow = 3 * time.Second
	defaultAudioBuffer  = 256
	defaultWorkBuffer   = 32
	defaultHistoryLimit = 40
)

// Transcriber is the streaming speech-to-text half of the channel.
type Transcriber interface {
	Start(ctx context.Context) error
	Write(audio []byte) error
	Events() <-chan events.Event
	Close() error
}

type Config struct {
	DedupeWindow time.Duration
	AudioBuffer  int
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = DefaultDedupeWindow
	}
	if c.AudioBuffer <= 0 {
		c.AudioBuffer = defaultAudioBuffer
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}

// NewFactory returns a providers.Factory building one transcriber per call.
func NewFactory(cfg Config, newTranscriber func(meta agent.Metadata) Transcriber, reasoner providers.Reasoner) providers.Factory {
	return func(ctx context.Context, meta agent.Metadata) (providers.Channel, error) {
		return Open(ctx, cfg, newTranscriber(meta), reasoner, meta)
	}
}

type work struct {
	text   string
	result *events.FunctionCallResponse
}

// Channel runs three workers: audio forwarding, transcript intake and
// reasoning. Close or a fatal transcriber failure stops them, after which
// Events is closed and Err reports the failure.
type Channel struct {
	cfg         Config
	meta        agent.Metadata
	transcriber Transcriber
	reasoner    providers.Reasoner
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	audio  chan []byte
	work   chan work
	events chan events.Event

	audioMu sync.RWMutex
	closed  bool

	eventsMu     sync.RWMutex
	eventsClosed bool

	mu        sync.Mutex
	system    string
	functions []agent.Function
	history   []providers.Turn
	lastText  string
	lastAt    time.Time
	err       error
	closeOnce sync.Once
}

func Open(ctx context.Context, cfg Config, t Transcriber, r providers.Reasoner, meta agent.Metadata) (*Channel, error) {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:         cfg,
		meta:        meta,
		transcriber: t,
		reasoner:    r,
		logger:      logging.NewComponentLogger(nil, "recognition"),
		now:         time.Now,
		audio:       make(chan []byte, cfg.AudioBuffer),
		work:        make(chan work, defaultWorkBuffer),
		events:      make(chan events.Event, defaultAudioBuffer),
	}
	// The channel outlives the connect call; only explicit Close ends it.
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := t.Start(c.ctx); err != nil {
		c.cancel()
		return nil, errorsx.Wrap(fmt.Errorf("start transcriber: %w", err), errorsx.ReasonProviderConnect)
	}

	c.wg.Add(3)
	go c.forwardAudio()
	go c.intake()
	go c.reason()
	go func() {
		<-c.ctx.Done()
		c.wg.Wait()
		c.closeEvents()
	}()
	return c, nil
}

func (c *Channel) Name() string                { return "recognition" }
func (c *Channel) Variant() providers.Variant  { return providers.RecognitionOnly }
func (c *Channel) Events() <-chan events.Event { return c.events }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send accepts caller audio and the control messages this channel
// understands: Settings and FunctionCallResponse. Others are ignored.
func (c *Channel) Send(ctx context.Context, msg providers.Message) error {
	if msg.Kind == providers.MessageAudio {
		return c.sendAudio(ctx, msg.Data)
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return errorsx.Wrap(fmt.Errorf("recognition control: %w", err), errorsx.ReasonMalformedMessage)
	}
	switch env.Type {
	case "Settings":
		return c.applySettings(ctx, msg.Data)
	case string(events.KindFunctionCallResponse):
		ev, err := events.Decode(msg.Data)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonMalformedMessage)
		}
		resp := ev.(events.FunctionCallResponse)
		return c.enqueue(ctx, work{result: &resp})
	}
	return nil
}

func (c *Channel) sendAudio(ctx context.Context, frame []byte) error {
	c.audioMu.RLock()
	defer c.audioMu.RUnlock()
	if c.closed || c.ctx.Err() != nil {
		return providers.ErrClosed
	}
	select {
	case c.audio <- append([]byte(nil), frame...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return providers.ErrClosed
	}
}

func (c *Channel) applySettings(ctx context.Context, payload []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonMalformedMessage)
	}
	cfg, err := agent.Parse(raw)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonMalformedMessage)
	}
	c.mu.Lock()
	c.system = cfg.Prompt
	c.functions = cfg.Functions
	c.mu.Unlock()
	c.logger.Info("recognition_configured",
		slog.String("session_id", c.meta.SessionID),
		slog.Int("functions", len(cfg.Functions)))
	return c.emit(ctx, events.SettingsApplied{})
}

func (c *Channel) enqueue(ctx context.Context, w work) error {
	select {
	case c.work <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return providers.ErrClosed
	}
}

func (c *Channel) emit(ctx context.Context, ev events.Event) error {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return providers.ErrClosed
	}
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return providers.ErrClosed
	}
}

func (c *Channel) forwardAudio() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.audio:
			if !ok {
				return
			}
			if err := c.transcriber.Write(frame); err != nil {
				c.fail(errorsx.Wrap(fmt.Errorf("transcriber write: %w", err), errorsx.ReasonProviderSend))
				return
			}
		}
	}
}

func (c *Channel) intake() {
	defer c.wg.Done()
	source := c.transcriber.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-source:
			if !ok {
				if c.ctx.Err() == nil {
					c.fail(errorsx.Wrap(errors.New("transcriber stream ended"), errorsx.ReasonProviderClosed))
				}
				return
			}
			text, isText := ev.(events.ConversationText)
			if !isText {
				_ = c.emit(c.ctx, ev)
				continue
			}
			if c.duplicate(text.Content) {
				c.logger.Debug("transcript_deduplicated", slog.String("session_id", c.meta.SessionID))
				continue
			}
			if c.emit(c.ctx, events.ConversationText{Role: events.RoleUser, Content: text.Content}) != nil {
				return
			}
			if c.enqueue(c.ctx, work{text: text.Content}) != nil {
				return
			}
		}
	}
}

// duplicate reports whether text repeats the previous final transcript
// within the dedupe window.
func (c *Channel) duplicate(text string) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if norm == c.lastText && now.Sub(c.lastAt) < c.cfg.DedupeWindow {
		return true
	}
	c.lastText = norm
	c.lastAt = now
	return false
}

func (c *Channel) reason() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case w := <-c.work:
			c.handle(w)
		}
	}
}

func (c *Channel) handle(w work) {
	c.mu.Lock()
	if w.result != nil {
		c.history = append(c.history, providers.Turn{Role: events.RoleUser, Result: w.result})
	} else {
		c.history = append(c.history, providers.Turn{Role: events.RoleUser, Text: w.text})
	}
	c.trimHistory()
	req := providers.ReplyRequest{
		System:    c.system,
		History:   append([]providers.Turn(nil), c.history...),
		Functions: append([]agent.Function(nil), c.functions...),
	}
	c.mu.Unlock()

	reply, err := c.reasoner.Reply(c.ctx, req)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("reasoning_failed",
			slog.String("session_id", c.meta.SessionID),
			slog.String("error", err.Error()))
		_ = c.emit(c.ctx, events.Error{Code: string(errorsx.Reason(err)), Description: err.Error()})
		return
	}

	c.mu.Lock()
	if reply.Text != "" {
		c.history = append(c.history, providers.Turn{Role: events.RoleAssistant, Text: reply.Text})
	}
	for i := range reply.Calls {
		call := reply.Calls[i]
		c.history = append(c.history, providers.Turn{Role: events.RoleAssistant, Call: &call})
	}
	c.trimHistory()
	c.mu.Unlock()

	if reply.Text != "" {
		if c.emit(c.ctx, events.ConversationText{Role: events.RoleAssistant, Content: reply.Text}) != nil {
			return
		}
	}
	if len(reply.Calls) > 0 {
		_ = c.emit(c.ctx, events.FunctionCallRequest{Functions: reply.Calls})
	}
}

// trimHistory keeps the newest turns; callers hold c.mu.
func (c *Channel) trimHistory() {
	if over := len(c.history) - c.cfg.HistoryLimit; over > 0 {
		c.history = append([]providers.Turn(nil), c.history[over:]...)
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.logger.Warn("recognition_failed",
		slog.String("session_id", c.meta.SessionID),
		slog.String("error", err.Error()))
	c.cancel()
}

// closeEvents runs once every worker has exited.
func (c *Channel) closeEvents() {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
}

// Close closes the audio input, stops the workers and the transcriber, and
// finally closes Events.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.audioMu.Lock()
		c.closed = true
		close(c.audio)
		c.audioMu.Unlock()
		_ = c.transcriber.Close()
		c.wg.Wait()
		c.closeEvents()
	})
	return nil
}

var _ providers.Channel = (*Channel)(nil)
