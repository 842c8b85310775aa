// Package synthesis speaks text that an integrated provider channel cannot
// voice itself. It prefers Deepgram's streaming speak socket and falls back
// to the REST endpoint, splitting text that exceeds the request limit.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/providers/deepgram"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

const (
	MaxChars   = 2000
	FrameBytes = 160

	DefaultStreamURL = "wss://api.deepgram.com/v1/speak"
	DefaultRestURL   = "https://api.deepgram.com/v1/speak"
	DefaultModel     = "aura-2-thalia-en"

	minChunk        = 100
	flushIdle       = 2 * time.Second
	preFlushTimeout = 8 * time.Second
	restChunkGap    = 60 * time.Millisecond
)

var (
	errNoAudio     = errors.New("speak stream produced no audio")
	errCircuitOpen = errors.New("speak circuit open")
)

// Sink receives synthesized audio for one telephony stream.
type Sink interface {
	SendMedia(streamID string, audio []byte) error
}

type Config struct {
	APIKey    string
	Model     string
	StreamURL string
	RestURL   string
	// StreamDisabled skips the websocket transport and goes straight to REST.
	StreamDisabled bool
}

type Option func(*Engine)

func WithHTTPClient(c *http.Client) Option            { return func(e *Engine) { e.client = c } }
func WithDialer(d *websocket.Dialer) Option           { return func(e *Engine) { e.dialer = d } }
func WithObserver(o metrics.Observer) Option          { return func(e *Engine) { e.observer = o } }
func WithBreaker(b *resilience.CircuitBreaker) Option { return func(e *Engine) { e.breaker = b } }

// Engine is safe for concurrent use by many calls.
type Engine struct {
	cfg      Config
	client   *http.Client
	dialer   *websocket.Dialer
	breaker  *resilience.CircuitBreaker
	observer metrics.Observer
	logger   *slog.Logger

	idle     time.Duration
	preFlush time.Duration
	gap      time.Duration
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = DefaultStreamURL
	}
	if cfg.RestURL == "" {
		cfg.RestURL = DefaultRestURL
	}
	e := &Engine{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		observer: metrics.NoopObserver{},
		logger:   logging.NewComponentLogger(nil, "synthesis"),
		idle:     flushIdle,
		preFlush: preFlushTimeout,
		gap:      restChunkGap,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Synthesize speaks text into sink. Text over the request limit is split and
// spoken chunk by chunk, in order.
func (e *Engine) Synthesize(ctx context.Context, streamID, text string, sink Sink) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	for _, chunk := range SplitText(text, MaxChars) {
		if err := e.synthesizeChunk(ctx, streamID, chunk, sink); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) synthesizeChunk(ctx context.Context, streamID, text string, sink Sink) error {
	if !e.cfg.StreamDisabled {
		sent, err := e.stream(ctx, streamID, text, sink)
		switch {
		case err == nil:
			e.record(streamID, "stream", "ok")
			return nil
		case sent > 0:
			// Audio already reached the caller: abandon rather than replay over REST.
			e.record(streamID, "stream", "abandoned")
			return errorsx.Wrap(err, errorsx.ReasonSynthesisRequest)
		case ctx.Err() != nil:
			return ctx.Err()
		}
		e.record(streamID, "stream", "error")
		e.logger.Warn("speak_stream_failed",
			slog.String("stream_id", streamID),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}

	if err := e.rest(ctx, streamID, text, sink, MaxChars); err != nil {
		e.record(streamID, "rest", "error")
		return err
	}
	e.record(streamID, "rest", "ok")
	return nil
}

func (e *Engine) stream(ctx context.Context, streamID, text string, sink Sink) (int, error) {
	target, err := e.speakURL(e.cfg.StreamURL, false)
	if err != nil {
		return 0, errorsx.Wrap(err, errorsx.ReasonSynthesisConnect)
	}
	conn, _, err := deepgram.Dial(ctx, e.dialer, target, e.cfg.APIKey)
	if err != nil {
		return 0, errorsx.Wrap(fmt.Errorf("speak dial: %w", err), errorsx.ReasonSynthesisConnect)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, msg := range []map[string]string{{"type": "Speak", "text": text}, {"type": "Flush"}} {
		if err := conn.WriteJSON(msg); err != nil {
			return 0, errorsx.Wrap(fmt.Errorf("speak write: %w", err), errorsx.ReasonSynthesisConnect)
		}
	}

	p := &pacer{sink: sink, streamID: streamID}
	flushed := false
	for {
		timeout := e.preFlush
		if flushed {
			timeout = e.idle
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			// gorilla connections are unusable after a read timeout, so any
			// read error once flushed ends the utterance.
			if flushed {
				break
			}
			if ctx.Err() != nil {
				return p.sent, ctx.Err()
			}
			return p.sent, fmt.Errorf("speak read: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			if err := p.write(data); err != nil {
				return p.sent, err
			}
		case websocket.TextMessage:
			var env struct {
				Type        string `json:"type"`
				Description string `json:"description"`
			}
			_ = json.Unmarshal(data, &env)
			switch env.Type {
			case "Flushed", "Cleared":
				flushed = true
			case "Warning":
				e.logger.Warn("speak_warning", slog.String("stream_id", streamID), slog.String("description", env.Description))
			case "Error":
				return p.sent, fmt.Errorf("speak error: %s", env.Description)
			}
		}
	}
	if err := p.flush(); err != nil {
		return p.sent, err
	}
	if p.sent == 0 {
		return 0, errNoAudio
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return p.sent, nil
}

// rest posts text to the REST endpoint, splitting it to limit. A 413
// re-splits the rejected piece at half the limit down to minChunk.
func (e *Engine) rest(ctx context.Context, streamID, text string, sink Sink, limit int) error {
	for i, chunk := range SplitText(text, limit) {
		if i > 0 {
			if err := sleep(ctx, e.gap); err != nil {
				return err
			}
		}
		err := e.post(ctx, streamID, chunk, sink)
		if errorsx.HasReason(err, errorsx.ReasonSynthesisOversize) {
			half := limit / 2
			if half < minChunk {
				return err
			}
			e.logger.Info("speak_resplit",
				slog.String("stream_id", streamID),
				slog.Int("chars", utf8.RuneCountInString(chunk)),
				slog.Int("limit", half))
			if err := e.rest(ctx, streamID, chunk, sink, half); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) post(ctx context.Context, streamID, text string, sink Sink) error {
	if !e.breaker.Allow() {
		return errorsx.Wrap(errCircuitOpen, errorsx.ReasonSynthesisCircuitOpen)
	}
	target, err := e.speakURL(e.cfg.RestURL, true)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSynthesisRequest)
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSynthesisRequest)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSynthesisRequest)
	}
	req.Header.Set("Authorization", "Token "+e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.breaker.OnError(err)
		return errorsx.Wrap(fmt.Errorf("speak request: %w", err), errorsx.ReasonSynthesisRequest)
	}
	defer resp.Body.Close()

	var failure error
	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		failure = errorsx.Wrap(fmt.Errorf("speak payload too large (%d chars)", utf8.RuneCountInString(text)), errorsx.ReasonSynthesisOversize)
	case resp.StatusCode == http.StatusTooManyRequests:
		failure = errorsx.Wrap(resilience.RateLimitFromResponse("deepgram", resp), errorsx.ReasonSynthesisRateLimit)
	case resp.StatusCode >= http.StatusMultipleChoices:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		failure = errorsx.Wrap(fmt.Errorf("speak status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), errorsx.ReasonSynthesisRequest)
	}
	if failure != nil {
		e.breaker.OnError(failure)
		return failure
	}
	e.breaker.OnSuccess()

	p := &pacer{sink: sink, streamID: streamID}
	buf := make([]byte, FrameBytes)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if werr := p.write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return errorsx.Wrap(fmt.Errorf("speak body: %w", err), errorsx.ReasonSynthesisRequest)
		}
	}
	return p.flush()
}

func (e *Engine) speakURL(base string, rest bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", e.cfg.Model)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	if rest {
		q.Set("container", "none")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *Engine) record(streamID, transport, result string) {
	e.observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSynthesis,
		Time: time.Now(),
		Tags: map[string]string{"stream_id": streamID, "transport": transport, "result": result},
	})
}

// pacer re-frames arbitrary audio into FrameBytes pieces, keeping order.
type pacer struct {
	sink     Sink
	streamID string
	pending  []byte
	sent     int
}

func (p *pacer) write(data []byte) error {
	p.pending = append(p.pending, data...)
	for len(p.pending) >= FrameBytes {
		if err := p.emit(p.pending[:FrameBytes]); err != nil {
			return err
		}
		p.pending = p.pending[FrameBytes:]
	}
	return nil
}

func (p *pacer) flush() error {
	if len(p.pending) == 0 {
		return nil
	}
	err := p.emit(p.pending)
	p.pending = nil
	return err
}

func (p *pacer) emit(frame []byte) error {
	if err := p.sink.SendMedia(p.streamID, append([]byte(nil), frame...)); err != nil {
		return errorsx.Wrap(fmt.Errorf("send synthesized audio: %w", err), errorsx.ReasonTransportSend)
	}
	p.sent += len(frame)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
