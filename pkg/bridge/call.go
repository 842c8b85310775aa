package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/conversation"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/functions"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/providers"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/synthesis"
	"github.com/harunnryd/callbridge/pkg/transports"
)

// Cleanup reasons.
const (
	reasonStop           = "stop"
	reasonFarewell       = "farewell"
	reasonTransportError = "transport_error"
	reasonProviderClosed = "provider_closed"
	reasonShutdown       = "shutdown"
)

type funnelEvent struct {
	ev   events.Event
	from providers.Channel
}

// call is the state of one bridged call. Fields under "telephony" belong to
// the telephony goroutine and fields under "dispatch" to the dispatcher.
type call struct {
	b         *Bridge
	sessionID string
	conn      transports.Conn
	details   agent.Details
	resolver  functions.Resolver
	primary   providers.Channel
	recog     providers.Channel
	logger    *slog.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	funnel    chan funnelEvent

	idMu     sync.Mutex
	streamID string
	callID   string

	// telephony
	framer  Framer
	senders []*sender

	injected echoes

	// dispatch
	farewell   Farewell
	timers     *timers
	firstAudio bool

	finishOnce sync.Once
	outcome    Outcome
}

func newCall(ctx context.Context, b *Bridge, sessionID string, conn transports.Conn, details agent.Details, resolver functions.Resolver) *call {
	c := &call{
		b:         b,
		sessionID: sessionID,
		conn:      conn,
		details:   details,
		resolver:  resolver,
		logger:    b.logger.With(slog.String("session_id", sessionID)),
		parent:    ctx,
		ready:     make(chan struct{}),
		funnel:    make(chan funnelEvent, 64),
		timers:    newTimers(b.opts.Observer),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

func (c *call) now() time.Time { return c.b.opts.Now() }

func (c *call) ids() (streamID, callID string) {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.streamID, c.callID
}

func (c *call) collector() (*conversation.Collector, bool) {
	streamID, _ := c.ids()
	if streamID == "" {
		return nil, false
	}
	return c.b.opts.Journal.Get(streamID)
}

// run starts the call's tasks and blocks until all of them have exited.
func (c *call) run() Outcome {
	g, gctx := errgroup.WithContext(c.ctx)
	// A blocked telephony read only returns once the leg is closed.
	stop := context.AfterFunc(gctx, func() { _ = c.conn.Close() })
	defer stop()

	c.senders = append(c.senders, newSender(c.primary, c.b.opts.SendBuffer, c.logger))
	if c.recog != nil {
		c.senders = append(c.senders, newSender(c.recog, c.b.opts.SendBuffer, c.logger))
	}
	for _, s := range c.senders {
		g.Go(func() error { return s.run(gctx) })
	}
	g.Go(func() error { return c.readTelephony(gctx) })
	g.Go(func() error { return c.dispatch(gctx, g) })
	if c.recog != nil {
		g.Go(func() error { return c.bridgeRecognition(gctx, g) })
	}

	if err := g.Wait(); err != nil {
		c.logger.Warn("call_task_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
	c.finish(reasonShutdown, OutcomeCompleted)
	return c.outcome
}

// finish is the only way a call ends. The first caller decides the outcome.
func (c *call) finish(reason string, outcome Outcome) {
	c.finishOnce.Do(func() {
		c.outcome = outcome
		streamID, callID := c.ids()
		c.logger.Info("call_cleanup",
			slog.String("stream_id", streamID),
			slog.String("call_sid", callID),
			slog.String("reason", reason),
			slog.String("outcome", string(outcome)))

		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.parent), c.b.opts.FlushTimeout)
		defer cancel()

		if streamID != "" {
			status := conversation.StatusCompleted
			if outcome != OutcomeCompleted && outcome != OutcomeHangup {
				status = string(outcome)
			}
			if err := c.b.opts.Journal.Flush(ctx, streamID, status); err != nil {
				c.logger.Warn("conversation_flush_failed",
					slog.String("stream_id", streamID),
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
			}
		}
		if reason == reasonFarewell && callID != "" && c.b.opts.Hangup != nil {
			if err := c.b.opts.Hangup.Hangup(ctx, callID); err != nil {
				c.logger.Warn("hangup_failed",
					slog.String("call_sid", callID),
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
			}
		}

		c.cancel()
		if c.primary != nil {
			_ = c.primary.Close()
		}
		if c.recog != nil {
			_ = c.recog.Close()
		}
		_ = c.conn.Close()
		c.b.opts.Registry.Cleanup(c.sessionID)
	})
}

func (c *call) readTelephony(ctx context.Context) error {
	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				c.finish(reasonStop, OutcomeCompleted)
				return nil
			}
			err = errorsx.Wrap(err, errorsx.ReasonTransportClosed)
			c.logger.Error("telephony_read_failed",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			c.finish(reasonTransportError, OutcomeTransportError)
			return err
		}

		switch msg.Event {
		case transports.EventConnected:
			c.logger.Debug("telephony_connected")
		case transports.EventStart:
			c.onStart(msg)
		case transports.EventMedia:
			audio, err := base64.StdEncoding.DecodeString(msg.Payload)
			if err != nil {
				c.logger.Warn("telephony_media_undecodable",
					slog.String("reason_code", string(errorsx.ReasonMalformedMessage)),
					slog.String("error", err.Error()))
				continue
			}
			frames := c.framer.Push(audio)
			for _, frame := range frames {
				for _, s := range c.senders {
					s.push(frame)
				}
			}
			if len(frames) > 0 {
				c.b.opts.Observer.RecordEvent(metrics.MetricsEvent{
					Name:  metrics.EventAudioIn,
					Time:  c.now(),
					Value: float64(len(frames)),
					Tags:  map[string]string{"stream_id": msg.StreamID},
				})
			}
		case transports.EventStop:
			c.finish(reasonStop, OutcomeCompleted)
			return nil
		}
	}
}

func (c *call) onStart(msg transports.Message) {
	c.idMu.Lock()
	if c.streamID != "" {
		c.idMu.Unlock()
		c.logger.Warn("telephony_duplicate_start", slog.String("stream_id", msg.StreamID))
		return
	}
	c.streamID = msg.StreamID
	c.callID = msg.CallID
	c.idMu.Unlock()

	phone := c.details.PhoneNumber
	if (phone == "" || phone == "unknown") && msg.From != "" {
		phone = msg.From
	}
	c.b.opts.Journal.Open(msg.StreamID, conversation.Meta{
		SessionID:   c.sessionID,
		StreamID:    msg.StreamID,
		CallID:      msg.CallID,
		OrgID:       c.details.OrganizationID,
		PhoneNumber: phone,
		CallType:    c.details.CallType,
	})
	c.logger.Info("telephony_started",
		slog.String("stream_id", msg.StreamID),
		slog.String("call_sid", msg.CallID),
		slog.String("direction", msg.Direction))
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *call) awaitReady(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.ready:
		return true
	}
}

// dispatch consumes provider events for the telephony leg and owns the
// hangup decision.
func (c *call) dispatch(ctx context.Context, g *errgroup.Group) error {
	if !c.awaitReady(ctx) {
		return nil
	}
	streamID, _ := c.ids()
	c.timers.streamID = streamID

	ticker := time.NewTicker(c.b.opts.Tick)
	defer ticker.Stop()
	primary := c.primary.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-primary:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := c.primary.Err()
				if err == nil {
					err = providers.ErrClosed
				}
				err = errorsx.Wrap(err, errorsx.ReasonProviderClosed)
				c.logger.Error("provider_channel_ended",
					slog.String("stream_id", streamID),
					slog.String("provider", c.primary.Name()),
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
				c.finish(reasonProviderClosed, OutcomeProviderError)
				return err
			}
			if t, ok := ev.(events.ConversationText); ok && t.Role == events.RoleAssistant && c.injected.take(t.Content) {
				c.logger.Debug("injected_echo_skipped", slog.String("stream_id", streamID))
				continue
			}
			c.handle(ctx, g, ev, c.primary)
		case fe := <-c.funnel:
			c.handle(ctx, g, fe.ev, fe.from)
		case <-ticker.C:
		}

		if c.farewell.ShouldHangup(c.now()) {
			c.logger.Info("farewell_hangup",
				slog.String("stream_id", streamID),
				slog.String("farewell", c.farewell.State().String()))
			c.finish(reasonFarewell, OutcomeHangup)
			return nil
		}
	}
}

func (c *call) handle(ctx context.Context, g *errgroup.Group, ev events.Event, from providers.Channel) {
	now := c.now()
	streamID, _ := c.ids()
	switch e := ev.(type) {
	case events.UserStartedSpeaking:
		if err := c.conn.SendClear(streamID); err != nil {
			c.logger.Warn("telephony_clear_failed", slog.String("stream_id", streamID), slog.String("error", err.Error()))
		}
		c.timers.start(StageSTT, now)
		c.farewell.Activity(now)
	case events.UtteranceEnd:
		switch e.Role {
		case events.RoleUser:
			c.timers.start(StageThink, now)
		case events.RoleAssistant:
			c.farewell.MarkComplete(now)
		}
	case events.AgentAudioDone:
		c.farewell.MarkComplete(now)
	case events.ConversationText:
		c.onText(e, now)
	case events.FunctionCallRequest:
		for _, fc := range e.Functions {
			if fc.Name == functions.ActionEndCall {
				c.farewell.MarkPending(now)
			}
			g.Go(func() error {
				c.runFunction(ctx, fc, from)
				return nil
			})
		}
	case events.Warning:
		c.logger.Warn("provider_warning", slog.String("stream_id", streamID), slog.String("code", e.Code), slog.String("description", e.Description))
		if col, ok := c.collector(); ok {
			col.AddWarning(detail(e.Code, e.Description))
		}
	case events.Error:
		c.logger.Error("provider_error", slog.String("stream_id", streamID), slog.String("code", e.Code), slog.String("description", e.Description))
		if col, ok := c.collector(); ok {
			col.AddError(detail(e.Code, e.Description))
		}
	case events.SettingsApplied:
		c.timers.stop(StageConfigApply, now)
	case events.BinaryAudio:
		if err := c.conn.SendMedia(streamID, e.Data); err != nil {
			c.logger.Debug("telephony_media_send_failed", slog.String("stream_id", streamID), slog.String("error", err.Error()))
			return
		}
		c.b.opts.Observer.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventAudioOut,
			Time: now,
			Tags: map[string]string{"stream_id": streamID},
		})
		c.timers.stop(StageTTS, now)
		if !c.firstAudio {
			c.firstAudio = true
			c.timers.stop(StageGreeting, now)
		}
	case events.Unknown:
		c.logger.Debug("provider_event_ignored", slog.String("stream_id", streamID), slog.String("type", e.Type))
	}
}

func (c *call) onText(e events.ConversationText, now time.Time) {
	switch e.Role {
	case events.RoleUser:
		c.timers.stop(StageSTT, now)
		c.timers.start(StageLLM, now)
		c.farewell.Activity(now)
		if UserFarewell(e.Content) {
			c.farewell.MarkPending(now)
		}
	case events.RoleAssistant:
		c.timers.stop(StageLLM, now)
		c.timers.stop(StageThink, now)
		c.timers.start(StageTTS, now)
		if AssistantFarewell(e.Content) {
			c.farewell.MarkPending(now)
		}
	}
	streamID, _ := c.ids()
	c.logger.Info("conversation_text",
		slog.String("stream_id", streamID),
		slog.String("role", e.Role),
		slog.String("content", redact.Text(e.Content)))
	if col, ok := c.collector(); ok {
		col.AddTurn(e.Role, e.Content)
	}
}

func (c *call) runFunction(ctx context.Context, fc events.FunctionCall, from providers.Channel) {
	var rec functions.Recorder
	if col, ok := c.collector(); ok {
		rec = col
	}
	resp := c.b.opts.Functions.Execute(ctx, fc, c.resolver, rec)
	payload, err := resp.Encode()
	if err != nil {
		return
	}
	if err := from.Send(ctx, providers.Control(payload)); err != nil && ctx.Err() == nil {
		c.logger.Warn("function_response_send_failed",
			slog.String("function", fc.Name),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}

// bridgeRecognition routes a recognition-only channel's replies into the
// dispatcher and gets them spoken.
func (c *call) bridgeRecognition(ctx context.Context, g *errgroup.Group) error {
	if !c.awaitReady(ctx) {
		return nil
	}
	streamID, _ := c.ids()
	var queue *synthesis.Queue
	if c.b.opts.Synthesizer != nil {
		queue = synthesis.NewQueue(streamID, c.b.opts.Synthesizer, c.conn)
		queue.OnDone(func(string, error) {
			select {
			case c.funnel <- funnelEvent{ev: events.AgentAudioDone{}}:
			default:
			}
		})
		g.Go(func() error { return queue.Run(ctx) })
	}

	recognition := c.recog.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-recognition:
			if !ok {
				if err := c.recog.Err(); err != nil && ctx.Err() == nil {
					c.logger.Warn("recognition_channel_ended",
						slog.String("stream_id", streamID),
						slog.String("reason_code", string(errorsx.Reason(err))),
						slog.String("error", err.Error()))
				}
				return nil
			}
			switch e := ev.(type) {
			case events.ConversationText:
				if e.Role != events.RoleAssistant {
					continue
				}
				if !c.forward(ctx, funnelEvent{ev: e, from: c.recog}) {
					return nil
				}
				c.speak(ctx, queue, e.Content)
			case events.FunctionCallRequest:
				if !c.forward(ctx, funnelEvent{ev: e, from: c.recog}) {
					return nil
				}
			}
		}
	}
}

func (c *call) forward(ctx context.Context, fe funnelEvent) bool {
	select {
	case c.funnel <- fe:
		return true
	case <-ctx.Done():
		return false
	}
}

// speak voices text through the integrated channel, falling back to the
// synthesis queue when it cannot inject.
func (c *call) speak(ctx context.Context, queue *synthesis.Queue, text string) {
	if inj, ok := c.primary.(providers.Injector); ok && (queue == nil || !c.b.opts.PreferSynthesis) {
		c.injected.expect(text)
		err := inj.Inject(ctx, text)
		if err == nil {
			return
		}
		c.injected.take(text)
		c.logger.Warn("inject_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
	if queue == nil {
		c.logger.Warn("synthesis_unavailable", slog.Int("chars", len(text)))
		return
	}
	queue.Submit(text)
}

func detail(code, description string) string {
	switch {
	case code == "":
		return description
	case description == "":
		return code
	}
	return code + ": " + description
}
