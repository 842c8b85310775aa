// Package bridge joins one telephony media leg to its provider channels for
// the life of a call: audio framing and fan-out, event dispatch, function
// execution, latency timing and the farewell-driven hangup.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/controlplane"
	"github.com/harunnryd/callbridge/pkg/conversation"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/functions"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/providers"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/synthesis"
	"github.com/harunnryd/callbridge/pkg/transports"
)

// Outcome is how a call ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeHangup         Outcome = "hangup"
	OutcomeProviderError  Outcome = "provider_error"
	OutcomeConfigMissing  Outcome = "config_missing"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeDuplicate      Outcome = "duplicate_session"
)

const (
	defaultTick         = 250 * time.Millisecond
	defaultFlushTimeout = 10 * time.Second
	defaultSendBuffer   = 256
	defaultAgentKind    = "deepgram"
)

// SessionSource resolves a session id into its agent configuration.
type SessionSource interface {
	Session(ctx context.Context, id string) (controlplane.Session, error)
}

type Options struct {
	Sessions  SessionSource
	Registry  *session.Registry
	Connector providers.Connector
	Journal   *conversation.Journal
	Functions *functions.Bridge
	// Synthesizer speaks recognition-only replies the integrated channel
	// could not inject. Nil drops them with a warning.
	Synthesizer synthesis.Synthesizer
	// PreferSynthesis sends replies straight to the Synthesizer, skipping injection.
	PreferSynthesis bool
	Hangup          transports.Hangupper
	Observer        metrics.Observer

	// AgentProvider names the integrated channel kind; default "deepgram".
	AgentProvider string
	Tick          time.Duration
	FlushTimeout  time.Duration
	SendBuffer    int
	Now           func() time.Time
}

// Bridge handles calls. It holds no per-call state; everything a call needs
// lives in its own call value.
type Bridge struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Bridge {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(session.Options{})
	}
	if opts.Journal == nil {
		opts.Journal = conversation.NewJournal(nil)
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Functions == nil {
		opts.Functions = functions.NewBridge(0, opts.Observer)
	}
	if opts.AgentProvider == "" {
		opts.AgentProvider = defaultAgentKind
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{opts: opts, logger: logging.NewComponentLogger(nil, "bridge")}
}

// Handle is the transports.CallHandler entry point.
func (b *Bridge) Handle(ctx context.Context, sessionID string, conn transports.Conn) {
	_ = b.HandleCall(ctx, sessionID, conn)
}

// HandleCall runs one call to completion and reports how it ended.
func (b *Bridge) HandleCall(ctx context.Context, sessionID string, conn transports.Conn) Outcome {
	started := b.opts.Now()
	b.opts.Observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventCallStart,
		Time: started,
		Tags: map[string]string{"session_id": sessionID},
	})

	c, outcome := b.setup(ctx, sessionID, conn, started)
	if c != nil {
		outcome = c.run()
	}

	tags := map[string]string{"session_id": sessionID, "outcome": string(outcome)}
	if c != nil {
		tags["stream_id"], _ = c.ids()
	}
	b.opts.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventCallEnd,
		Time:  b.opts.Now(),
		Value: float64(b.opts.Now().Sub(started).Milliseconds()),
		Tags:  tags,
	})
	b.logger.Info("call_finished",
		slog.String("session_id", sessionID),
		slog.String("outcome", string(outcome)),
		slog.Duration("duration", b.opts.Now().Sub(started)))
	return outcome
}

// setup resolves the session and connects providers. A nil call means the
// call already ended with the returned outcome.
func (b *Bridge) setup(ctx context.Context, sessionID string, conn transports.Conn, started time.Time) (*call, Outcome) {
	cfg, details, err := b.resolve(ctx, sessionID)
	if err != nil {
		b.logger.Error("session_resolve_failed",
			slog.String("session_id", sessionID),
			slog.String("reason_code", string(errorsx.ReasonConfigMissing)),
			slog.String("error", err.Error()))
		_ = conn.Close()
		return nil, OutcomeConfigMissing
	}

	reg := b.opts.Registry
	if _, err := reg.Open(sessionID, cfg, details); err != nil {
		_ = conn.Close()
		return nil, OutcomeDuplicate
	}
	reg.SetTransport(sessionID, conn)
	reg.LoadFunctions(ctx, sessionID, details.OrganizationID)
	resolver, defs := reg.Functions(sessionID)

	meta := agent.Metadata{SessionID: sessionID, OrganizationID: details.OrganizationID}
	abort := func(ch providers.Channel, stage string, err error) (*call, Outcome) {
		b.logger.Error("provider_setup_failed",
			slog.String("session_id", sessionID),
			slog.String("stage", stage),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		if ch != nil {
			_ = ch.Close()
		}
		_ = conn.Close()
		reg.Cleanup(sessionID)
		return nil, OutcomeProviderError
	}

	settings, err := cfg.Settings(defs)
	if err != nil {
		return abort(nil, "settings", errorsx.Wrap(err, errorsx.ReasonConfigMissing))
	}
	primary, err := b.opts.Connector.Connect(ctx, b.opts.AgentProvider, meta)
	if err != nil {
		return abort(nil, "connect", err)
	}
	configSent := b.opts.Now()
	if err := primary.Send(ctx, providers.Control(settings)); err != nil {
		return abort(primary, "settings", err)
	}

	var recog providers.Channel
	if cfg.Dual() {
		recog, err = b.opts.Connector.Connect(ctx, cfg.ListenProvider(), meta)
		if err != nil {
			_ = primary.Close()
			return abort(nil, "connect_recognition", err)
		}
		if err := recog.Send(ctx, providers.Control(settings)); err != nil {
			_ = primary.Close()
			return abort(recog, "settings_recognition", err)
		}
	}

	c := newCall(ctx, b, sessionID, conn, details, resolver)
	c.primary = primary
	c.recog = recog
	c.timers.start(StageGreeting, started)
	c.timers.start(StageConfigApply, configSent)
	return c, ""
}

func (b *Bridge) resolve(ctx context.Context, sessionID string) (agent.Config, agent.Details, error) {
	if b.opts.Sessions == nil {
		return agent.Config{}, agent.Details{}, errors.New("no session source configured")
	}
	s, err := b.opts.Sessions.Session(ctx, sessionID)
	if err != nil {
		return agent.Config{}, agent.Details{}, err
	}
	cfg, err := agent.Parse(s.Config)
	if err != nil {
		return agent.Config{}, agent.Details{}, errorsx.Wrap(fmt.Errorf("parse agent config: %w", err), errorsx.ReasonConfigMissing)
	}
	return cfg, controlplane.ParseDetails(s.Details), nil
}
