// Package deepgram reaches Deepgram's voice agent and live transcription
// endpoints.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/providers"
)

const (
	DefaultAgentURL   = "wss://agent.deepgram.com/v1/agent/converse"
	defaultKeepAlive  = 5 * time.Second
	defaultEventQueue = 256
	writeTimeout      = 5 * time.Second
)

// AgentConfig configures the integrated voice agent channel.
type AgentConfig struct {
	APIKey      string `mapstructure:"api_key"`
	URL         string `mapstructure:"url"`
	KeepAliveMS int    `mapstructure:"keepalive_ms"`
	EventBuffer int    `mapstructure:"event_buffer"`
}

// DecodeAgentConfig reads provider settings from config.
func DecodeAgentConfig(settings map[string]any) (AgentConfig, error) {
	var cfg AgentConfig
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("deepgram agent settings: %w", err)
	}
	if err := configutil.RequireString(cfg.APIKey, "providers.agent.settings.api_key"); err != nil {
		return AgentConfig{}, err
	}
	if cfg.URL == "" {
		cfg.URL = DefaultAgentURL
	}
	return cfg, nil
}

// NewAgentFactory returns a providers.Factory dialing the agent endpoint.
// A nil dialer uses the gorilla default with proxy support.
func NewAgentFactory(cfg AgentConfig, dialer *websocket.Dialer) providers.Factory {
	return func(ctx context.Context, meta agent.Metadata) (providers.Channel, error) {
		return ConnectAgent(ctx, cfg, meta, dialer)
	}
}

// Agent is the integrated channel: it takes caller audio and JSON control
// messages and yields decoded events plus synthesized audio.
type Agent struct {
	cfg    AgentConfig
	meta   agent.Metadata
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	events  chan events.Event
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	closed    bool
}

func ConnectAgent(ctx context.Context, cfg AgentConfig, meta agent.Metadata, dialer *websocket.Dialer) (*Agent, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultAgentURL
	}
	target := cfg.URL
	if meta.SessionID != "" {
		if u, err := url.Parse(target); err == nil {
			q := u.Query()
			q.Set("session_id", meta.SessionID)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}

	logger := logging.NewComponentLogger(nil, "deepgram_agent")
	conn, mode, err := Dial(ctx, dialer, target, cfg.APIKey)
	if err != nil {
		logger.Error("agent_connect_failed",
			slog.String("session_id", meta.SessionID),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return nil, err
	}
	logger.Info("agent_connected",
		slog.String("session_id", meta.SessionID),
		slog.String("auth", mode))

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventQueue
	}
	a := &Agent{
		cfg:    cfg,
		meta:   meta,
		conn:   conn,
		logger: logger,
		events: make(chan events.Event, buffer),
		done:   make(chan struct{}),
	}
	go a.readLoop()
	go a.keepAlive()
	return a, nil
}

func (a *Agent) Name() string                { return "deepgram_agent" }
func (a *Agent) Variant() providers.Variant  { return providers.Integrated }
func (a *Agent) Events() <-chan events.Event { return a.events }

func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Agent) Send(ctx context.Context, msg providers.Message) error {
	mt := websocket.TextMessage
	if msg.Kind == providers.MessageAudio {
		mt = websocket.BinaryMessage
	}
	return a.write(ctx, mt, msg.Data)
}

// Inject asks the agent to speak text it did not generate itself.
func (a *Agent) Inject(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"type": "InjectAgentMessage", "message": text})
	if err != nil {
		return err
	}
	return a.write(ctx, websocket.TextMessage, payload)
}

func (a *Agent) write(ctx context.Context, mt int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.isClosed() {
		return providers.ErrClosed
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = a.conn.SetWriteDeadline(deadline)
	if err := a.conn.WriteMessage(mt, data); err != nil {
		return errorsx.Wrap(fmt.Errorf("deepgram agent write: %w", err), errorsx.ReasonProviderSend)
	}
	return nil
}

func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)

		a.writeMu.Lock()
		_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = a.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		_ = a.conn.Close()
		a.logger.Info("agent_closed", slog.String("session_id", a.meta.SessionID))
	})
	return nil
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Agent) readLoop() {
	defer close(a.events)
	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			if !a.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				a.mu.Lock()
				a.err = errorsx.Wrap(fmt.Errorf("deepgram agent read: %w", err), errorsx.ReasonProviderClosed)
				a.mu.Unlock()
				a.logger.Warn("agent_read_failed",
					slog.String("session_id", a.meta.SessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var ev events.Event
		switch mt {
		case websocket.BinaryMessage:
			ev = events.BinaryAudio{Data: data}
		case websocket.TextMessage:
			ev, err = events.Decode(data)
			if err != nil {
				a.logger.Warn("agent_message_malformed",
					slog.String("session_id", a.meta.SessionID),
					slog.String("reason", string(errorsx.ReasonMalformedMessage)),
					slog.String("error", err.Error()))
				continue
			}
		default:
			continue
		}

		select {
		case a.events <- ev:
		case <-a.done:
			return
		}
	}
}

func (a *Agent) keepAlive() {
	interval := defaultKeepAlive
	if a.cfg.KeepAliveMS > 0 {
		interval = time.Duration(a.cfg.KeepAliveMS) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	payload := []byte(`{"type":"KeepAlive"}`)
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			if err := a.write(context.Background(), websocket.TextMessage, payload); err != nil {
				if !errors.Is(err, providers.ErrClosed) {
					a.logger.Debug("agent_keepalive_failed",
						slog.String("session_id", a.meta.SessionID),
						slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

var (
	_ providers.Channel  = (*Agent)(nil)
	_ providers.Injector = (*Agent)(nil)
)
