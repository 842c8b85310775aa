package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	c.WebsocketPath = strings.TrimRight(c.WebsocketPath, "/")
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport accepts Twilio media streams and hands each one to the call
// handler as a transports.Conn.
type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	handler  transports.CallHandler
	logger   *slog.Logger

	updateClient callUpdater

	mu    sync.Mutex
	calls map[string]*mediaConn

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config, handler transports.CallHandler) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		handler: handler,
		logger:  logging.NewComponentLogger(nil, "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		calls: make(map[string]*mediaConn),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
		"stream_url":          t.websocketBase(nil) + "/{session_id}",
	}
}

// Register mounts the voice webhook, the media stream endpoint and the
// status callback on mux.
func (t *Transport) Register(mux *http.ServeMux) {
	mux.Handle(t.cfg.VoicePath, t.signed("voice", http.HandlerFunc(t.handleVoice)))
	mux.Handle(t.cfg.WebsocketPath+"/", t)
	mux.Handle(t.cfg.StatusCallbackPath, t.signed("status", http.HandlerFunc(t.handleStatusCallback)))
}

// Drain refuses new media streams; live calls continue.
func (t *Transport) Drain() { t.draining.Store(true) }

func (t *Transport) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, t.cfg.WebsocketPath), "/")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("twilio_upgrade_failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	conn := newMediaConn(ws, t)
	defer func() {
		_ = conn.Close()
		t.unbind(conn)
	}()
	if t.handler == nil {
		t.logger.Error("twilio_no_call_handler", slog.String("session_id", sessionID))
		return
	}
	t.handler(r.Context(), sessionID, conn)
}

// Hangup completes the call through the REST API.
func (t *Transport) Hangup(ctx context.Context, callSID string) error {
	if strings.TrimSpace(callSID) == "" {
		return errorsx.Wrap(errors.New("call sid required"), errorsx.ReasonHangup)
	}
	if err := ctx.Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonHangup)
	}
	updater, err := t.updater()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonHangup)
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := updater.UpdateCall(callSID, params); err != nil {
		return errorsx.Wrap(fmt.Errorf("complete call %s: %w", callSID, err), errorsx.ReasonHangup)
	}
	t.logger.Info("twilio_call_completed", slog.String("call_sid", callSID))
	return nil
}

func (t *Transport) updater() (callUpdater, error) {
	if t.updateClient != nil {
		return t.updateClient, nil
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return nil, errors.New("twilio account_sid and auth_token are required")
	}
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: t.cfg.AccountSID,
		Password: t.cfg.AuthToken,
	}).Api, nil
}

func (t *Transport) Dial(ctx context.Context, to, from, webhook string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, webhook)
}

func (t *Transport) DialWithOptions(ctx context.Context, to, from, webhook string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).DialWithOptions(ctx, to, from, webhook, opts)
}

func (t *Transport) bind(callSID string, c *mediaConn) {
	if callSID == "" {
		return
	}
	t.mu.Lock()
	t.calls[callSID] = c
	t.mu.Unlock()
}

func (t *Transport) unbind(c *mediaConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid, existing := range t.calls {
		if existing == c {
			delete(t.calls, sid)
		}
	}
}

func (t *Transport) websocketBase(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := ""
	if r != nil {
		host = r.Host
	}
	if host == "" {
		host = localAddr(t.cfg.ServerAddr)
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string { return t.publicHTTP(t.cfg.VoicePath) }

func (t *Transport) statusCallbackURL() string { return t.publicHTTP(t.cfg.StatusCallbackPath) }

func (t *Transport) publicHTTP(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	return "http://" + localAddr(t.cfg.ServerAddr) + path
}

func localAddr(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return addr
}

// checkOrigin admits upgrades without an Origin header, which is how Twilio
// connects. Browser origins must match an allowed scheme+host or bare host.
func (t *Transport) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if t.cfg.AllowAnyOrigin || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, allowed := range t.cfg.AllowedOrigins {
		allowed = strings.TrimRight(strings.TrimSpace(allowed), "/")
		switch {
		case allowed == "":
		case strings.Contains(allowed, "://"):
			if strings.EqualFold(allowed, u.Scheme+"://"+u.Host) {
				return true
			}
		case strings.EqualFold(allowed, u.Host):
			return true
		}
	}
	return false
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var (
	_ transports.Hangupper                 = (*Transport)(nil)
	_ transports.OutboundDialerWithOptions = (*Transport)(nil)
	_ transports.ReadyReporter             = (*Transport)(nil)
)
