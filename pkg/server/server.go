// Package server assembles the call bridge from configuration and serves the
// telephony webhooks, health and Prometheus metrics on one HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/config"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/controlplane"
	"github.com/harunnryd/callbridge/pkg/conversation"
	"github.com/harunnryd/callbridge/pkg/functions"
	"github.com/harunnryd/callbridge/pkg/knowledge"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/observers"
	"github.com/harunnryd/callbridge/pkg/providers"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/synthesis"
	"github.com/harunnryd/callbridge/pkg/transports"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

const metricsNamespace = "callbridge"

var twilioSchema = configutil.Schema{
	Optional: []string{
		"server_addr", "public_url", "auth_token", "account_sid", "voice_path", "ws_path",
		"status_callback_path", "voice_greeting", "allow_any_origin", "allowed_origins",
	},
}

type Options struct {
	// Connector replaces the provider registry built from config.
	Connector providers.Connector
	// Registry receives the Prometheus collectors; nil creates one with the
	// Go and process collectors.
	Registry *prometheus.Registry
}

// Server owns every process-wide component. Calls themselves are owned by
// the bridge.
type Server struct {
	cfg       config.Config
	mux       *http.ServeMux
	http      *http.Server
	transport *twilio.Transport
	sessions  *session.Registry
	bridge    *bridge.Bridge
	async     *metrics.AsyncObserver
	timeline  *observers.TimelineObserver
	rdb       redis.UniversalClient
	limiter   *ipLimiter
	logger    *slog.Logger

	mu        sync.Mutex
	listener  net.Listener
	draining  atomic.Bool
	closeOnce sync.Once
}

func New(ctx context.Context, cfg config.Config, opts Options) (*Server, error) {
	logging.SetDefault(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := logging.NewComponentLogger(nil, "server")

	logger.Info("callbridge_init",
		slog.String("environment", cfg.Environment),
		slog.String("transport", cfg.Transport.Provider),
		slog.String("agent_provider", cfg.Providers.Agent.Provider),
		slog.String("recognition_provider", cfg.Providers.Recognition.Provider),
		slog.String("reasoning_provider", cfg.Providers.Reasoning.Provider))

	connector := opts.Connector
	if connector == nil {
		reg, err := BuildProviders(ctx, cfg.Providers)
		if err != nil {
			return nil, fmt.Errorf("providers: %w", err)
		}
		connector = reg
	}

	tcfg, err := transportConfig(cfg)
	if err != nil {
		return nil, err
	}

	promReg := opts.Registry
	if promReg == nil {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &Server{cfg: cfg, mux: http.NewServeMux(), logger: logger}

	obsList := []metrics.Observer{
		metrics.NewPrometheusObserver(metricsNamespace, promReg),
		observers.NewLatencyObserver(slog.Default()),
		observers.NewLoggerObserver(slog.Default()),
	}
	if dir := strings.TrimSpace(cfg.Observability.TimelineDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			if n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour); err == nil && n > 0 {
				logger.Info("timeline_purged", slog.Int("files", n))
			}
		}
		s.timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, s.timeline)
	}
	s.async = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.AsyncBuffer)

	cp := cfg.ControlPlane
	s.rdb = controlplane.NewRedisClient(cp.RedisAddr, cp.RedisPassword, cp.RedisDB)
	control := controlplane.New(controlplane.Config{
		BaseURL: cp.BaseURL,
		APIKey:  cp.APIKey,
		Timeout: config.Millis(cp.TimeoutMS, 5*time.Second),
		Retries: cp.Retries,
		Backoff: config.Millis(cp.RetryBackoffMS, 200*time.Millisecond),
	}, controlplane.NewSessionCache(cp.SessionCacheSize, config.Seconds(cp.SessionCacheTTLS, controlplane.DefaultSessionTTL), s.rdb))

	kb := knowledge.New(knowledge.Config{
		BaseURL:      cfg.Knowledge.BaseURL,
		APIKey:       cp.APIKey,
		Timeout:      config.Millis(cp.TimeoutMS, 5*time.Second),
		CacheSize:    cfg.Knowledge.CacheSize,
		CacheTTL:     config.Seconds(cfg.Knowledge.CacheTTLS, 5*time.Minute),
		DefaultLimit: cfg.Knowledge.Limit,
	})

	s.sessions = session.NewRegistry(session.Options{
		Source:      control,
		Knowledge:   kb,
		LoadTimeout: config.Millis(cfg.Functions.LoadTimeoutMS, session.DefaultLoadTimeout),
	})

	s.transport = twilio.New(tcfg, s.handleCall)
	s.bridge = bridge.New(bridge.Options{
		Sessions:        control,
		Registry:        s.sessions,
		Connector:       connector,
		Journal:         conversation.NewJournal(control),
		Functions:       functions.NewBridge(config.Millis(cfg.Functions.TimeoutMS, 10*time.Second), s.async),
		Synthesizer:     buildSynthesizer(cfg, s.async),
		PreferSynthesis: cfg.Synthesis.PreferQueue,
		Hangup:          s.transport,
		Observer:        s.async,
		AgentProvider:   cfg.Providers.Agent.Provider,
	})

	hooks := http.NewServeMux()
	s.transport.Register(hooks)
	if cfg.Server.WebhookRPS > 0 {
		s.limiter = newIPLimiter(cfg.Server.WebhookRPS, cfg.Server.WebhookBurst, logger)
		s.mux.Handle("/", s.limiter.Wrap(hooks))
	} else {
		s.mux.Handle("/", hooks)
	}
	s.mux.HandleFunc(orDefault(cfg.Server.HealthPath, "/health"), s.handleHealth)
	s.mux.Handle(orDefault(cfg.Server.MetricsPath, "/metrics"), promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
	s.http = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func transportConfig(cfg config.Config) (twilio.Config, error) {
	if p := strings.ToLower(strings.TrimSpace(cfg.Transport.Provider)); p != "twilio" {
		return twilio.Config{}, fmt.Errorf("transport provider not supported: %s", cfg.Transport.Provider)
	}
	if err := validateSettings("transport.settings", cfg.Transport.Settings, twilioSchema); err != nil {
		return twilio.Config{}, err
	}
	var tcfg twilio.Config
	if err := configutil.DecodeSettings(cfg.Transport.Settings, &tcfg); err != nil {
		return twilio.Config{}, fmt.Errorf("transport settings: %w", err)
	}
	if tcfg.ServerAddr == "" {
		tcfg.ServerAddr = cfg.Server.Addr
	}
	return tcfg, nil
}

// buildSynthesizer returns nil when synthesis is disabled or has no key.
// The agent key is reused when synthesis has none of its own.
func buildSynthesizer(cfg config.Config, obs metrics.Observer) synthesis.Synthesizer {
	sc := cfg.Synthesis
	if sc.Disabled {
		return nil
	}
	key := sc.APIKey
	if key == "" {
		if v, ok := cfg.Providers.Agent.Settings["api_key"].(string); ok {
			key = v
		}
	}
	if key == "" {
		return nil
	}
	return synthesis.NewEngine(synthesis.Config{
		APIKey:    key,
		Model:     sc.Model,
		StreamURL: sc.StreamURL,
		RestURL:   sc.RestURL,
	}, synthesis.WithObserver(obs))
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (s *Server) handleCall(ctx context.Context, sessionID string, conn transports.Conn) {
	s.bridge.Handle(ctx, sessionID, conn)
}

// Handler is the mux serving webhooks, media streams, health and metrics.
func (s *Server) Handler() http.Handler { return s.mux }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http_serve_failed", slog.String("error", err.Error()))
		}
	}()

	attrs := []any{slog.String("addr", ln.Addr().String())}
	fields := s.transport.ReadyFields()
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	s.logger.Info("callbridge_ready", attrs...)
	return nil
}

// Addr is the bound listener address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Drain stops accepting media streams, waits for live calls to finish and
// then shuts the listener down. Calls still live when ctx expires are left
// to the process exit.
func (s *Server) Drain(ctx context.Context) error {
	s.draining.Store(true)
	s.transport.Drain()
	s.logger.Info("drain_started", slog.Int("active_calls", s.sessions.Count()))

	waitErr := s.sessions.WaitForEmpty(ctx)
	if waitErr != nil {
		s.logger.Warn("drain_timeout", slog.Int("active_calls", s.sessions.Count()))
	}
	shutdownErr := s.http.Shutdown(ctx)
	s.close()
	s.logger.Info("drain_finished")
	return errors.Join(waitErr, shutdownErr)
}

func (s *Server) close() {
	s.closeOnce.Do(func() {
		s.async.Close()
		if s.limiter != nil {
			s.limiter.Stop()
		}
		if s.timeline != nil {
			_ = s.timeline.Close()
		}
		if s.rdb != nil {
			_ = s.rdb.Close()
		}
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", ActiveCalls: s.sessions.Count()}
	code := http.StatusOK
	if s.draining.Load() {
		resp.Status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
