// Package session tracks the calls this instance is serving: the resolved
// agent configuration, the function resolver and the telephony leg.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/functions"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/transports"
)

const DefaultLoadTimeout = 3 * time.Second

// ErrSessionActive is returned by Open while another call holds the id.
var ErrSessionActive = errors.New("session already active")

// Session is one accepted call.
type Session struct {
	ID          string
	Config      agent.Config
	Details     agent.Details
	OrgID       string
	Resolver    functions.Resolver
	Definitions []agent.Function
	Transport   transports.Conn
	OpenedAt    time.Time
}

// FunctionSource returns an organization's configured functions.
type FunctionSource interface {
	Functions(ctx context.Context, orgID string) ([]functions.Spec, error)
}

type Options struct {
	Source       FunctionSource
	Knowledge    functions.Knowledge
	HTTPClient   *http.Client
	LoadTimeout  time.Duration
	Orders       *functions.OrderStore
	Appointments *functions.AppointmentStore
}

// Registry is the process-wide set of live sessions.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(opts Options) *Registry {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: functions.DefaultTimeout}
	}
	if opts.Orders == nil {
		opts.Orders = functions.NewOrderStore()
	}
	if opts.Appointments == nil {
		opts.Appointments = functions.NewAppointmentStore()
	}
	return &Registry{
		opts:     opts,
		logger:   logging.NewComponentLogger(nil, "session"),
		sessions: make(map[string]*Session),
	}
}

// Open registers a session. An id stays owned by its first call until
// Cleanup; a second Open for it fails with ErrSessionActive.
func (r *Registry) Open(id string, cfg agent.Config, details agent.Details) (*Session, error) {
	s := &Session{
		ID:       id,
		Config:   cfg,
		Details:  details,
		OrgID:    details.OrganizationID,
		OpenedAt: time.Now(),
	}
	r.mu.Lock()
	if _, taken := r.sessions[id]; taken {
		r.mu.Unlock()
		r.logger.Warn("session_already_active", slog.String("session_id", id))
		return nil, ErrSessionActive
	}
	r.sessions[id] = s
	r.mu.Unlock()
	r.logger.Info("session_opened",
		slog.String("session_id", id),
		slog.String("org_id", s.OrgID),
		slog.String("call_type", details.CallType))
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Functions returns the session's resolver and the definitions sent to the
// provider. Before LoadFunctions it returns a nil resolver.
func (r *Registry) Functions(id string) (functions.Resolver, []agent.Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return s.Resolver, s.Definitions
}

func (r *Registry) SetTransport(id string, conn transports.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Transport = conn
	}
}

// LoadFunctions installs the organization's functions for a session. Any
// failure to fetch them falls back to the generic set; it never fails the call.
func (r *Registry) LoadFunctions(ctx context.Context, id, orgID string) {
	generic := functions.NewGeneric(orgID, r.opts.Knowledge, r.opts.Orders, r.opts.Appointments)
	resolver := functions.Resolver(functions.NewRouter(generic.Map(), generic))
	defs := functions.Definitions()
	source := "generic"

	if specs := r.fetch(ctx, id, orgID); len(specs) > 0 {
		known, custom := functions.Build(specs, generic, r.opts.HTTPClient)
		if len(known) > 0 {
			resolver = functions.NewRouter(known, generic)
			defs = custom
			source = "custom"
		}
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.Resolver = resolver
		s.Definitions = defs
	}
	r.mu.Unlock()
	r.logger.Info("functions_loaded",
		slog.String("session_id", id),
		slog.String("org_id", orgID),
		slog.String("source", source),
		slog.Int("count", len(defs)))
}

func (r *Registry) fetch(ctx context.Context, id, orgID string) []functions.Spec {
	if r.opts.Source == nil || orgID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.LoadTimeout)
	defer cancel()
	specs, err := r.opts.Source.Functions(ctx, orgID)
	if err != nil {
		r.logger.Warn("functions_load_failed",
			slog.String("session_id", id),
			slog.String("org_id", orgID),
			slog.String("error", err.Error()))
		return nil
	}
	return specs
}

// Cleanup removes the session. It reports true only for the call that
// actually removed it.
func (r *Registry) Cleanup(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.logger.Info("session_cleaned_up",
		slog.String("session_id", id),
		slog.Duration("age", time.Since(s.OpenedAt)))
	return true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// WaitForEmpty blocks until no sessions remain or ctx ends.
func (r *Registry) WaitForEmpty(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
