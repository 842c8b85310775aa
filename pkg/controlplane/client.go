// Package controlplane talks to the service that owns sessions, agent
// configuration, organization functions and call records.
package controlplane

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

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/conversation"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/functions"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

var ErrNotFound = errors.New("not found")

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Session is the resolved agent configuration plus call details.
type Session struct {
	Config  map[string]any `json:"config"`
	Details map[string]any `json:"details,omitempty"`
}

type Client struct {
	cfg      Config
	http     *http.Client
	retry    resilience.RetryPolicy
	sessions *SessionCache
	logger   *slog.Logger
}

func New(cfg Config, sessions *SessionCache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if sessions == nil {
		sessions = NewSessionCache(0, 0, nil)
	}
	retry := resilience.NewRetryPolicy(cfg.Retries, cfg.Backoff)
	retry.Retryable = retryable
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		retry:    retry,
		sessions: sessions,
		logger:   logging.NewComponentLogger(nil, "controlplane"),
	}
}

// Session resolves a session: cache first, then the combined endpoint, then
// the config-only endpoint.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	if s, ok := c.sessions.Get(ctx, id); ok {
		c.logger.Debug("session_cache_hit", slog.String("session_id", id))
		return s, nil
	}

	var s Session
	err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/complete", &s)
	if err != nil || len(s.Config) == 0 {
		if err != nil {
			c.logger.Warn("session_complete_failed", slog.String("session_id", id), slog.String("error", err.Error()))
		}
		s = Session{}
		if err := c.get(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/config", &s.Config); err != nil {
			return Session{}, errorsx.Wrap(fmt.Errorf("fetch session %s: %w", id, err), errorsx.ReasonConfigMissing)
		}
	}
	if len(s.Config) == 0 {
		return Session{}, errorsx.Wrap(fmt.Errorf("session %s: %w", id, ErrNotFound), errorsx.ReasonConfigMissing)
	}
	c.sessions.Set(ctx, id, s)
	return s, nil
}

// ParseDetails reads call details, accepting the organization id under any
// of the keys the control plane has used.
func ParseDetails(raw map[string]any) agent.Details {
	d := agent.Details{CallType: "inbound", PhoneNumber: "unknown"}
	if raw == nil {
		return d
	}
	d.OrganizationID = str(raw["organization_id"])
	if d.OrganizationID == "" {
		d.OrganizationID = str(raw["organizationId"])
	}
	if d.OrganizationID == "" {
		if biz, ok := raw["business"].(map[string]any); ok {
			d.OrganizationID = str(biz["organization_id"])
		}
	}
	if ct := str(raw["call_type"]); ct != "" {
		d.CallType = ct
	}
	if md, ok := raw["metadata"].(map[string]any); ok {
		d.Metadata = md
		if phone := str(md["phone_number"]); phone != "" {
			d.PhoneNumber = phone
		}
	}
	return d
}

// Functions returns the organization's function specs.
func (c *Client) Functions(ctx context.Context, orgID string) ([]functions.Spec, error) {
	var out struct {
		Functions []functions.Spec `json:"functions"`
	}
	if err := c.get(ctx, "/api/v1/organizations/"+url.PathEscape(orgID)+"/functions", &out); err != nil {
		return nil, err
	}
	return out.Functions, nil
}

// SaveConversation logs call metrics and closes the session record.
// It implements conversation.Store.
func (c *Client) SaveConversation(ctx context.Context, rec conversation.Record) error {
	id := rec.SessionID
	if id == "" {
		id = rec.StreamID
	}
	m := rec.Metrics
	metrics := map[string]any{
		"sessionId":            id,
		"callSid":              rec.CallID,
		"latencyMs":            m.AvgLatencyMS,
		"audioQualityScore":    m.Quality,
		"callCompleted":        rec.Status == conversation.StatusCompleted,
		"errorsCount":          m.Errors,
		"warningsCount":        m.Warnings,
		"functionsCalledCount": m.FunctionCalls,
		"userSatisfied":        m.Satisfied,
	}
	if err := c.post(ctx, "/api/v1/calls/"+url.PathEscape(id)+"/metrics", metrics); err != nil {
		return errorsx.Wrap(fmt.Errorf("log call metrics: %w", err), errorsx.ReasonPersistence)
	}

	convo, err := json.Marshal(rec)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("encode conversation: %w", err), errorsx.ReasonPersistence)
	}
	end := map[string]any{
		"sessionId":       id,
		"status":          rec.Status,
		"durationSeconds": int(rec.Duration.Seconds()),
		"endedAt":         rec.EndedAt.UnixMilli(),
		"conversation":    string(convo),
	}
	if err := c.post(ctx, "/api/v1/sessions/"+url.PathEscape(id)+"/end", end); err != nil {
		return errorsx.Wrap(fmt.Errorf("end session: %w", err), errorsx.ReasonPersistence)
	}
	c.sessions.Delete(ctx, id)
	return nil
}

type statusError struct {
	code int
	path string
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("control plane %s returned %d: %s", e.path, e.code, e.body)
}

// retryable retries transport failures and 5xx. A body that does not decode
// would decode the same way next time.
func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if errorsx.HasReason(err, errorsx.ReasonMalformedMessage) {
		return false
	}
	var se statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError
	}
	return true
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.retry.DoContext(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.retry.DoContext(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, path, data, nil)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError{code: resp.StatusCode, path: path, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errorsx.Wrap(fmt.Errorf("decode %s: %w", path, err), errorsx.ReasonMalformedMessage)
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
