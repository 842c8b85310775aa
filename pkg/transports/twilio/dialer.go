package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/transports"
)

// statusEvents are the call progress callbacks requested for outbound calls,
// so calls that never reach a media stream still report how they ended.
var statusEvents = []string{"initiated", "answered", "completed"}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls that connect back to the voice webhook.
type Dialer struct {
	cfg    Config
	client callCreator
	logger *slog.Logger
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), logger: logging.NewComponentLogger(nil, "twilio_dialer")}
}

func (d *Dialer) Dial(ctx context.Context, to, from, webhook string) (string, error) {
	return d.DialWithOptions(ctx, to, from, webhook, transports.DialOptions{})
}

// DialWithOptions creates the call. An empty webhook defaults to the
// configured voice path; opts.SessionID is attached to it either way.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, webhook string, opts transports.DialOptions) (string, error) {
	if to == "" || from == "" {
		return "", errors.New("to and from are required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("twilio account_sid and auth_token are required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if webhook == "" {
		webhook = d.voiceWebhookURL()
	}
	target, err := withSession(webhook, opts.SessionID)
	if err != nil {
		return "", fmt.Errorf("voice webhook: %w", err)
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(target)
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	callback := strings.TrimSpace(opts.StatusCallback)
	if callback == "" && d.cfg.PublicURL != "" {
		callback = "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.StatusCallbackPath
	}
	if callback != "" {
		params.SetStatusCallback(callback)
		params.SetStatusCallbackEvent(statusEvents)
	}

	resp, err := d.creator().CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("create call: response carried no call sid")
	}
	d.logger.Info("outbound_call_created",
		slog.String("call_sid", *resp.Sid),
		slog.String("session_id", opts.SessionID),
		slog.String("to", redact.Phone(to)))
	return *resp.Sid, nil
}

func (d *Dialer) creator() callCreator {
	if d.client != nil {
		return d.client
	}
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	}).Api
}

func (d *Dialer) voiceWebhookURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.VoicePath
	}
	return "http://" + localAddr(d.cfg.ServerAddr) + d.cfg.VoicePath
}

func withSession(webhook, sessionID string) (string, error) {
	if sessionID == "" {
		return webhook, nil
	}
	u, err := url.Parse(webhook)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var (
	_ transports.OutboundDialer            = (*Dialer)(nil)
	_ transports.OutboundDialerWithOptions = (*Dialer)(nil)
)
