package twilio

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/redact"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Say     string       `xml:"Say,omitempty"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

// twimlParameter values come back as start.customParameters on the stream.
type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// signed rejects webhook requests whose X-Twilio-Signature does not match
// the form body. Without an auth token every request passes.
func (t *Transport) signed(hook string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if t.cfg.AuthToken != "" && !t.validSignature(r) {
			t.logger.Warn("twilio_invalid_signature",
				slog.String("hook", hook),
				slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Transport) validSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.Validate(t.requestURL(r), params, signature)
}

// requestURL rebuilds the URL Twilio signed, preferring the public URL when
// the service sits behind a proxy.
func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = localAddr(t.cfg.ServerAddr)
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// handleVoice answers the call webhook with TwiML connecting the call to the
// media stream of its session. The session id comes from the query, or the
// CallSid when the number is wired without one.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.FormValue("CallSid"))
	}
	if sessionID == "" {
		http.Error(w, "session_id or CallSid required", http.StatusBadRequest)
		return
	}

	resp := twimlResponse{
		Say: strings.TrimSpace(t.cfg.VoiceGreeting),
		Connect: twimlConnect{Stream: twimlStream{
			URL:        t.websocketBase(r) + "/" + url.PathEscape(sessionID),
			Parameters: callParameters(r),
		}},
	}
	out, err := xml.Marshal(resp)
	if err != nil {
		http.Error(w, "twiml encode failed", http.StatusInternalServerError)
		return
	}
	t.logger.Info("twilio_voice_webhook",
		slog.String("session_id", sessionID),
		slog.String("call_sid", r.FormValue("CallSid")),
		slog.String("from", redact.Phone(r.FormValue("From"))))
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

// callParameters forwards the call direction and numbers into the stream.
func callParameters(r *http.Request) []twimlParameter {
	direction := strings.ToLower(r.FormValue("Direction"))
	if strings.HasPrefix(direction, "outbound") {
		direction = "outbound"
	}
	var params []twimlParameter
	for _, p := range []twimlParameter{
		{Name: "direction", Value: direction},
		{Name: "from", Value: r.FormValue("From")},
		{Name: "to", Value: r.FormValue("To")},
	} {
		if p.Value != "" {
			params = append(params, p)
		}
	}
	return params
}

// handleStatusCallback closes the media leg of a call Twilio reports as
// finished, so calls hung up at the carrier end promptly.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.mu.Lock()
	conn := t.calls[callSID]
	t.mu.Unlock()
	if conn != nil {
		t.logger.Info("twilio_call_ended_out_of_band", slog.String("call_sid", callSID), slog.String("reason", reason))
		_ = conn.Close()
	} else {
		t.logger.Info("twilio_call_status", slog.String("call_sid", callSID), slog.String("reason", reason))
	}
	w.WriteHeader(http.StatusOK)
}

// normalizeCallEndReason maps Twilio call statuses to end reasons. Non
// terminal statuses map to "".
func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "initiated", "answered":
		return ""
	case "completed":
		return "completed"
	case "busy":
		return "busy"
	case "no-answer":
		return "no_answer"
	case "failed", "canceled":
		return "failed"
	default:
		return "unknown"
	}
}
