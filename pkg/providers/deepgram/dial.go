package deepgram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

// Auth modes reported by Dial.
const (
	AuthHeader = "header"
	AuthQuery  = "query"
)

// Dial opens a websocket to rawURL, first with an Authorization header and,
// when that handshake is rejected, again with the key as a token query
// parameter. Both failing yields ReasonProviderAuth for 401/403 responses and
// ReasonProviderConnect otherwise.
func Dial(ctx context.Context, dialer *websocket.Dialer, rawURL, apiKey string) (*websocket.Conn, string, error) {
	if dialer == nil {
		dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+apiKey)
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err == nil {
		return conn, AuthHeader, nil
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return nil, "", resilience.RateLimitFromResponse("deepgram", resp)
	}
	if ctx.Err() != nil {
		return nil, "", errorsx.Wrap(ctx.Err(), errorsx.ReasonProviderConnect)
	}
	headerErr := describe(err, resp)

	tokenURL, perr := withToken(rawURL, apiKey)
	if perr != nil {
		return nil, "", errorsx.Wrap(perr, errorsx.ReasonProviderConnect)
	}
	conn, resp, err = dialer.DialContext(ctx, tokenURL, nil)
	if err == nil {
		return conn, AuthQuery, nil
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return nil, "", resilience.RateLimitFromResponse("deepgram", resp)
	}
	reason := errorsx.ReasonProviderConnect
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		reason = errorsx.ReasonProviderAuth
	}
	return nil, "", errorsx.Wrap(fmt.Errorf("deepgram dial: header auth: %s; token auth: %s", headerErr, describe(err, resp)), reason)
}

func withToken(rawURL, apiKey string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func describe(err error, resp *http.Response) string {
	if resp != nil {
		return fmt.Sprintf("%v (status %d)", err, resp.StatusCode)
	}
	return err.Error()
}
