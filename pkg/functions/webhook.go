package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxWebhookBody = 1 << 20

// Webhook posts the function arguments as JSON to URL and returns the
// decoded JSON reply. A non-JSON reply is returned as {"result": body}.
func Webhook(client *http.Client, url string) Handler {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		body, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode webhook args: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", url, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
		if err != nil {
			return nil, fmt.Errorf("read webhook reply: %w", err)
		}
		if resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("webhook %s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(raw))
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return map[string]any{"ok": true}, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return map[string]any{"result": string(raw)}, nil
		}
		return out, nil
	})
}
