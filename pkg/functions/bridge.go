package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
)

const DefaultTimeout = 10 * time.Second

// Response is the FunctionCallResponse envelope sent back to the provider.
type Response struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`

	// Err is set when Content carries an error result.
	Err error `json:"-"`
}

func (r Response) Encode() ([]byte, error) { return json.Marshal(r) }

func (r Response) Event() events.FunctionCallResponse {
	return events.FunctionCallResponse{ID: r.ID, Name: r.Name, Content: r.Content}
}

// UnknownFunctionError is reported for names no resolver knows.
type UnknownFunctionError struct {
	Name string
}

func (e UnknownFunctionError) Error() string { return "Unknown function: " + e.Name }

// Bridge runs requested functions off the caller's goroutine with a timeout
// and turns every outcome, including panics, into a Response.
type Bridge struct {
	timeout  time.Duration
	observer metrics.Observer
	logger   *slog.Logger
	now      func() time.Time
}

func NewBridge(timeout time.Duration, observer metrics.Observer) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Bridge{
		timeout:  timeout,
		observer: observer,
		logger:   logging.NewComponentLogger(nil, "functions"),
		now:      time.Now,
	}
}

func (b *Bridge) Execute(ctx context.Context, call events.FunctionCall, resolver Resolver, rec Recorder) Response {
	start := b.now()
	resp := Response{Type: string(events.KindFunctionCallResponse), ID: call.ID, Name: call.Name}

	var handler Handler
	ok := false
	if resolver != nil {
		handler, ok = resolver.Resolve(call.Name)
	}
	if !ok || handler == nil {
		return b.fail(resp, errorsx.Wrap(UnknownFunctionError{Name: call.Name}, errorsx.ReasonFunctionUnknown), start)
	}

	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return b.fail(resp, errorsx.Wrap(err, errorsx.ReasonMalformedMessage), start)
	}

	result, err := b.run(ctx, handler, args)
	if err != nil {
		return b.fail(resp, err, start)
	}

	content, err := json.Marshal(result)
	if err != nil {
		return b.fail(resp, errorsx.Wrap(fmt.Errorf("encode result: %w", err), errorsx.ReasonFunctionExec), start)
	}
	resp.Content = string(content)

	elapsed := b.now().Sub(start)
	if rec != nil {
		rec.AddFunctionCall(Record{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: args,
			Result:    result,
			Duration:  elapsed,
			At:        start,
		})
	}
	b.observe(call.Name, "ok")
	b.logger.Info("function_executed",
		slog.String("function", call.Name),
		slog.String("call_id", call.ID),
		slog.Duration("elapsed", elapsed))
	return resp
}

func (b *Bridge) run(ctx context.Context, h Handler, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: errorsx.Wrap(fmt.Errorf("function panicked: %v", p), errorsx.ReasonFunctionExec)}
			}
		}()
		v, err := h.Call(ctx, args)
		if err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonFunctionExec)
		}
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errorsx.Wrap(fmt.Errorf("function timed out after %s", b.timeout), errorsx.ReasonFunctionTimeout)
		}
		return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonFunctionExec)
	}
}

func (b *Bridge) fail(resp Response, err error, start time.Time) Response {
	content, _ := json.Marshal(map[string]string{"error": err.Error()})
	resp.Content = string(content)
	resp.Err = err
	reason := errorsx.Reason(err)
	b.observe(resp.Name, string(reason))
	b.logger.Warn("function_failed",
		slog.String("function", resp.Name),
		slog.String("call_id", resp.ID),
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", b.now().Sub(start)))
	return resp
}

func (b *Bridge) observe(name, status string) {
	b.observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventFunctionCall,
		Time: b.now(),
		Tags: map[string]string{"name": name, "status": status},
	})
}

func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid function arguments: %w", err)
	}
	return args, nil
}
