// Package functions executes the functions a provider agent requests and
// resolves function names to handlers.
package functions

import (
	"context"
	"strings"
	"time"
)

// Handler runs one function with decoded JSON arguments. The result is
// serialized to JSON for the provider.
type Handler interface {
	Call(ctx context.Context, args map[string]any) (any, error)
}

type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

func (f HandlerFunc) Call(ctx context.Context, args map[string]any) (any, error) { return f(ctx, args) }

// Blocking adapts a synchronous function that does not observe a context.
// It runs on its own goroutine; when ctx ends first its result is dropped.
func Blocking(fn func(args map[string]any) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		type result struct {
			v   any
			err error
		}
		ch := make(chan result, 1)
		go func() {
			v, err := fn(args)
			ch <- result{v, err}
		}()
		select {
		case r := <-ch:
			return r.v, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Resolver maps a requested function name to its handler.
type Resolver interface {
	Resolve(name string) (Handler, bool)
}

// Map resolves only the names it contains.
type Map map[string]Handler

func (m Map) Resolve(name string) (Handler, bool) {
	h, ok := m[strings.TrimSpace(name)]
	return h, ok
}

// Record is one successful function execution, kept for the call log.
type Record struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    any
	Duration  time.Duration
	At        time.Time
}

type Recorder interface {
	AddFunctionCall(rec Record)
}
