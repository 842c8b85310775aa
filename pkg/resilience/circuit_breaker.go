package resilience

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is a vendor 429. RetryAfter is zero when the vendor sent
// no hint.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Provider + ": rate limited"
}

// IsRateLimit reports whether err wraps a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// RateLimitFromResponse builds a RateLimitError from a 429 response,
// reading Retry-After in its delta-seconds form.
func RateLimitFromResponse(provider string, resp *http.Response) RateLimitError {
	rl := RateLimitError{Provider: provider, Message: "rate limited"}
	if resp == nil {
		return rl
	}
	rl.Message = resp.Status
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		rl.RetryAfter = time.Duration(secs) * time.Second
	}
	return rl
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips after threshold consecutive rate limits and stays
// open for the cooldown, or the vendor's Retry-After when that is longer.
// Once the cooldown passes a single trial request is let through; its outcome
// closes or reopens the breaker.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	probing   bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) state() BreakerState {
	switch {
	case c.openUntil.IsZero():
		return BreakerClosed
	case c.now().Before(c.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

// Allow reports whether a request may go out. In the half-open state only
// the first caller gets through until OnSuccess or OnError settles it.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return false
	}
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.probing = false
	c.mu.Unlock()
}

// OnError counts rate limits only; other failures release a pending trial request
// without changing state.
func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rl RateLimitError
	if !errors.As(err, &rl) {
		c.probing = false
		return
	}
	c.failures++
	if c.failures < c.threshold && !c.probing {
		return
	}
	wait := c.cooldown
	if rl.RetryAfter > wait {
		wait = rl.RetryAfter
	}
	c.openUntil = c.now().Add(wait)
	c.probing = false
}
