package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicySkipsNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	p := RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond, Retryable: func(err error) bool {
		return !errors.Is(err, fatal)
	}}
	calls := 0
	err := p.DoContext(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected single fatal attempt, got %d calls err=%v", calls, err)
	}
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 5, Backoff: time.Hour}
	calls := 0
	_ = p.DoContext(ctx, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call after cancel, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(errors.New("other"))
	cb.OnError(RateLimitError{Provider: "deepgram"})
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after one rate limit")
	}
	cb.OnError(RateLimitError{Provider: "deepgram"})
	if cb.Allow() {
		t.Fatalf("expected breaker open")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after success")
	}
}

func TestCircuitBreakerHalfOpenTrial(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }

	cb.OnError(RateLimitError{Provider: "deepgram", RetryAfter: 5 * time.Second})
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	now = now.Add(2 * time.Second)
	if cb.Allow() {
		t.Fatalf("expected retry-after to outlast the cooldown")
	}

	now = now.Add(4 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half open, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatalf("expected trial request allowed")
	}
	if cb.Allow() {
		t.Fatalf("expected only one trial request")
	}
	cb.OnError(RateLimitError{Provider: "deepgram"})
	if cb.State() != BreakerOpen {
		t.Fatalf("expected failed trial request to reopen, got %s", cb.State())
	}

	now = now.Add(2 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected second trial request")
	}
	cb.OnSuccess()
	if cb.State() != BreakerClosed || !cb.Allow() {
		t.Fatalf("expected closed after successful trial request")
	}
}

func TestRateLimitFromResponse(t *testing.T) {
	resp := &http.Response{Status: "429 Too Many Requests", Header: http.Header{"Retry-After": {"7"}}}
	rl := RateLimitFromResponse("deepgram", resp)
	if rl.RetryAfter != 7*time.Second || rl.Message != resp.Status {
		t.Fatalf("unexpected rate limit %+v", rl)
	}
	if got := RateLimitFromResponse("deepgram", nil); got.RetryAfter != 0 || got.Error() != "deepgram: rate limited" {
		t.Fatalf("unexpected nil-response rate limit %+v", got)
	}
}
