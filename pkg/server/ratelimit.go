package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdle  = 3 * time.Minute
	visitorSweep = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter throttles requests per remote IP. Idle visitors are swept once
// a minute until Stop.
type ipLimiter struct {
	rps    rate.Limit
	burst  int
	logger *slog.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
	stop     chan struct{}
	once     sync.Once
}

func newIPLimiter(rps float64, burst int, logger *slog.Logger) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &ipLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *ipLimiter) sweep() {
	ticker := time.NewTicker(visitorSweep)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for ip, v := range l.visitors {
				if time.Since(v.lastSeen) > visitorIdle {
					delete(l.visitors, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// Wrap rejects requests over the per-IP budget with 429.
func (l *ipLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			l.logger.Warn("webhook_rate_limited",
				slog.String("remote_ip", ip),
				slog.String("path", r.URL.Path),
				slog.String("reason_code", "rate_limited"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ipLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
