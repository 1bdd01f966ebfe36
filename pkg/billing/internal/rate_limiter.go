package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-client limiter for webhook endpoints.
// Expired windows are swept lazily on the request path so no goroutine is needed.
type RateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	limit       int
	period      time.Duration
	trustProxy  bool
	seen        int
	sweepEvery  int
	sweepAtSize int
	onRejected  func(clientIP string)
	now         func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithTrustedProxy makes the limiter key clients by the first X-Forwarded-For hop
func WithTrustedProxy() RateLimiterOption {
	return func(rl *RateLimiter) { rl.trustProxy = true }
}

// WithRejectHook registers a function called for every rejected request
func WithRejectHook(fn func(clientIP string)) RateLimiterOption {
	return func(rl *RateLimiter) { rl.onRejected = fn }
}

// NewRateLimiter allows limit requests per client within each period
func NewRateLimiter(limit int, period time.Duration, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		windows:     make(map[string]*window),
		limit:       limit,
		period:      period,
		sweepEvery:  100,
		sweepAtSize: 1000,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow reports whether one more request from clientIP fits in its window
func (rl *RateLimiter) Allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.seen++
	if rl.seen >= rl.sweepEvery || len(rl.windows) > rl.sweepAtSize {
		rl.sweep(now)
		rl.seen = 0
	}

	w, ok := rl.windows[clientIP]
	if !ok || !now.Before(w.resetAt) {
		rl.windows[clientIP] = &window{count: 1, resetAt: now.Add(rl.period)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

func (rl *RateLimiter) sweep(now time.Time) {
	for ip, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, ip)
		}
	}
}

// Tracked returns the number of clients with an open window
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Middleware wraps an HTTP handler with rate limiting; rejected requests get 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, rl.trustProxy)
		if !rl.Allow(ip) {
			if rl.onRejected != nil {
				rl.onRejected(ip)
			}
			w.Header().Set("Retry-After", retryAfterSeconds(rl.period))
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client address. X-Forwarded-For is honored only when
// trustProxy is set, since clients can forge it.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
