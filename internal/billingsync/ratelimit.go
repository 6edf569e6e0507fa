package billingsync

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultWebhookRateLimit  = 120
	defaultWebhookRateWindow = time.Minute

	// pruneThreshold is the tracked-IP count above which idle entries are
	// dropped on the next Allow.
	pruneThreshold = 4096
)

// RateLimiter is a sliding-window, per-IP limiter for the public webhook
// routes.
type RateLimiter struct {
	mu         sync.Mutex
	attempts   map[string][]time.Time
	limit      int
	window     time.Duration
	trustProxy bool
	now        func() time.Time
}

// NewRateLimiter creates a rate limiter allowing limit requests per window.
// With trustProxy the client IP is taken from X-Forwarded-For.
func NewRateLimiter(limit int, window time.Duration, trustProxy bool) *RateLimiter {
	if limit <= 0 {
		limit = defaultWebhookRateLimit
	}
	if window <= 0 {
		window = defaultWebhookRateWindow
	}
	return &RateLimiter{
		attempts:   make(map[string][]time.Time),
		limit:      limit,
		window:     window,
		trustProxy: trustProxy,
		now:        time.Now,
	}
}

// Allow records an attempt from ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	if len(rl.attempts) > pruneThreshold {
		rl.pruneLocked(cutoff)
	}

	valid := rl.attempts[ip][:0]
	for _, t := range rl.attempts[ip] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.attempts[ip] = valid
		return false
	}

	rl.attempts[ip] = append(valid, now)
	return true
}

func (rl *RateLimiter) pruneLocked(cutoff time.Time) {
	for ip, attempts := range rl.attempts {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(rl.attempts, ip)
		}
	}
}

// Middleware wraps next with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r, rl.trustProxy)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				return strings.TrimSpace(xff[:i])
			}
			return xff
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
