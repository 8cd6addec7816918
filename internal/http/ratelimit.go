package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/fallgate/internal/logging"
	. "github.com/roelfdiedericks/fallgate/internal/metrics"
)

// RateLimiter counts requests per client IP in a fixed window.
type RateLimiter struct {
	windows map[string]*window // IP -> current window
	mu      sync.Mutex
	limit   int
	period  time.Duration
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing limit requests per period.
// limit <= 0 disables limiting.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Allow records a request from ip and reports whether it is within the limit.
func (r *RateLimiter) Allow(ip string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[ip]
	if !ok || now.Sub(w.start) >= r.period {
		r.prune(now)
		r.windows[ip] = &window{start: now, count: 1}
		return true
	}
	if w.count >= r.limit {
		return false
	}
	w.count++
	return true
}

// prune drops expired windows. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	for ip, w := range r.windows {
		if now.Sub(w.start) >= r.period {
			delete(r.windows, ip)
		}
	}
}

// rateLimit middleware applies rate limiting
func (s *Server) rateLimit(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		if !s.rateLimiter.Allow(clientIP) {
			L_warn("http: rate limited", "ip", clientIP, "path", r.URL.Path)
			MetricInc("http", "rate_limited")
			writeError(w, http.StatusTooManyRequests, "Too many requests. Try again later.")
			return
		}
		handler(w, r)
	}
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For first (if behind reverse proxy)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
