// Package middleware contains HTTP middleware for the gateway's REST
// surface.
package middleware

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"valet/internal/config"
	"valet/internal/ratelimit"
)

// UserHeader identifies the acting user on control-plane requests. Requests
// carrying it are limited per user; everything else is limited per client IP.
const UserHeader = "X-Valet-User"

// RateLimit is HTTP admission control for the REST endpoints. Limits are
// per-instance and in-memory; a restart resets them.
type RateLimit struct {
	cfg      config.RateLimitingConfig
	userTier *ratelimit.SlidingWindow
	ipTier   *ratelimit.SlidingWindow
}

// NewRateLimit builds the middleware from config. When rate limiting is
// disabled every request passes through untouched.
func NewRateLimit(cfg config.RateLimitingConfig) *RateLimit {
	m := &RateLimit{cfg: cfg}
	if !cfg.Enabled {
		return m
	}

	cleanup := time.Duration(cfg.CleanupIntervalSeconds) * time.Second
	m.ipTier = ratelimit.NewSlidingWindow(
		time.Duration(cfg.Anonymous.WindowSeconds)*time.Second,
		cfg.Anonymous.MaxRequests,
		cleanup,
	)
	m.userTier = ratelimit.NewSlidingWindow(
		time.Duration(cfg.Authenticated.WindowSeconds)*time.Second,
		cfg.Authenticated.MaxRequests,
		cleanup,
	)
	return m
}

// Wrap applies rate limiting to a handler.
func (m *RateLimit) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		tier := m.ipTier
		identifier := clientIP(r)
		if user := r.Header.Get(UserHeader); user != "" {
			tier = m.userTier
			identifier = "user:" + user
		}

		decision := tier.Allow(identifier)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(tier.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retrySecs := int(decision.RetryAfter.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retrySecs))
			log.Printf("[RateLimit] Limit exceeded: %s %s (%s)", r.Method, r.URL.Path, identifier)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":       "rate_limit_exceeded",
				"message":     "Rate limit exceeded. Try again later.",
				"retry_after": retrySecs,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WrapFunc is Wrap for bare handler funcs.
func (m *RateLimit) WrapFunc(next http.HandlerFunc) http.HandlerFunc {
	return m.Wrap(next).ServeHTTP
}

// Stop releases the limiter goroutines.
func (m *RateLimit) Stop() {
	if m.ipTier != nil {
		m.ipTier.Stop()
	}
	if m.userTier != nil {
		m.userTier.Stop()
	}
}

// clientIP resolves the originating IP, honoring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
