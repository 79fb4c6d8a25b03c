package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"valet/internal/config"
)

func limitedHandler(cfg config.RateLimitingConfig) (*RateLimit, http.Handler) {
	m := NewRateLimit(cfg)
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return m, h
}

func tierCfg(limit int) config.RateLimitingConfig {
	return config.RateLimitingConfig{
		Enabled:       true,
		Anonymous:     config.RateLimitTierConfig{WindowSeconds: 60, MaxRequests: limit},
		Authenticated: config.RateLimitTierConfig{WindowSeconds: 60, MaxRequests: limit * 10},
	}
}

func TestRateLimitBlocksAfterLimit(t *testing.T) {
	m, h := limitedHandler(tierCfg(2))
	defer m.Stop()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/devices", nil)
		req.RemoteAddr = "10.0.0.1:55555"
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/devices", nil)
	req.RemoteAddr = "10.0.0.1:55555"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	m, h := limitedHandler(config.RateLimitingConfig{Enabled: false})
	defer m.Stop()

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestUserHeaderUsesAuthenticatedTier(t *testing.T) {
	m, h := limitedHandler(tierCfg(1))
	defer m.Stop()

	// Same IP, but the user header moves it to the larger tier.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/devices", nil)
		req.RemoteAddr = "10.0.0.1:55555"
		req.Header.Set(UserHeader, "user_42")
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestForwardedForHeader(t *testing.T) {
	m, h := limitedHandler(tierCfg(1))
	defer m.Stop()

	first := httptest.NewRequest("POST", "/devices", nil)
	first.RemoteAddr = "127.0.0.1:1000"
	first.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Different forwarded client, same proxy address: separate bucket.
	second := httptest.NewRequest("POST", "/devices", nil)
	second.RemoteAddr = "127.0.0.1:1000"
	second.Header.Set("X-Forwarded-For", "203.0.113.8")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusOK, rec.Code)
}
