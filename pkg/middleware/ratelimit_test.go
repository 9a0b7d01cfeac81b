package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tracker/pkg/httputil"
	"github.com/platinummonkey/tracker/pkg/ratelimit"
)

type rejectionCounter struct {
	scopes []string
}

func (c *rejectionCounter) RecordRateLimited(scope string) {
	c.scopes = append(c.scopes, scope)
}

type failingChecker struct{}

func (failingChecker) Check(ctx context.Context, rule ratelimit.Rule, identifier string) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

func setupLimiter(t *testing.T) (*ratelimit.Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ratelimit.NewLimiter(client), mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(ip, path string) *http.Request {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = ip + ":40000"
	return req
}

func TestRateLimitMiddleware_LimitsPerClient(t *testing.T) {
	limiter, _ := setupLimiter(t)
	logger, _ := test.NewNullLogger()
	counter := &rejectionCounter{}
	m := NewRateLimitMiddleware(limiter, ratelimit.GlobalRule(3, time.Minute), logger, WithRejectionRecorder(counter))
	handler := m.Handler(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1", "/api/v1/auth/me"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, []string{"2", "1", "0"}[i], w.Header().Get("X-RateLimit-Remaining"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1", "/api/v1/auth/me"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, []string{ratelimit.GlobalPrefix}, counter.scopes)

	// A different client has its own window
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2", "/api/v1/auth/me"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware_ForwardedClient(t *testing.T) {
	limiter, mr := setupLimiter(t)
	logger, _ := test.NewNullLogger()
	m := NewRateLimitMiddleware(limiter, ratelimit.GlobalRule(10, time.Minute), logger)

	proxies, err := httputil.ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	handler := httputil.RequestIDMiddleware(proxies)(m.Handler(okHandler()))

	req := requestFrom("10.0.0.1", "/api/v1/auth/me")
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, mr.Exists("ratelimit:global:203.0.113.5"))

	// without a trusted proxy the header is ignored
	req = requestFrom("198.51.100.4", "/api/v1/auth/me")
	req.Header.Set("X-Forwarded-For", "203.0.113.6")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, mr.Exists("ratelimit:global:198.51.100.4"))
	assert.False(t, mr.Exists("ratelimit:global:203.0.113.6"))
}

func TestRateLimitMiddleware_ExcludedPaths(t *testing.T) {
	limiter, mr := setupLimiter(t)
	logger, _ := test.NewNullLogger()
	m := NewRateLimitMiddleware(limiter, ratelimit.GlobalRule(1, time.Minute), logger)
	handler := m.Handler(okHandler())

	for _, path := range []string{"/health", "/health/live", "/ready", "/metrics", "/metrics"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1", path))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	assert.False(t, mr.Exists("ratelimit:global:10.0.0.1"))

	// A path that only shares a prefix is still limited
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1", "/healthcare"))
	assert.True(t, mr.Exists("ratelimit:global:10.0.0.1"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware_StoreFailure(t *testing.T) {
	t.Run("fails open by default", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		m := NewRateLimitMiddleware(failingChecker{}, ratelimit.GlobalRule(1, time.Minute), logger)

		w := httptest.NewRecorder()
		m.Handler(okHandler()).ServeHTTP(w, requestFrom("10.0.0.1", "/"))

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, "Rate limit check failed", hook.LastEntry().Message)
	})

	t.Run("fails closed when configured", func(t *testing.T) {
		logger, _ := test.NewNullLogger()
		m := NewRateLimitMiddleware(failingChecker{}, ratelimit.GlobalRule(1, time.Minute), logger, WithFailClosed())

		w := httptest.NewRecorder()
		m.Handler(okHandler()).ServeHTTP(w, requestFrom("10.0.0.1", "/"))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
