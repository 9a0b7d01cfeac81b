package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tracker/pkg/httputil"
	"github.com/platinummonkey/tracker/pkg/ratelimit"
)

// WindowChecker is the sliding-window primitive the middleware consults
type WindowChecker interface {
	Check(ctx context.Context, rule ratelimit.Rule, identifier string) (ratelimit.Result, error)
}

// RejectionRecorder counts requests turned away by a limiter
type RejectionRecorder interface {
	RecordRateLimited(scope string)
}

// DefaultExcludedPaths are never rate limited
var DefaultExcludedPaths = []string{"/health", "/ready", "/metrics"}

// RateLimitMiddleware applies a per-client-IP sliding window backed by Redis,
// so limits are shared across instances
type RateLimitMiddleware struct {
	limiter  WindowChecker
	rule     ratelimit.Rule
	excluded []string
	logger   logrus.FieldLogger
	recorder RejectionRecorder
	// failOpen admits requests when the store is unreachable
	failOpen bool
}

// RateLimitOption configures a RateLimitMiddleware
type RateLimitOption func(*RateLimitMiddleware)

// WithExcludedPaths replaces the path prefixes that bypass the limiter
func WithExcludedPaths(paths ...string) RateLimitOption {
	return func(m *RateLimitMiddleware) { m.excluded = paths }
}

// WithRejectionRecorder attaches a metrics sink for 429s
func WithRejectionRecorder(recorder RejectionRecorder) RateLimitOption {
	return func(m *RateLimitMiddleware) { m.recorder = recorder }
}

// WithFailClosed answers 503 instead of admitting requests on store errors
func WithFailClosed() RateLimitOption {
	return func(m *RateLimitMiddleware) { m.failOpen = false }
}

// NewRateLimitMiddleware creates a rate limit middleware for rule
func NewRateLimitMiddleware(limiter WindowChecker, rule ratelimit.Rule, logger logrus.FieldLogger, opts ...RateLimitOption) *RateLimitMiddleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &RateLimitMiddleware{
		limiter:  limiter,
		rule:     rule,
		excluded: DefaultExcludedPaths,
		logger:   logger.WithFields(logrus.Fields{"component": "ratelimit", "scope": rule.Prefix}),
		failOpen: true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := httputil.RequestClientIP(r)
		result, err := m.limiter.Check(r.Context(), m.rule, clientIP)
		if err != nil {
			m.logger.WithError(err).WithField("client_ip", clientIP).Error("Rate limit check failed")
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteServiceUnavailable(w, "service temporarily unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if !result.Allowed {
			if m.recorder != nil {
				m.recorder.RecordRateLimited(m.rule.Prefix)
			}
			m.logger.WithFields(logrus.Fields{
				"client_ip":   clientIP,
				"path":        r.URL.Path,
				"retry_after": result.RetryAfterSeconds(),
			}).Warn("Rate limit exceeded")
			httputil.WriteTooManyRequests(w, result.RetryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) isExcluded(path string) bool {
	for _, prefix := range m.excluded {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
