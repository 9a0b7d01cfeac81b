package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tracker/pkg/auth"
	"github.com/platinummonkey/tracker/pkg/httputil"
	"github.com/platinummonkey/tracker/pkg/middleware"
	"github.com/platinummonkey/tracker/pkg/observability"
	"github.com/platinummonkey/tracker/pkg/ratelimit"
)

// APIPrefix is the mount point of every versioned route
const APIPrefix = "/api/v1"

// ServerConfig controls the middleware stack in front of the routes
type ServerConfig struct {
	Production           bool
	CORSOrigins          []string
	CORSAllowCredentials bool
	MaxBodyBytes         int64
	GlobalRule           ratelimit.Rule
	LoginRule            ratelimit.Rule
	// TrustedProxies may forward the client address; nil trusts nobody
	TrustedProxies *httputil.TrustedProxies
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithMetrics instruments every route and counts rate limit rejections
func WithMetrics(metrics *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = metrics }
}

// WithRateLimiter enables the global and login rate limits
func WithRateLimiter(limiter middleware.WindowChecker) ServerOption {
	return func(s *Server) { s.limiter = limiter }
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
	service *auth.Service
	limiter middleware.WindowChecker
	metrics *observability.Metrics
	config  ServerConfig
	logger  logrus.FieldLogger
}

// NewServer creates a new API server
func NewServer(service *auth.Service, config ServerConfig, logger logrus.FieldLogger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		router:  mux.NewRouter(),
		service: service,
		config:  config,
		logger:  logger,
	}
	for _, o := range opts {
		o(s)
	}

	s.setupRoutes()
	s.handler = s.buildMiddleware()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	v1 := s.router.PathPrefix(APIPrefix).Subrouter()
	authn := middleware.NewAuthMiddleware(s.service, s.logger, false)

	var loginLimit *middleware.RateLimitMiddleware
	if s.limiter != nil {
		loginLimit = middleware.NewRateLimitMiddleware(s.limiter, s.config.LoginRule, s.logger, s.rateLimitOptions()...)
	}

	NewAuthHandlers(s.service, s.logger).RegisterRoutes(v1, authn, loginLimit)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "resource not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// buildMiddleware wraps the router, outermost first
func (s *Server) buildMiddleware() http.Handler {
	stack := []func(http.Handler) http.Handler{
		httputil.RecoveryMiddleware(s.logger),
		httputil.RequestIDMiddleware(s.config.TrustedProxies),
		httputil.LoggingMiddleware(s.logger),
		middleware.SecurityHeaders(s.config.Production),
		httputil.CORSMiddleware(s.config.CORSOrigins, s.config.CORSAllowCredentials),
	}
	if s.limiter != nil {
		global := middleware.NewRateLimitMiddleware(s.limiter, s.config.GlobalRule, s.logger, s.rateLimitOptions()...)
		stack = append(stack, global.Handler)
	}
	stack = append(stack,
		httputil.MaxBytesMiddleware(s.config.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	)
	return httputil.Chain(stack...)(s.router)
}

func (s *Server) rateLimitOptions() []middleware.RateLimitOption {
	var opts []middleware.RateLimitOption
	if s.metrics != nil {
		opts = append(opts, middleware.WithRejectionRecorder(s.metrics))
	}
	return opts
}

// Router returns the underlying router without the middleware stack
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
