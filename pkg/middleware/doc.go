// Package middleware provides HTTP middleware for authentication, authorization,
// rate limiting and response hardening.
//
// # Middleware Components
//
// AuthMiddleware: bearer token authentication
//
//	authMW := middleware.NewAuthMiddleware(authService, logger, false)
//	router.Use(authMW.Handler)
//	// Extracts the Bearer token, resolves the identity, adds AuthContext to the request
//
// RequireRole: role gate, used after AuthMiddleware
//
//	admin.Use(middleware.RequireRole(auth.RoleAdmin))
//
// RateLimitMiddleware: Redis-backed sliding window per client IP
//
//	limiter := ratelimit.NewLimiter(redisClient)
//	global := middleware.NewRateLimitMiddleware(limiter, ratelimit.GlobalRule(100, time.Minute), logger)
//	router.Use(global.Handler)
//
// Responses carry X-RateLimit-Limit and X-RateLimit-Remaining; rejected requests
// get 429 with Retry-After. Store errors admit the request unless WithFailClosed is set.
//
// SecurityHeaders: nosniff, frame denial and related headers, plus HSTS and CSP
// in production
//
//	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
//
// # Context Access
//
//	authCtx := middleware.GetAuthContext(r)
//	if authCtx.HasRole(auth.RoleAdmin) { ... }
//
// # Related Packages
//
//   - pkg/auth: Identity resolution
//   - pkg/ratelimit: Sliding window limiter
//   - pkg/httputil: Error mapping
package middleware
