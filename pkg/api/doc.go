// Package api provides the HTTP REST API server for the tracker auth core.
//
// # Overview
//
// The API is built on gorilla/mux. Every route lives under /api/v1 and is
// served through a fixed middleware stack:
//
//	Recovery -> RequestID -> Logging -> SecurityHeaders -> CORS ->
//	global rate limit -> MaxBytes -> ContentType -> router (metrics)
//
// # Usage
//
//	server := api.NewServer(service, api.ServerConfig{
//		GlobalRule: ratelimit.GlobalRule(100, time.Minute),
//		LoginRule:  ratelimit.LoginRule(5, time.Minute),
//	}, logger, api.WithRateLimiter(limiter), api.WithMetrics(metrics))
//	http.ListenAndServe(":8080", server)
//
// # API Endpoints
//
//	POST   /api/v1/auth/register          - Create an account (201)
//	POST   /api/v1/auth/login             - Obtain a token pair (login rate limit)
//	POST   /api/v1/auth/refresh           - Rotate a refresh token
//	POST   /api/v1/auth/logout            - Revoke the current pair (204)
//	GET    /api/v1/auth/me                - Current identity
//	POST   /api/v1/auth/change-password   - Change password, revoke all sessions (204)
//	POST   /api/v1/auth/logout-all        - Revoke all sessions
//	GET    /api/v1/auth/sessions          - List live refresh sessions
//	POST   /api/v1/admin/accounts/unlock  - Clear a lockout (admin only, 204)
//	PUT    /api/v1/admin/accounts/{id}/status - Activate or deactivate; deactivation revokes sessions (admin only)
//	PUT    /api/v1/admin/accounts/{id}/role   - Change role (admin only, 204)
//
// # Errors
//
// Every failure is a JSON body of the form
//
//	{"error": "...", "code": "TOKEN_EXPIRED", "details": {"field": "reason"}}
//
// Auth core errors are mapped by httputil.WriteAuthError.
package api
