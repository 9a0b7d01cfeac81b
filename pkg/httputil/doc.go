// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//	httputil.WriteNoContent(w)
//
// Auth core errors are mapped to statuses in one place:
//
//	pair, err := svc.Login(ctx, req.Email, req.Password, ip)
//	if err != nil {
//		httputil.WriteAuthError(w, logger, err) // 401, 409, 423 or 500
//		return
//	}
//
// Internal errors are logged and answered with a generic message.
//
// # Request Parsing
//
//	var req LoginRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	token, ok := httputil.BearerToken(r)
//	ip := httputil.RequestClientIP(r)
//
// Forwarding headers are honored only from configured proxies:
//
//	proxies, err := httputil.ParseTrustedProxies([]string{"10.0.0.0/8"})
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware(proxies),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Authentication, rate limiting and security headers
package httputil
