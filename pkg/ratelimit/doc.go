// Package ratelimit provides Redis-backed sliding-window rate limiting and
// brute-force account lockout.
//
// # Sliding Window
//
// Each (scope, identifier) pair owns a sorted set of request timestamps in
// milliseconds. A check purges entries older than the window, counts what is
// left, records the current request and refreshes the key TTL, all in one
// MULTI/EXEC:
//
//	limiter := ratelimit.NewLimiter(redisClient)
//	res, err := limiter.Check(ctx, ratelimit.LoginRule(5, time.Minute), clientIP)
//	if !res.Allowed {
//		// respond 429 with Retry-After: res.RetryAfterSeconds()
//	}
//
// # Lockout
//
// Lockout counts failed logins per submitted email in its own window and sets
// an expiring lock flag once MaxAttempts is reached. The flag's TTL is the
// remaining lock time.
//
// # Key Layout
//
//	ratelimit:global:<ip>         global request window
//	ratelimit:login:<ip>          login attempt window
//	ratelimit:login:failed:<id>   failed login window
//	account:locked:<id>           lock flag
package ratelimit
