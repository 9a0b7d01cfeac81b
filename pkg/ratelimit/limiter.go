package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Key prefixes for the named scopes
const (
	GlobalPrefix = "ratelimit:global"
	LoginPrefix  = "ratelimit:login"
)

// Rule is a (prefix, limit, window) triple for one scope
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// GlobalRule limits all requests per client IP
func GlobalRule(limit int, window time.Duration) Rule {
	return Rule{Prefix: GlobalPrefix, Limit: limit, Window: window}
}

// LoginRule limits login attempts per client IP
func LoginRule(limit int, window time.Duration) Rule {
	return Rule{Prefix: LoginPrefix, Limit: limit, Window: window}
}

// Key returns the Redis key for identifier under this rule
func (r Rule) Key(identifier string) string {
	return r.Prefix + ":" + identifier
}

// Result is the outcome of one Check
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // whole seconds, zero when allowed
}

// RetryAfterSeconds returns RetryAfter as an integer number of seconds
func (r Result) RetryAfterSeconds() int {
	return int(r.RetryAfter / time.Second)
}

// Limiter implements sliding-window counting on Redis sorted sets.
// Every check purges, counts and records in a single MULTI/EXEC so
// concurrent requests for the same identifier cannot both slip under the limit.
type Limiter struct {
	redis redis.Cmdable
	now   func() time.Time
}

// LimiterOption configures a Limiter
type LimiterOption func(*Limiter)

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a sliding-window limiter
func NewLimiter(client redis.Cmdable, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		redis: client,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check counts one request for identifier and reports whether it is allowed.
// The request is recorded even when denied.
func (l *Limiter) Check(ctx context.Context, rule Rule, identifier string) (Result, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Result{}, fmt.Errorf("invalid rate limit rule %+v", rule)
	}

	key := rule.Key(identifier)
	now := l.now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - rule.Window.Milliseconds()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(nowMs), Member: windowMember(nowMs)})
		pipe.PExpire(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := int(card.Val())
	if count >= rule.Limit {
		retryAfter := rule.Window
		if entries := oldest.Val(); len(entries) > 0 {
			oldestMs := int64(entries[0].Score)
			retryAfter = time.Duration(oldestMs+rule.Window.Milliseconds()-nowMs) * time.Millisecond
		}
		return Result{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			RetryAfter: ceilSeconds(retryAfter),
		}, nil
	}

	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - count - 1,
	}, nil
}

// windowMember is unique per request so simultaneous requests are counted separately
func windowMember(nowMs int64) string {
	return strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
}

// ceilSeconds rounds d up to whole seconds, floored at one second
func ceilSeconds(d time.Duration) time.Duration {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
