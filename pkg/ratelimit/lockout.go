package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	failedPrefix = "ratelimit:login:failed:"
	lockedPrefix = "account:locked:"
)

// LockoutConfig holds the brute-force lockout policy
type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration // how long a lock lasts
	Window      time.Duration // trailing window for counting failures
}

// DefaultLockoutConfig returns 5 attempts per 60s, locking for 15 minutes
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxAttempts: 5,
		Duration:    900 * time.Second,
		Window:      60 * time.Second,
	}
}

// Lockout tracks failed logins per identifier and locks after too many.
// Identifiers are tracked whether or not an account exists for them.
type Lockout struct {
	redis  redis.Cmdable
	config LockoutConfig
	now    func() time.Time
}

// LockoutOption configures a Lockout
type LockoutOption func(*Lockout)

// WithLockoutClock overrides the time source (tests)
func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(l *Lockout) { l.now = now }
}

// NewLockout creates a lockout policy
func NewLockout(client redis.Cmdable, config LockoutConfig, opts ...LockoutOption) *Lockout {
	defaults := DefaultLockoutConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Duration <= 0 {
		config.Duration = defaults.Duration
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}

	l := &Lockout{
		redis:  client,
		config: config,
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Config returns the effective policy
func (l *Lockout) Config() LockoutConfig {
	return l.config
}

// LockDuration returns how long a newly engaged lock lasts
func (l *Lockout) LockDuration() time.Duration {
	return l.config.Duration
}

// RecordFailedAttempt records a failure and locks the identifier once the
// window holds MaxAttempts failures
func (l *Lockout) RecordFailedAttempt(ctx context.Context, identifier string) (bool, int, error) {
	key := failedPrefix + identifier
	nowMs := l.now().UnixMilli()
	windowStart := nowMs - l.config.Window.Milliseconds()

	var card *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(nowMs), Member: windowMember(nowMs)})
		card = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, l.config.Window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	count := int(card.Val())
	if count >= l.config.MaxAttempts {
		if err := l.redis.Set(ctx, lockedPrefix+identifier, "1", l.config.Duration).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to lock account: %w", err)
		}
		return true, 0, nil
	}

	return false, l.config.MaxAttempts - count, nil
}

// IsLocked reports whether identifier is locked and for how much longer.
// Unknown identifiers are not locked.
func (l *Lockout) IsLocked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	ttl, err := l.redis.TTL(ctx, lockedPrefix+identifier).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check lock: %w", err)
	}

	switch {
	case ttl == -2:
		// key does not exist
		return false, 0, nil
	case ttl < 0:
		// lock without expiry
		return true, 0, nil
	}
	return true, ceilSeconds(ttl), nil
}

// Clear deletes the failed-attempt window after a successful login
func (l *Lockout) Clear(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, failedPrefix+identifier).Err(); err != nil {
		return fmt.Errorf("failed to clear attempts: %w", err)
	}
	return nil
}

// Unlock removes the lock and the failed-attempt window
func (l *Lockout) Unlock(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, lockedPrefix+identifier, failedPrefix+identifier).Err(); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	return nil
}
