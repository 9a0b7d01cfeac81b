package auth

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for every expected auth outcome. The HTTP boundary maps
// each one to a distinct status.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrAccountLocked        = errors.New("account temporarily locked")
	ErrTokenExpired         = errors.New("token has expired")
	ErrTokenInvalid         = errors.New("invalid token")
	ErrTokenBlacklisted     = errors.New("token has been revoked")
	ErrDuplicate            = errors.New("already exists")
	ErrUserNotFound         = errors.New("user not found")
)

// LockedError reports an engaged lockout and how long it lasts
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrAccountLocked.Error()
	}
	return fmt.Sprintf("%s, try again in %d seconds", ErrAccountLocked, int(e.RetryAfter.Seconds()))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// DuplicateError reports a registration conflict
type DuplicateError struct {
	Field string
	Value string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s '%s' %s", e.Field, e.Value, ErrDuplicate)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

func tokenInvalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrTokenInvalid, reason)
}

// IsTokenError reports whether err is one of the three token rejection kinds
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenBlacklisted)
}
