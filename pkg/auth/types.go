package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role represents the account-level role of an identity
type Role string

const (
	RoleDeveloper Role = "developer" // Default role for self-registered accounts
	RoleManager   Role = "manager"   // Can manage projects and assignments
	RoleAdmin     Role = "admin"     // Full access, including account unlocks
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleDeveloper, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// TokenType distinguishes access tokens from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Identity is a user account as seen by the auth core
type Identity struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"` // Never expose hash
	Role         Role       `json:"role"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Claims is the signed payload carried by every token
type Claims struct {
	Email string    `json:"email"`
	Role  Role      `json:"role"`
	Type  TokenType `json:"type"`
	jwt.RegisteredClaims
}

// TokenID returns the unique id used as the revocation key
func (c *Claims) TokenID() string {
	return c.ID
}

// ExpiresAtTime returns the expiry as a time.Time (zero if unset)
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenPair is returned by login and refresh
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // access token lifetime in seconds
}

// UserRepository is the identity storage contract the auth core consumes.
// Lookups return ErrUserNotFound when no identity matches.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, identity *Identity) error
	MarkLastLogin(ctx context.Context, id string, at time.Time) error
	PersistPasswordHash(ctx context.Context, id, digest string) error
	SetActive(ctx context.Context, id string, active bool) error
	SetRole(ctx context.Context, id string, role Role) error
}

// SessionStore tracks revoked token ids and live refresh sessions
type SessionStore interface {
	Blacklist(ctx context.Context, tokenID string, expiresAt time.Time, ownerID string) error
	// ClaimToken atomically tombstones tokenID; false means it was already revoked.
	ClaimToken(ctx context.Context, tokenID string, expiresAt time.Time, ownerID string) (bool, error)
	IsBlacklisted(ctx context.Context, tokenID string) (bool, error)
	AddSession(ctx context.Context, ownerID, tokenID string, ttl time.Duration) error
	ListSessions(ctx context.Context, ownerID string) ([]string, error)
	InvalidateAllSessions(ctx context.Context, ownerID string) (int, error)
}

// LockoutPolicy tracks failed logins and temporary account locks
type LockoutPolicy interface {
	IsLocked(ctx context.Context, identifier string) (bool, time.Duration, error)
	RecordFailedAttempt(ctx context.Context, identifier string) (locked bool, remaining int, err error)
	Clear(ctx context.Context, identifier string) error
	Unlock(ctx context.Context, identifier string) error
	// LockDuration is how long a freshly engaged lock lasts
	LockDuration() time.Duration
}

// AuthContext holds the resolved identity for a request
type AuthContext struct {
	Identity *Identity
	Claims   *Claims
}

// HasRole checks if the authenticated identity has one of the given roles
func (ac *AuthContext) HasRole(roles ...Role) bool {
	if ac == nil || ac.Identity == nil {
		return false
	}
	for _, r := range roles {
		if ac.Identity.Role == r {
			return true
		}
	}
	return false
}
