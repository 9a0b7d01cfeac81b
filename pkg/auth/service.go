package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceConfig holds the token lifetimes and rotation behavior
type ServiceConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// StrictRotation makes a refresh token's tombstone the linearization
	// point: of two concurrent refreshes with the same token only one wins.
	// When false the blacklist is checked, then written, and a concurrent
	// replay may mint two pairs.
	StrictRotation bool
	DefaultRole    Role
}

// DefaultServiceConfig returns the production defaults
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
		StrictRotation: true,
		DefaultRole:    RoleDeveloper,
	}
}

// EventRecorder receives a counter tick for every audited auth event
type EventRecorder interface {
	RecordAuthEvent(action, status string)
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithLogger sets the service logger
func WithLogger(logger logrus.FieldLogger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithAuditLogger sets the audit trail writer
func WithAuditLogger(audit *AuditLogger) ServiceOption {
	return func(s *Service) { s.audit = audit }
}

// WithEventRecorder attaches a metrics sink for auth events
func WithEventRecorder(recorder EventRecorder) ServiceOption {
	return func(s *Service) { s.recorder = recorder }
}

// Service coordinates registration, login, refresh rotation, logout and
// password changes. All dependencies are injected and safe for concurrent use.
type Service struct {
	users    UserRepository
	hasher   *PasswordHasher
	codec    *TokenCodec
	sessions SessionStore
	lockout  LockoutPolicy
	config   ServiceConfig

	logger   logrus.FieldLogger
	audit    *AuditLogger
	recorder EventRecorder

	dummyOnce   sync.Once
	dummyDigest string
}

// NewService creates the auth orchestrator
func NewService(
	users UserRepository,
	hasher *PasswordHasher,
	codec *TokenCodec,
	sessions SessionStore,
	lockout LockoutPolicy,
	config ServiceConfig,
	opts ...ServiceOption,
) *Service {
	defaults := DefaultServiceConfig()
	if config.AccessTTL <= 0 {
		config.AccessTTL = defaults.AccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = defaults.RefreshTTL
	}
	if !config.DefaultRole.Valid() {
		config.DefaultRole = defaults.DefaultRole
	}

	s := &Service{
		users:    users,
		hasher:   hasher,
		codec:    codec,
		sessions: sessions,
		lockout:  lockout,
		config:   config,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.logger = s.logger.WithField("component", "auth")
	if s.audit == nil {
		s.audit = NewAuditLogger(s.logger)
	}
	return s
}

// NormalizeEmail trims and lower-cases an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a new identity with the default role. No tokens are issued.
func (s *Service) Register(ctx context.Context, username, email, password string) (*Identity, error) {
	email = NormalizeEmail(email)
	username = strings.TrimSpace(username)

	exists, err := s.users.EmailExists(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		s.record(ctx, &AuditEvent{Action: ActionRegister, Status: StatusFailure, Email: email, Reason: "duplicate email"})
		return nil, &DuplicateError{Field: "email", Value: email}
	}

	exists, err = s.users.UsernameExists(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if exists {
		s.record(ctx, &AuditEvent{Action: ActionRegister, Status: StatusFailure, Email: email, Reason: "duplicate username"})
		return nil, &DuplicateError{Field: "username", Value: username}
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	identity := &Identity{
		Username:     username,
		Email:        email,
		PasswordHash: digest,
		Role:         s.config.DefaultRole,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, identity); err != nil {
		// the repository may still report a conflict lost to a concurrent registration
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	s.record(ctx, &AuditEvent{Action: ActionRegister, Status: StatusSuccess, IdentityID: identity.ID, Email: email})
	return identity, nil
}

// Login authenticates by email and password and issues a token pair
func (s *Service) Login(ctx context.Context, email, password, clientIP string) (*TokenPair, error) {
	email = NormalizeEmail(email)

	locked, remaining, err := s.lockout.IsLocked(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check lockout: %w", err)
	}
	if locked {
		s.record(ctx, &AuditEvent{Action: ActionLogin, Status: StatusDenied, Email: email, IPAddress: clientIP, Reason: "account locked"})
		return nil, &LockedError{RetryAfter: remaining}
	}

	identity, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}
	if identity == nil {
		// burn the same KDF cost as a real comparison
		s.hasher.Verify(password, s.dummy())
		if _, _, err := s.lockout.RecordFailedAttempt(ctx, email); err != nil {
			return nil, fmt.Errorf("failed to record attempt: %w", err)
		}
		s.record(ctx, &AuditEvent{Action: ActionLogin, Status: StatusFailure, Email: email, IPAddress: clientIP, Reason: "unknown email"})
		return nil, ErrInvalidCredentials
	}

	if !identity.IsActive {
		s.record(ctx, &AuditEvent{Action: ActionLogin, Status: StatusDenied, IdentityID: identity.ID, Email: email, IPAddress: clientIP, Reason: "deactivated"})
		return nil, fmt.Errorf("%w: account is deactivated", ErrAuthenticationFailed)
	}

	if !s.hasher.Verify(password, identity.PasswordHash) {
		lockedNow, left, err := s.lockout.RecordFailedAttempt(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to record attempt: %w", err)
		}
		if lockedNow {
			s.record(ctx, &AuditEvent{Action: ActionLockout, Status: StatusDenied, IdentityID: identity.ID, Email: email, IPAddress: clientIP})
			return nil, &LockedError{RetryAfter: s.lockRemaining(ctx, email)}
		}
		s.record(ctx, &AuditEvent{
			Action:     ActionLogin,
			Status:     StatusFailure,
			IdentityID: identity.ID,
			Email:      email,
			IPAddress:  clientIP,
			Reason:     fmt.Sprintf("wrong password, %d attempts left", left),
		})
		return nil, ErrInvalidCredentials
	}

	if err := s.lockout.Clear(ctx, email); err != nil {
		return nil, fmt.Errorf("failed to clear attempts: %w", err)
	}
	if err := s.users.MarkLastLogin(ctx, identity.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}

	pair, err := s.issuePair(ctx, identity)
	if err != nil {
		return nil, err
	}

	s.record(ctx, &AuditEvent{Action: ActionLogin, Status: StatusSuccess, IdentityID: identity.ID, Email: email, IPAddress: clientIP})
	return pair, nil
}

// RefreshTokens consumes a refresh token and issues a new pair. A refresh
// token is accepted at most once.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.codec.Verify(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeRefresh {
		return nil, tokenInvalid("expected refresh token")
	}

	revoked, err := s.sessions.IsBlacklisted(ctx, claims.TokenID())
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		s.record(ctx, &AuditEvent{Action: ActionRefresh, Status: StatusDenied, IdentityID: claims.Subject, Reason: "replayed refresh token"})
		return nil, ErrTokenBlacklisted
	}

	identity, err := s.findFresh(ctx, claims.Subject)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}
	if identity == nil || !identity.IsActive {
		return nil, tokenInvalid("identity not found or inactive")
	}

	if s.config.StrictRotation {
		claimed, err := s.sessions.ClaimToken(ctx, claims.TokenID(), claims.ExpiresAtTime(), claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		if !claimed {
			s.record(ctx, &AuditEvent{Action: ActionRefresh, Status: StatusDenied, IdentityID: claims.Subject, Reason: "concurrent refresh lost"})
			return nil, ErrTokenBlacklisted
		}
	} else {
		if err := s.sessions.Blacklist(ctx, claims.TokenID(), claims.ExpiresAtTime(), claims.Subject); err != nil {
			return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
	}

	pair, err := s.issuePair(ctx, identity)
	if err != nil {
		return nil, err
	}

	s.record(ctx, &AuditEvent{Action: ActionRefresh, Status: StatusSuccess, IdentityID: identity.ID, Email: identity.Email})
	return pair, nil
}

// Logout revokes both tokens. Tokens that are already expired or invalid
// are skipped; store failures are returned.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	var errs []error
	var subject string

	for _, tok := range []string{accessToken, refreshToken} {
		if tok == "" {
			continue
		}
		claims, err := s.codec.Verify(tok)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenInvalid) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		subject = claims.Subject
		if err := s.sessions.Blacklist(ctx, claims.TokenID(), claims.ExpiresAtTime(), claims.Subject); err != nil {
			errs = append(errs, fmt.Errorf("failed to revoke %s token: %w", claims.Type, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if subject != "" {
		s.record(ctx, &AuditEvent{Action: ActionLogout, Status: StatusSuccess, IdentityID: subject})
	}
	return nil
}

// LogoutAll revokes every tracked session of an identity
func (s *Service) LogoutAll(ctx context.Context, identityID string) (int, error) {
	count, err := s.sessions.InvalidateAllSessions(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate sessions: %w", err)
	}
	s.record(ctx, &AuditEvent{Action: ActionLogoutAll, Status: StatusSuccess, IdentityID: identityID, Reason: fmt.Sprintf("%d sessions", count)})
	return count, nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every session. Returns the number of sessions revoked.
func (s *Service) ChangePassword(ctx context.Context, identity *Identity, currentPassword, newPassword string) (int, error) {
	if identity == nil {
		return 0, ErrAuthenticationFailed
	}
	if !s.hasher.Verify(currentPassword, identity.PasswordHash) {
		s.record(ctx, &AuditEvent{Action: ActionPasswordChange, Status: StatusFailure, IdentityID: identity.ID, Reason: "wrong current password"})
		return 0, fmt.Errorf("%w: current password is incorrect", ErrInvalidCredentials)
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.PersistPasswordHash(ctx, identity.ID, digest); err != nil {
		return 0, fmt.Errorf("failed to persist password: %w", err)
	}
	identity.PasswordHash = digest

	count, err := s.sessions.InvalidateAllSessions(ctx, identity.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate sessions: %w", err)
	}

	s.record(ctx, &AuditEvent{Action: ActionPasswordChange, Status: StatusSuccess, IdentityID: identity.ID, Email: identity.Email})
	return count, nil
}

// VerifyAccessToken is the identity-resolution hook for every other
// subsystem. Fails with ErrTokenExpired, ErrTokenInvalid or ErrTokenBlacklisted.
func (s *Service) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := s.codec.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, tokenInvalid("expected access token")
	}

	revoked, err := s.sessions.IsBlacklisted(ctx, claims.TokenID())
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenBlacklisted
	}
	return claims, nil
}

// Authenticate verifies an access token and loads the active identity behind it
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*AuthContext, error) {
	claims, err := s.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	identity, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("%w: identity not found", ErrAuthenticationFailed)
		}
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}
	if !identity.IsActive {
		return nil, fmt.Errorf("%w: account is deactivated", ErrAuthenticationFailed)
	}

	return &AuthContext{Identity: identity, Claims: claims}, nil
}

// Unlock clears the lock flag and failed-attempt window for an email
func (s *Service) Unlock(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := s.lockout.Unlock(ctx, email); err != nil {
		return fmt.Errorf("failed to unlock account: %w", err)
	}
	s.record(ctx, &AuditEvent{Action: ActionUnlock, Status: StatusSuccess, Email: email})
	return nil
}

// SetActive activates or deactivates an identity. Deactivation also revokes
// every session; the number revoked is returned.
func (s *Service) SetActive(ctx context.Context, identityID string, active bool) (int, error) {
	if err := s.users.SetActive(ctx, identityID, active); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to update account status: %w", err)
	}

	if active {
		s.record(ctx, &AuditEvent{Action: ActionActivate, Status: StatusSuccess, IdentityID: identityID})
		return 0, nil
	}

	count, err := s.sessions.InvalidateAllSessions(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate sessions: %w", err)
	}
	s.record(ctx, &AuditEvent{Action: ActionDeactivate, Status: StatusSuccess, IdentityID: identityID, Reason: fmt.Sprintf("%d sessions", count)})
	return count, nil
}

// SetRole changes the role of an identity. Tokens already issued keep the
// old role claim until they are refreshed.
func (s *Service) SetRole(ctx context.Context, identityID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if err := s.users.SetRole(ctx, identityID, role); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("failed to update role: %w", err)
	}
	s.record(ctx, &AuditEvent{Action: ActionRoleChange, Status: StatusSuccess, IdentityID: identityID, Reason: string(role)})
	return nil
}

// ListSessions returns the live refresh-token ids of an identity
func (s *Service) ListSessions(ctx context.Context, identityID string) ([]string, error) {
	ids, err := s.sessions.ListSessions(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return ids, nil
}

// Config returns the effective service configuration
func (s *Service) Config() ServiceConfig {
	return s.config
}

func (s *Service) issuePair(ctx context.Context, identity *Identity) (*TokenPair, error) {
	access, _, err := s.codec.Issue(identity.ID, identity.Email, identity.Role, TokenTypeAccess, s.config.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refresh, refreshID, err := s.codec.Issue(identity.ID, identity.Email, identity.Role, TokenTypeRefresh, s.config.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	if err := s.sessions.AddSession(ctx, identity.ID, refreshID, s.config.RefreshTTL); err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.config.AccessTTL.Seconds()),
	}, nil
}

// freshReader is implemented by repositories that sit behind a read cache
type freshReader interface {
	FindByIDFresh(ctx context.Context, id string) (*Identity, error)
}

// findFresh loads an identity bypassing any read cache
func (s *Service) findFresh(ctx context.Context, id string) (*Identity, error) {
	if fr, ok := s.users.(freshReader); ok {
		return fr.FindByIDFresh(ctx, id)
	}
	return s.users.FindByID(ctx, id)
}

// lockRemaining reports the time left on a lock that was just engaged,
// falling back to the full lock duration when the store cannot say
func (s *Service) lockRemaining(ctx context.Context, email string) time.Duration {
	_, remaining, err := s.lockout.IsLocked(ctx, email)
	if err != nil {
		s.logger.WithError(err).WithField("email", email).Warn("Failed to read lock expiry")
	}
	if err != nil || remaining <= 0 {
		return s.lockout.LockDuration()
	}
	return remaining
}

// dummy returns a digest used to equalize timing for unknown emails
func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		digest, err := s.hasher.Hash("tracker-timing-equalizer")
		if err != nil {
			s.logger.WithError(err).Warn("Failed to prepare timing digest")
			return
		}
		s.dummyDigest = digest
	})
	return s.dummyDigest
}

func (s *Service) record(ctx context.Context, event *AuditEvent) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.WithError(err).Warn("Failed to record audit event")
	}
	if s.recorder != nil {
		s.recorder.RecordAuthEvent(event.Action, event.Status)
	}
}
