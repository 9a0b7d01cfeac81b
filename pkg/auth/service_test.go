package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tracker/pkg/auth"
	"github.com/platinummonkey/tracker/pkg/ratelimit"
	"github.com/platinummonkey/tracker/pkg/storage"
	"github.com/platinummonkey/tracker/pkg/storage/memory"
)

const (
	alicePassword = "Str0ng!Pass"
	clientIP      = "203.0.113.7"
)

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
)

func loadSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		signingKey = key
	})
	return signingKey
}

type eventCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *eventCounter) RecordAuthEvent(action, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[action+"/"+status]++
}

func (c *eventCounter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

type harness struct {
	svc      *auth.Service
	codec    *auth.TokenCodec
	hasher   *auth.PasswordHasher
	users    *memory.UserStore
	sessions *storage.RevocationStore
	lockout  *ratelimit.Lockout
	config   auth.ServiceConfig
	mr       *miniredis.Miniredis
	events   *eventCounter
	logger   *logrus.Logger
	logs     *test.Hook
}

func newHarness(t *testing.T, mutate func(*auth.ServiceConfig)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := storage.DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	redisClient, err := storage.NewRedisClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { redisClient.Close() })

	serviceConfig := auth.DefaultServiceConfig()
	if mutate != nil {
		mutate(&serviceConfig)
	}

	codec, err := auth.NewTokenCodec(loadSigningKey(t), nil, auth.WithIssuer("tracker"))
	require.NoError(t, err)

	users := memory.NewUserStore()
	sessions := storage.NewRevocationStore(redisClient, serviceConfig.RefreshTTL)
	lockout := ratelimit.NewLockout(redisClient, ratelimit.DefaultLockoutConfig())
	hasher := auth.NewPasswordHasher(auth.PasswordConfig{Time: 1, Memory: 64, Parallelism: 1})

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	events := &eventCounter{counts: make(map[string]int)}

	h := &harness{
		codec:    codec,
		hasher:   hasher,
		users:    users,
		sessions: sessions,
		lockout:  lockout,
		config:   serviceConfig,
		mr:       mr,
		events:   events,
		logger:   logger,
		logs:     hook,
	}
	h.svc = h.service(users, lockout)
	return h
}

// service builds another orchestrator over the harness stores with the
// given repository and lockout policy in front
func (h *harness) service(users auth.UserRepository, lockout auth.LockoutPolicy) *auth.Service {
	return auth.NewService(users, h.hasher, h.codec, h.sessions, lockout, h.config,
		auth.WithLogger(h.logger),
		auth.WithEventRecorder(h.events),
	)
}

func (h *harness) registerAlice(t *testing.T) *auth.Identity {
	t.Helper()
	identity, err := h.svc.Register(context.Background(), "alice", "alice@x.com", alicePassword)
	require.NoError(t, err)
	return identity
}

func (h *harness) tokenID(t *testing.T, token string) string {
	t.Helper()
	claims, err := h.codec.Verify(token)
	require.NoError(t, err)
	return claims.TokenID()
}

func TestService_Register(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	identity, err := h.svc.Register(ctx, "alice", "  Alice@X.com ", alicePassword)
	require.NoError(t, err)
	assert.NotEmpty(t, identity.ID)
	assert.Equal(t, "alice@x.com", identity.Email)
	assert.Equal(t, auth.RoleDeveloper, identity.Role)
	assert.True(t, identity.IsActive)
	assert.NotEqual(t, alicePassword, identity.PasswordHash)

	_, err = h.svc.Register(ctx, "alice2", "alice@x.com", alicePassword)
	var dup *auth.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "email", dup.Field)

	_, err = h.svc.Register(ctx, "alice", "other@x.com", alicePassword)
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "username", dup.Field)

	assert.Equal(t, 1, h.events.get(auth.ActionRegister+"/"+auth.StatusSuccess))
	assert.Equal(t, 2, h.events.get(auth.ActionRegister+"/"+auth.StatusFailure))
}

func TestService_Login(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	pair, err := h.svc.Login(ctx, "ALICE@x.com", alicePassword, clientIP)
	require.NoError(t, err)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, 900, pair.ExpiresIn)

	claims, err := h.svc.VerifyAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, claims.Subject)
	assert.Equal(t, auth.TokenTypeAccess, claims.Type)

	sessions, err := h.svc.ListSessions(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{h.tokenID(t, pair.RefreshToken)}, sessions)
	assert.Equal(t, 7*24*time.Hour, h.mr.TTL("user:sessions:"+alice.ID))

	stored, err := h.users.FindByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestService_LoginWrongPasswordLocksAccount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)

	for i := 1; i <= 4; i++ {
		_, err := h.svc.Login(ctx, "alice@x.com", "wrong", clientIP)
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials, "attempt %d", i)
	}

	_, err := h.svc.Login(ctx, "alice@x.com", "wrong", clientIP)
	require.ErrorIs(t, err, auth.ErrAccountLocked)
	var locked *auth.LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, 900*time.Second, locked.RetryAfter)

	// the correct password does not bypass the lock
	_, err = h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	assert.ErrorIs(t, err, auth.ErrAccountLocked)
	assert.NotErrorIs(t, err, auth.ErrInvalidCredentials)

	h.mr.FastForward(901 * time.Second)

	_, err = h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	assert.NoError(t, err)
	assert.Equal(t, 1, h.events.get(auth.ActionLockout+"/"+auth.StatusDenied))
}

func TestService_LoginSuccessClearsFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)

	for i := 0; i < 4; i++ {
		_, err := h.svc.Login(ctx, "alice@x.com", "wrong", clientIP)
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	_, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	// window restarted, four more failures do not lock
	for i := 0; i < 4; i++ {
		_, err := h.svc.Login(ctx, "alice@x.com", "wrong", clientIP)
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
}

func TestService_LoginUnknownEmailIsTracked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.svc.Login(ctx, "ghost@x.com", "whatever", clientIP)
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	assert.True(t, h.mr.Exists("account:locked:ghost@x.com"))

	_, err := h.svc.Login(ctx, "ghost@x.com", "whatever", clientIP)
	assert.ErrorIs(t, err, auth.ErrAccountLocked)
}

func TestService_LoginInactive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)
	require.NoError(t, h.users.SetActive(ctx, alice.ID, false))

	_, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
}

func TestService_Unlock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)

	for i := 0; i < 5; i++ {
		_, _ = h.svc.Login(ctx, "alice@x.com", "wrong", clientIP)
	}
	_, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	require.NoError(t, h.svc.Unlock(ctx, "Alice@x.com"))

	_, err = h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	assert.NoError(t, err)
}

func TestService_RefreshRotation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	original, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	rotated, err := h.svc.RefreshTokens(ctx, original.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, original.RefreshToken, rotated.RefreshToken)

	_, err = h.svc.RefreshTokens(ctx, original.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrTokenBlacklisted)

	// the rotated token still works once
	_, err = h.svc.RefreshTokens(ctx, rotated.RefreshToken)
	assert.NoError(t, err)

	sessions, err := h.svc.ListSessions(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestService_RefreshRotationLegacyMode(t *testing.T) {
	h := newHarness(t, func(c *auth.ServiceConfig) { c.StrictRotation = false })
	ctx := context.Background()
	h.registerAlice(t)

	pair, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	_, err = h.svc.RefreshTokens(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = h.svc.RefreshTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrTokenBlacklisted)
}

func TestService_ConcurrentRefreshReplay(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)

	pair, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RefreshTokens(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, auth.ErrTokenBlacklisted)
	}
	assert.Equal(t, 1, wins)
}

func TestService_RefreshRejectsWrongTokens(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	pair, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	_, err = h.svc.RefreshTokens(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	_, err = h.svc.VerifyAccessToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	_, err = h.svc.RefreshTokens(ctx, "garbage")
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	require.NoError(t, h.users.SetActive(ctx, alice.ID, false))
	_, err = h.svc.RefreshTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestService_RefreshExpiredToken(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	expired, err := auth.NewTokenCodec(loadSigningKey(t), nil,
		auth.WithIssuer("tracker"),
		auth.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }),
	)
	require.NoError(t, err)
	token, _, err := expired.Issue(alice.ID, alice.Email, alice.Role, auth.TokenTypeRefresh, time.Minute)
	require.NoError(t, err)

	_, err = h.svc.RefreshTokens(ctx, token)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestService_Logout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	pair, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken))

	_, err = h.svc.VerifyAccessToken(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, auth.ErrTokenBlacklisted)
	_, err = h.svc.RefreshTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrTokenBlacklisted)

	sessions, err := h.svc.ListSessions(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// unusable tokens are ignored
	assert.NoError(t, h.svc.Logout(ctx, "garbage", ""))
	assert.NoError(t, h.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken))
}

func TestService_LogoutStoreFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)

	pair, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	h.mr.Close()
	err = h.svc.Logout(ctx, pair.AccessToken, pair.RefreshToken)
	require.Error(t, err)
	assert.False(t, auth.IsTokenError(err))
}

func TestService_LogoutAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	first, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)
	second, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	count, err := h.svc.LogoutAll(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, pair := range []*auth.TokenPair{first, second} {
		jti := h.tokenID(t, pair.RefreshToken)
		assert.True(t, h.mr.Exists("token:blacklist:"+jti))
		assert.Equal(t, 7*24*time.Hour, h.mr.TTL("token:blacklist:"+jti))

		_, err := h.svc.RefreshTokens(ctx, pair.RefreshToken)
		assert.ErrorIs(t, err, auth.ErrTokenBlacklisted)
	}

	count, err = h.svc.LogoutAll(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestService_ChangePassword(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)

	pair, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)
	authCtx, err := h.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)

	_, err = h.svc.ChangePassword(ctx, authCtx.Identity, "wrong", "N3w!Password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	count, err := h.svc.ChangePassword(ctx, authCtx.Identity, alicePassword, "N3w!Password")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = h.svc.RefreshTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrTokenBlacklisted)

	_, err = h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = h.svc.Login(ctx, "alice@x.com", "N3w!Password", clientIP)
	assert.NoError(t, err)
}

func TestService_Authenticate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	pair, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	authCtx, err := h.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, authCtx.Identity.ID)
	assert.Equal(t, alice.ID, authCtx.Claims.Subject)

	// verification is repeatable
	again, err := h.svc.VerifyAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, authCtx.Claims, again)

	require.NoError(t, h.users.SetActive(ctx, alice.ID, false))
	_, err = h.svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
}

func TestService_StoreUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)
	h.mr.Close()

	_, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.NotErrorIs(t, err, auth.ErrAccountLocked)
}

func TestService_AuditTrail(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)

	_, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)

	entry := h.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, auth.ActionLogin, entry.Data["action"])
	assert.Equal(t, auth.StatusSuccess, entry.Data["status"])
	assert.Equal(t, clientIP, entry.Data["ip"])
}

func TestService_RefreshSeesDeactivationBehindCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	cached := auth.NewCachedUserRepository(h.users, 16, time.Minute)
	svc := h.service(cached, h.lockout)

	pair, err := svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, 1, cached.Len())

	// deactivated directly in the store; the cached entry is now stale
	require.NoError(t, h.users.SetActive(ctx, alice.ID, false))

	_, err = svc.RefreshTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	// the refresh replaced the stale entry, so access tokens stop working too
	_, err = svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
}

func TestService_SetActive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	cached := auth.NewCachedUserRepository(h.users, 16, time.Minute)
	svc := h.service(cached, h.lockout)

	first, err := svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)
	_, err = svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, first.AccessToken)
	require.NoError(t, err)

	revoked, err := svc.SetActive(ctx, alice.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)
	assert.Equal(t, 1, h.events.get(auth.ActionDeactivate+"/"+auth.StatusSuccess))

	_, err = svc.Authenticate(ctx, first.AccessToken)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	_, err = svc.RefreshTokens(ctx, first.RefreshToken)
	assert.Error(t, err)
	_, err = svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	revoked, err = svc.SetActive(ctx, alice.ID, true)
	require.NoError(t, err)
	assert.Zero(t, revoked)
	_, err = svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	assert.NoError(t, err)

	_, err = svc.SetActive(ctx, "missing", false)
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestService_SetRole(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.registerAlice(t)

	require.NoError(t, h.svc.SetRole(ctx, alice.ID, auth.RoleManager))
	pair, err := h.svc.Login(ctx, "alice@x.com", alicePassword, clientIP)
	require.NoError(t, err)
	claims, err := h.codec.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleManager, claims.Role)

	assert.Error(t, h.svc.SetRole(ctx, alice.ID, auth.Role("root")))
	assert.ErrorIs(t, h.svc.SetRole(ctx, "missing", auth.RoleAdmin), auth.ErrUserNotFound)
}

// expiryBlindLockout cannot read the lock expiry once an account is locked
type expiryBlindLockout struct {
	*ratelimit.Lockout
	locked bool
}

func (l *expiryBlindLockout) RecordFailedAttempt(ctx context.Context, identifier string) (bool, int, error) {
	locked, remaining, err := l.Lockout.RecordFailedAttempt(ctx, identifier)
	l.locked = locked
	return locked, remaining, err
}

func (l *expiryBlindLockout) IsLocked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	if l.locked {
		return false, 0, errors.New("connection reset by peer")
	}
	return l.Lockout.IsLocked(ctx, identifier)
}

func TestService_LockoutRetryAfterFallback(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.registerAlice(t)
	svc := h.service(h.users, &expiryBlindLockout{Lockout: h.lockout})

	var err error
	for i := 0; i < 5; i++ {
		_, err = svc.Login(ctx, "alice@x.com", "wrong", clientIP)
	}

	var locked *auth.LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, h.lockout.LockDuration(), locked.RetryAfter)

	var warned bool
	for _, entry := range h.logs.AllEntries() {
		if entry.Message == "Failed to read lock expiry" {
			warned = true
			assert.Equal(t, logrus.WarnLevel, entry.Level)
		}
	}
	assert.True(t, warned)
}
