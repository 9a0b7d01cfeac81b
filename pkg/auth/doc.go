// Package auth provides authentication and session security for the tracker API.
//
// # Overview
//
// This package implements the identity core every other subsystem depends on:
// password hashing, signed token issuance and verification, refresh-token
// rotation with replay protection, multi-device logout, and brute-force
// lockout. Storage is reached only through the UserRepository, SessionStore
// and LockoutPolicy interfaces; Redis and Postgres implementations live in
// pkg/storage and pkg/ratelimit.
//
// # Key Components
//
// Passwords: Argon2id digests in PHC string format
//
//	hasher := auth.NewPasswordHasher(auth.DefaultPasswordConfig())
//	digest, err := hasher.Hash("Str0ng!Pass")
//	ok := hasher.Verify("Str0ng!Pass", digest)
//
// Tokens: RS256-signed access and refresh tokens with a unique jti
//
//	codec, err := auth.NewTokenCodec(privateKey, nil)
//	token, tokenID, err := codec.Issue(identity.ID, identity.Email, identity.Role, auth.TokenTypeAccess, 15*time.Minute)
//	claims, err := codec.Verify(token)
//
// The codec is stateless. Verify never consults the revocation store.
//
// # Authentication Flow
//
//	svc := auth.NewService(users, hasher, codec, sessions, lockout, auth.DefaultServiceConfig())
//	pair, err := svc.Login(ctx, email, password, clientIP)
//	pair, err = svc.RefreshTokens(ctx, pair.RefreshToken)
//	err = svc.Logout(ctx, pair.AccessToken, pair.RefreshToken)
//
// Every refresh consumes the presented refresh token. With StrictRotation the
// consumption is a set-if-absent tombstone, so two concurrent refreshes with
// the same token produce exactly one new pair.
//
// # Errors
//
// Expected outcomes are sentinel errors (ErrInvalidCredentials,
// ErrTokenExpired, ErrTokenBlacklisted, ...) or typed errors that unwrap to
// them (*LockedError, *DuplicateError). Anything else is an infrastructure
// failure.
//
// # Related Packages
//
//   - pkg/storage: Redis revocation store
//   - pkg/ratelimit: sliding-window limiter and account lockout
//   - pkg/middleware: Bearer authentication and role gates
package auth
