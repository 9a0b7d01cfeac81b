package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenCodec issues and verifies RS256-signed identity tokens.
// It is stateless: revocation is checked by the caller.
type TokenCodec struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	leeway     time.Duration
	now        func() time.Time
}

// CodecOption configures a TokenCodec
type CodecOption func(*TokenCodec)

// WithIssuer sets the iss claim on issued tokens
func WithIssuer(issuer string) CodecOption {
	return func(c *TokenCodec) { c.issuer = issuer }
}

// WithLeeway allows clock skew when validating expiry. Default: none.
func WithLeeway(d time.Duration) CodecOption {
	return func(c *TokenCodec) { c.leeway = d }
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) { c.now = now }
}

// NewTokenCodec creates a codec. publicKey may be nil, in which case it is
// derived from the private key.
func NewTokenCodec(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, opts ...CodecOption) (*TokenCodec, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if publicKey == nil {
		publicKey = &privateKey.PublicKey
	}

	c := &TokenCodec{
		privateKey: privateKey,
		publicKey:  publicKey,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// LoadKeyPair reads a PEM private key (PKCS#1 or PKCS#8) and an optional
// PKIX public key. An empty publicKeyPath derives the public key.
func LoadKeyPair(privateKeyPath, publicKeyPath string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privPEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read private key: %w", err)
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	if publicKeyPath == "" {
		return privateKey, &privateKey.PublicKey, nil
	}

	pubPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read public key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	if publicKey.N.Cmp(privateKey.PublicKey.N) != 0 || publicKey.E != privateKey.PublicKey.E {
		return nil, nil, fmt.Errorf("public key does not match private key")
	}

	return privateKey, publicKey, nil
}

// Issue signs a new token and returns it together with its fresh token id
func (c *TokenCodec) Issue(identityID, email string, role Role, tokenType TokenType, ttl time.Duration) (string, string, error) {
	if ttl <= 0 {
		return "", "", fmt.Errorf("token ttl must be positive, got %v", ttl)
	}
	if identityID == "" {
		return "", "", fmt.Errorf("identity id is required")
	}

	now := c.now().UTC()
	tokenID := uuid.NewString()

	claims := Claims{
		Email: email,
		Role:  role,
		Type:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   identityID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, tokenID, nil
}

// Verify checks signature and expiry and returns the payload.
// Fails with ErrTokenExpired or ErrTokenInvalid.
func (c *TokenCodec) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(c.leeway))
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, tokenInvalid(err.Error())
	}

	if err := validatePayload(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// PeekExpiry decodes the expiry WITHOUT verifying the signature. Only for
// revocation bookkeeping; never use the result for access decisions.
func (c *TokenCodec) PeekExpiry(tokenString string) (time.Time, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, tokenInvalid(err.Error())
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, tokenInvalid("missing exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

func validatePayload(claims *Claims) error {
	if claims.Subject == "" {
		return tokenInvalid("missing sub claim")
	}
	if claims.ID == "" {
		return tokenInvalid("missing jti claim")
	}
	if claims.Type != TokenTypeAccess && claims.Type != TokenTypeRefresh {
		return tokenInvalid(fmt.Sprintf("unknown token type %q", claims.Type))
	}
	return nil
}
