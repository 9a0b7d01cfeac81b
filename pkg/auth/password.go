package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PasswordConfig holds the Argon2id cost parameters
type PasswordConfig struct {
	Time        uint32 // iterations
	Memory      uint32 // KiB
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultPasswordConfig returns the production cost parameters
func DefaultPasswordConfig() PasswordConfig {
	return PasswordConfig{
		Time:        3,
		Memory:      64 * 1024,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// PasswordHasher hashes and verifies passwords with Argon2id.
//
// Digests use the PHC string format so verification needs nothing but the digest:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<base64 salt>$<base64 key>
type PasswordHasher struct {
	config PasswordConfig
}

// NewPasswordHasher creates a hasher with the given cost parameters
func NewPasswordHasher(config PasswordConfig) *PasswordHasher {
	defaults := DefaultPasswordConfig()
	if config.Time == 0 {
		config.Time = defaults.Time
	}
	if config.Memory == 0 {
		config.Memory = defaults.Memory
	}
	if config.Parallelism == 0 {
		config.Parallelism = defaults.Parallelism
	}
	if config.SaltLength == 0 {
		config.SaltLength = defaults.SaltLength
	}
	if config.KeyLength == 0 {
		config.KeyLength = defaults.KeyLength
	}
	return &PasswordHasher{config: config}
}

// Hash derives a digest with a fresh random salt
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches digest. A corrupt or foreign
// digest is a mismatch, not an error.
func (h *PasswordHasher) Verify(password, digest string) bool {
	params, salt, key, err := decodeDigest(digest)
	if err != nil {
		return false
	}

	candidate := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1
}

// NeedsRehash reports whether digest was produced with different cost
// parameters than the current configuration
func (h *PasswordHasher) NeedsRehash(digest string) bool {
	params, salt, key, err := decodeDigest(digest)
	if err != nil {
		return true
	}
	return params.Time != h.config.Time ||
		params.Memory != h.config.Memory ||
		params.Parallelism != h.config.Parallelism ||
		uint32(len(salt)) != h.config.SaltLength ||
		uint32(len(key)) != h.config.KeyLength
}

func decodeDigest(digest string) (PasswordConfig, []byte, []byte, error) {
	var params PasswordConfig

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" {
		return params, nil, nil, fmt.Errorf("malformed digest")
	}
	if parts[1] != "argon2id" {
		return params, nil, nil, fmt.Errorf("unsupported algorithm %q", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, fmt.Errorf("malformed version: %w", err)
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &params.Parallelism); err != nil {
		return params, nil, nil, fmt.Errorf("malformed parameters: %w", err)
	}
	if params.Time == 0 || params.Memory == 0 || params.Parallelism == 0 {
		return params, nil, nil, fmt.Errorf("invalid parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return params, nil, nil, fmt.Errorf("malformed salt")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return params, nil, nil, fmt.Errorf("malformed key")
	}

	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))
	return params, salt, key, nil
}
