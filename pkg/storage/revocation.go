package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	blacklistPrefix = "token:blacklist:"
	sessionsPrefix  = "user:sessions:"

	tombstoneValue = "revoked"

	// optimistic transaction retries for InvalidateAllSessions
	maxWatchRetries = 5
)

// RevocationStore keeps revoked token ids and live refresh sessions in Redis
type RevocationStore struct {
	client      *redis.Client
	fallbackTTL time.Duration
	now         func() time.Time
}

// RevocationOption configures a RevocationStore
type RevocationOption func(*RevocationStore)

// WithRevocationClock overrides the time source (tests)
func WithRevocationClock(now func() time.Time) RevocationOption {
	return func(s *RevocationStore) { s.now = now }
}

// NewRevocationStore creates a store. fallbackTTL is applied to session
// members revoked in bulk, whose individual expiry is not tracked; it should
// be the maximum refresh-token lifetime.
func NewRevocationStore(client *redis.Client, fallbackTTL time.Duration, opts ...RevocationOption) *RevocationStore {
	if fallbackTTL <= 0 {
		fallbackTTL = 7 * 24 * time.Hour
	}
	s := &RevocationStore{
		client:      client,
		fallbackTTL: fallbackTTL,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func blacklistKey(tokenID string) string { return blacklistPrefix + tokenID }
func sessionsKey(ownerID string) string  { return sessionsPrefix + ownerID }

// Blacklist tombstones tokenID until expiresAt. Revoking an already expired
// token writes nothing. The id is always removed from the owner's sessions.
func (s *RevocationStore) Blacklist(ctx context.Context, tokenID string, expiresAt time.Time, ownerID string) error {
	ttl := expiresAt.Sub(s.now())

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if ttl > 0 {
			pipe.Set(ctx, blacklistKey(tokenID), tombstoneValue, ttl)
		}
		if ownerID != "" {
			pipe.SRem(ctx, sessionsKey(ownerID), tokenID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// ClaimToken writes the tombstone only if none exists. It returns false when
// another caller revoked tokenID first.
func (s *RevocationStore) ClaimToken(ctx context.Context, tokenID string, expiresAt time.Time, ownerID string) (bool, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	claimed, err := s.client.SetNX(ctx, blacklistKey(tokenID), tombstoneValue, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim token: %w", err)
	}
	if !claimed {
		return false, nil
	}

	if ownerID != "" {
		if err := s.client.SRem(ctx, sessionsKey(ownerID), tokenID).Err(); err != nil {
			return true, fmt.Errorf("failed to remove session: %w", err)
		}
	}
	return true, nil
}

// IsBlacklisted reports whether tokenID has a live tombstone
func (s *RevocationStore) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, blacklistKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return n > 0, nil
}

// AddSession records a live refresh token and extends the set's TTL
func (s *RevocationStore) AddSession(ctx context.Context, ownerID, tokenID string, ttl time.Duration) error {
	key := sessionsKey(ownerID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, tokenID)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

// ListSessions returns the owner's live refresh-token ids, sorted
func (s *RevocationStore) ListSessions(ctx context.Context, ownerID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, sessionsKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// InvalidateAllSessions blacklists every session member with the fallback
// TTL and deletes the set. Returns the number of sessions revoked.
func (s *RevocationStore) InvalidateAllSessions(ctx context.Context, ownerID string) (int, error) {
	key := sessionsKey(ownerID)
	var count int

	txf := func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		count = len(members)
		if count == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, tokenID := range members {
				pipe.Set(ctx, blacklistKey(tokenID), tombstoneValue, s.fallbackTTL)
			}
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return count, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// a session was added concurrently; re-read the set
			continue
		}
		return 0, fmt.Errorf("failed to invalidate sessions: %w", err)
	}
	return 0, fmt.Errorf("failed to invalidate sessions: too much contention on %s", key)
}
