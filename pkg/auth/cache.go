package auth

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedUserRepository memoizes FindByID for request-path identity
// resolution. Writes through it evict the affected identity.
type CachedUserRepository struct {
	UserRepository
	cache *lru.LRU[string, *Identity]
}

// NewCachedUserRepository wraps repo with an expiring LRU of size entries
func NewCachedUserRepository(repo UserRepository, size int, ttl time.Duration) *CachedUserRepository {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedUserRepository{
		UserRepository: repo,
		cache:          lru.NewLRU[string, *Identity](size, nil, ttl),
	}
}

// FindByID returns a cached copy when available
func (r *CachedUserRepository) FindByID(ctx context.Context, id string) (*Identity, error) {
	if identity, ok := r.cache.Get(id); ok {
		cp := *identity
		return &cp, nil
	}
	return r.load(ctx, id, r.UserRepository.FindByID)
}

// FindByIDFresh skips the cache and reads the authoritative copy (the
// primary, when the store separates it), then replaces the cached entry
func (r *CachedUserRepository) FindByIDFresh(ctx context.Context, id string) (*Identity, error) {
	find := r.UserRepository.FindByID
	if fr, ok := r.UserRepository.(freshReader); ok {
		find = fr.FindByIDFresh
	}
	return r.load(ctx, id, find)
}

func (r *CachedUserRepository) load(ctx context.Context, id string, find func(context.Context, string) (*Identity, error)) (*Identity, error) {
	identity, err := find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.cache.Remove(id)
		}
		return nil, err
	}

	cp := *identity
	r.cache.Add(id, &cp)
	return identity, nil
}

// MarkLastLogin updates the store and evicts the cached identity
func (r *CachedUserRepository) MarkLastLogin(ctx context.Context, id string, at time.Time) error {
	defer r.Invalidate(id)
	return r.UserRepository.MarkLastLogin(ctx, id, at)
}

// PersistPasswordHash updates the store and evicts the cached identity
func (r *CachedUserRepository) PersistPasswordHash(ctx context.Context, id, digest string) error {
	defer r.Invalidate(id)
	return r.UserRepository.PersistPasswordHash(ctx, id, digest)
}

// SetActive updates the store and evicts the cached identity
func (r *CachedUserRepository) SetActive(ctx context.Context, id string, active bool) error {
	defer r.Invalidate(id)
	return r.UserRepository.SetActive(ctx, id, active)
}

// SetRole updates the store and evicts the cached identity
func (r *CachedUserRepository) SetRole(ctx context.Context, id string, role Role) error {
	defer r.Invalidate(id)
	return r.UserRepository.SetRole(ctx, id, role)
}

// Invalidate drops a cached identity
func (r *CachedUserRepository) Invalidate(id string) {
	r.cache.Remove(id)
}

// Len reports the number of cached identities
func (r *CachedUserRepository) Len() int {
	return r.cache.Len()
}
