// Package memory provides an in-process user repository for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tracker/pkg/auth"
)

// UserStore implements auth.UserRepository in memory. Returned identities
// are copies; mutate them through the store.
type UserStore struct {
	mu      sync.RWMutex
	byID    map[string]*auth.Identity
	byEmail map[string]string
	byName  map[string]string
}

// NewUserStore creates an empty repository
func NewUserStore() *UserStore {
	return &UserStore{
		byID:    make(map[string]*auth.Identity),
		byEmail: make(map[string]string),
		byName:  make(map[string]string),
	}
}

// FindByID looks up an identity by id
func (s *UserStore) FindByID(_ context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return clone(identity), nil
}

// FindByEmail looks up an identity by email
func (s *UserStore) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return clone(s.byID[id]), nil
}

// EmailExists reports whether an identity uses email
func (s *UserStore) EmailExists(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byEmail[strings.ToLower(email)]
	return ok, nil
}

// UsernameExists reports whether an identity uses username
func (s *UserStore) UsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[username]
	return ok, nil
}

// Create stores identity, assigning its id and timestamps. Email and
// username uniqueness is enforced under the write lock.
func (s *UserStore) Create(_ context.Context, identity *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(identity.Email)
	if _, ok := s.byEmail[email]; ok {
		return &auth.DuplicateError{Field: "email", Value: identity.Email}
	}
	if _, ok := s.byName[identity.Username]; ok {
		return &auth.DuplicateError{Field: "username", Value: identity.Username}
	}

	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	s.byID[identity.ID] = clone(identity)
	s.byEmail[email] = identity.ID
	s.byName[identity.Username] = identity.ID
	return nil
}

// MarkLastLogin records a successful login time
func (s *UserStore) MarkLastLogin(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(identity *auth.Identity) {
		at = at.UTC()
		identity.LastLoginAt = &at
	})
}

// PersistPasswordHash replaces the stored password digest
func (s *UserStore) PersistPasswordHash(_ context.Context, id, digest string) error {
	return s.mutate(id, func(identity *auth.Identity) {
		identity.PasswordHash = digest
	})
}

// SetActive activates or deactivates an identity
func (s *UserStore) SetActive(_ context.Context, id string, active bool) error {
	return s.mutate(id, func(identity *auth.Identity) {
		identity.IsActive = active
	})
}

// SetRole changes an identity's role
func (s *UserStore) SetRole(_ context.Context, id string, role auth.Role) error {
	return s.mutate(id, func(identity *auth.Identity) {
		identity.Role = role
	})
}

func (s *UserStore) mutate(id string, fn func(*auth.Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.byID[id]
	if !ok {
		return auth.ErrUserNotFound
	}
	fn(identity)
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func clone(identity *auth.Identity) *auth.Identity {
	cp := *identity
	if identity.LastLoginAt != nil {
		t := *identity.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}
