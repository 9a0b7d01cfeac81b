package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/tracker/pkg/auth"
)

const uniqueViolation = "23505"

const selectUser = `SELECT id, username, email, password_hash, role, is_active, last_login, created_at, updated_at FROM users`

// UserStore implements auth.UserRepository on PostgreSQL
type UserStore struct {
	conns *ConnectionManager
}

// NewUserStore creates a user repository
func NewUserStore(conns *ConnectionManager) *UserStore {
	return &UserStore{conns: conns}
}

// FindByID looks up an identity by id on a replica. A miss is retried on the
// primary so an identity created moments ago is still found under lag.
func (s *UserStore) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, auth.ErrUserNotFound
	}
	replica := s.conns.Replica()
	identity, err := scanIdentity(replica.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id))
	if errors.Is(err, auth.ErrUserNotFound) && replica != s.conns.Primary() {
		return s.FindByIDFresh(ctx, id)
	}
	return identity, err
}

// FindByIDFresh looks up an identity by id on the primary. Refresh token
// rotation uses it so a deactivation is seen immediately.
func (s *UserStore) FindByIDFresh(ctx context.Context, id string) (*auth.Identity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, auth.ErrUserNotFound
	}
	row := s.conns.Primary().QueryRowContext(ctx, selectUser+` WHERE id = $1`, id)
	return scanIdentity(row)
}

// FindByEmail looks up an identity by email. Reads the primary so a login
// right after registration sees the new row.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	row := s.conns.Primary().QueryRowContext(ctx, selectUser+` WHERE email = $1`, email)
	return scanIdentity(row)
}

// EmailExists reports whether an identity uses email
func (s *UserStore) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email)
}

// UsernameExists reports whether an identity uses username
func (s *UserStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, username)
}

func (s *UserStore) exists(ctx context.Context, query, arg string) (bool, error) {
	var exists bool
	if err := s.conns.Primary().QueryRowContext(ctx, query, arg).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query users: %w", err)
	}
	return exists, nil
}

// Create inserts identity, assigning its id and timestamps
func (s *UserStore) Create(ctx context.Context, identity *auth.Identity) error {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	_, err := s.conns.Primary().ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, identity.ID, identity.Username, identity.Email, identity.PasswordHash, string(identity.Role), identity.IsActive, now, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return duplicateFromConstraint(pqErr.Constraint, identity)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// MarkLastLogin records a successful login time
func (s *UserStore) MarkLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, `UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`, id, at.UTC())
}

// PersistPasswordHash replaces the stored password digest
func (s *UserStore) PersistPasswordHash(ctx context.Context, id, digest string) error {
	return s.update(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, digest)
}

// SetActive activates or deactivates an identity
func (s *UserStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
}

// SetRole changes an identity's role
func (s *UserStore) SetRole(ctx context.Context, id string, role auth.Role) error {
	return s.update(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1`, id, string(role))
}

func (s *UserStore) update(ctx context.Context, query, id string, arg interface{}) error {
	if _, err := uuid.Parse(id); err != nil {
		return auth.ErrUserNotFound
	}
	result, err := s.conns.Primary().ExecContext(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

func scanIdentity(row *sql.Row) (*auth.Identity, error) {
	var (
		identity  auth.Identity
		role      string
		lastLogin sql.NullTime
	)
	err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.Email,
		&identity.PasswordHash,
		&role,
		&identity.IsActive,
		&lastLogin,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	identity.Role = auth.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		identity.LastLoginAt = &t
	}
	return &identity, nil
}

func duplicateFromConstraint(constraint string, identity *auth.Identity) error {
	switch constraint {
	case "users_username_key":
		return &auth.DuplicateError{Field: "username", Value: identity.Username}
	default:
		return &auth.DuplicateError{Field: "email", Value: identity.Email}
	}
}
