package api

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/platinummonkey/tracker/pkg/auth"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	minPasswordLength = 8
	maxPasswordLength = 128
)

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate returns field errors, or nil when the request is acceptable
func (r *RegisterRequest) Validate() map[string]string {
	errs := make(map[string]string)
	if msg := validateUsername(r.Username); msg != "" {
		errs["username"] = msg
	}
	if msg := validateEmail(r.Email); msg != "" {
		errs["email"] = msg
	}
	if msg := validatePassword(r.Password); msg != "" {
		errs["password"] = msg
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate returns field errors, or nil when the request is acceptable
func (r *LoginRequest) Validate() map[string]string {
	errs := make(map[string]string)
	if msg := validateEmail(r.Email); msg != "" {
		errs["email"] = msg
	}
	if r.Password == "" {
		errs["password"] = "password is required"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// RefreshRequest is the body of POST /auth/refresh and POST /auth/logout
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Validate returns field errors, or nil when the request is acceptable
func (r *RefreshRequest) Validate() map[string]string {
	if strings.TrimSpace(r.RefreshToken) == "" {
		return map[string]string{"refresh_token": "refresh_token is required"}
	}
	return nil
}

// ChangePasswordRequest is the body of POST /auth/change-password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Validate returns field errors, or nil when the request is acceptable
func (r *ChangePasswordRequest) Validate() map[string]string {
	errs := make(map[string]string)
	if r.CurrentPassword == "" {
		errs["current_password"] = "current_password is required"
	}
	if msg := validatePassword(r.NewPassword); msg != "" {
		errs["new_password"] = msg
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// UnlockRequest is the body of POST /admin/accounts/unlock
type UnlockRequest struct {
	Email string `json:"email"`
}

// Validate returns field errors, or nil when the request is acceptable
func (r *UnlockRequest) Validate() map[string]string {
	if msg := validateEmail(r.Email); msg != "" {
		return map[string]string{"email": msg}
	}
	return nil
}

// AccountStatusRequest is the body of PUT /admin/accounts/{id}/status
type AccountStatusRequest struct {
	Active *bool `json:"active"`
}

// Validate returns field errors, or nil when the request is acceptable
func (r *AccountStatusRequest) Validate() map[string]string {
	if r.Active == nil {
		return map[string]string{"active": "active is required"}
	}
	return nil
}

// RoleRequest is the body of PUT /admin/accounts/{id}/role
type RoleRequest struct {
	Role string `json:"role"`
}

// Validate returns field errors, or nil when the request is acceptable
func (r *RoleRequest) Validate() map[string]string {
	if !auth.Role(r.Role).Valid() {
		return map[string]string{"role": "role must be one of developer, manager, admin"}
	}
	return nil
}

// AccountStatusResponse reports an account's new status
type AccountStatusResponse struct {
	ID              string `json:"id"`
	Active          bool   `json:"active"`
	RevokedSessions int    `json:"revoked_sessions"`
}

// LogoutAllResponse reports how many sessions were revoked
type LogoutAllResponse struct {
	RevokedSessions int `json:"revoked_sessions"`
}

// SessionsResponse lists the live refresh-token ids of the caller
type SessionsResponse struct {
	Sessions []string `json:"sessions"`
	Count    int      `json:"count"`
}

func validateUsername(username string) string {
	username = strings.TrimSpace(username)
	n := utf8.RuneCountInString(username)
	if n < minUsernameLength || n > maxUsernameLength {
		return "username must be between 3 and 50 characters"
	}
	for _, r := range username {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			return "username can only contain letters, numbers, underscores, and hyphens"
		}
	}
	return ""
}

func validateEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return "email is required"
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "email must be a valid address"
	}
	return ""
}

// validatePassword enforces the complexity policy: 8 to 128 characters with
// at least one upper case letter, lower case letter, digit and special character
func validatePassword(password string) string {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLength {
		return "password must be at least 8 characters long"
	}
	if n > maxPasswordLength {
		return "password must be at most 128 characters long"
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}

	switch {
	case !upper:
		return "password must contain at least one uppercase letter"
	case !lower:
		return "password must contain at least one lowercase letter"
	case !digit:
		return "password must contain at least one digit"
	case !special:
		return "password must contain at least one special character"
	}
	return ""
}
