package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tracker/pkg/auth"
)

// Machine-readable error codes carried in ErrorResponse.Code
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAuthFailed         = "AUTHENTICATION_FAILED"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeTokenRevoked       = "TOKEN_REVOKED"
	CodeDuplicate          = "DUPLICATE"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteCodedError writes a JSON error response with a machine-readable code
func WriteCodedError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteValidationError writes a 400 with per-field details
func WriteValidationError(w http.ResponseWriter, details map[string]string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "invalid input data",
		Code:    CodeValidation,
		Details: details,
	})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteCodedError(w, http.StatusBadRequest, CodeValidation, message)
}

// WriteUnauthorized writes an unauthorized error (401) with a bearer challenge
func WriteUnauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	WriteCodedError(w, http.StatusUnauthorized, code, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteCodedError(w, http.StatusForbidden, CodeForbidden, message)
}

// WriteTooManyRequests writes a rate limit error (429) with Retry-After
func WriteTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	WriteCodedError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests, please try again later")
}

// WriteServiceUnavailable writes a service unavailable error (503)
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusServiceUnavailable, message)
}

// WriteInternalError logs err and writes a generic 500. The cause is never
// returned to the client.
func WriteInternalError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	if logger != nil && err != nil {
		logger.WithError(err).Error("request failed")
	}
	WriteCodedError(w, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteAuthError maps an auth core error to its HTTP status:
//
//	Duplicate                          409
//	AccountLocked                      423 + Retry-After
//	InvalidCredentials, AuthFailed     401
//	TokenExpired/Invalid/Blacklisted   401 + WWW-Authenticate
//	UserNotFound                       404
//	anything else                      500 (logged)
func WriteAuthError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	var locked *auth.LockedError
	var dup *auth.DuplicateError

	switch {
	case errors.As(err, &dup):
		WriteCodedError(w, http.StatusConflict, CodeDuplicate, dup.Error())
	case errors.Is(err, auth.ErrDuplicate):
		WriteCodedError(w, http.StatusConflict, CodeDuplicate, err.Error())
	case errors.As(err, &locked):
		if locked.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(locked.RetryAfter.Seconds())))
		}
		WriteCodedError(w, http.StatusLocked, CodeAccountLocked, locked.Error())
	case errors.Is(err, auth.ErrAccountLocked):
		WriteCodedError(w, http.StatusLocked, CodeAccountLocked, auth.ErrAccountLocked.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		WriteCodedError(w, http.StatusUnauthorized, CodeInvalidCredentials, auth.ErrInvalidCredentials.Error())
	case errors.Is(err, auth.ErrAuthenticationFailed):
		WriteCodedError(w, http.StatusUnauthorized, CodeAuthFailed, auth.ErrAuthenticationFailed.Error())
	case errors.Is(err, auth.ErrTokenExpired):
		WriteUnauthorized(w, CodeTokenExpired, "token has expired, please re-authenticate")
	case errors.Is(err, auth.ErrTokenBlacklisted):
		WriteUnauthorized(w, CodeTokenRevoked, auth.ErrTokenBlacklisted.Error())
	case errors.Is(err, auth.ErrTokenInvalid):
		WriteUnauthorized(w, CodeTokenInvalid, auth.ErrTokenInvalid.Error())
	case errors.Is(err, auth.ErrUserNotFound):
		WriteCodedError(w, http.StatusNotFound, CodeNotFound, auth.ErrUserNotFound.Error())
	default:
		WriteInternalError(w, logger, err)
	}
}
