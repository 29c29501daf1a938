package auth

import "errors"

// Store-level errors.
var (
	ErrNotFound = errors.New("auth: not found")
	ErrConflict = errors.New("auth: conflict")
)

// Session errors. The controller is the only place that returns these to callers.
var (
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrMissingToken       = errors.New("auth: missing token")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
	ErrRevokedToken       = errors.New("auth: revoked token")
	ErrExpiredToken       = errors.New("auth: expired token")
	ErrUserUnavailable    = errors.New("auth: user unavailable")
	ErrForbidden          = errors.New("auth: forbidden")
)

// Error codes exposed to clients.
const (
	CodeValidation         = "validation_error"
	CodeInvalidCredentials = "invalid_credentials"
	CodeAccountLocked      = "account_locked"
	CodeAccountDisabled    = "account_disabled"
	CodeMissingToken       = "missing_token"
	CodeInvalidToken       = "invalid_token"
	CodeRevokedToken       = "revoked_token"
	CodeExpiredToken       = "expired_token"
	CodeUserUnavailable    = "user_unavailable"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeInternal           = "internal_error"
)

// ErrorCode maps an error to its external code. Unknown errors are internal.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return CodeValidation
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return CodeAccountLocked
	case errors.Is(err, ErrAccountDisabled):
		return CodeAccountDisabled
	case errors.Is(err, ErrMissingToken):
		return CodeMissingToken
	case errors.Is(err, ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, ErrRevokedToken):
		return CodeRevokedToken
	case errors.Is(err, ErrExpiredToken):
		return CodeExpiredToken
	case errors.Is(err, ErrUserUnavailable):
		return CodeUserUnavailable
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}
