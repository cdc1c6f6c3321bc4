package portal

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/portal-auth/auth"
	"github.com/giantswarm/portal-auth/authz"
	"github.com/giantswarm/portal-auth/filetoken"
	"github.com/giantswarm/portal-auth/records"
	"github.com/giantswarm/portal-auth/security"
	"github.com/giantswarm/portal-auth/session"
	"github.com/giantswarm/portal-auth/storage"
)

// ErrorCode is a stable, client-visible error identifier
type ErrorCode string

// Error codes returned to clients
const (
	ErrorCodeInvalidCredentials      ErrorCode = "invalid_credentials"
	ErrorCodeRateLimited             ErrorCode = "rate_limited"
	ErrorCodeSessionExpired          ErrorCode = "session_expired"
	ErrorCodeAntiForgeryTokenInvalid ErrorCode = "anti_forgery_token_invalid"
	ErrorCodePermissionDenied        ErrorCode = "permission_denied"
	ErrorCodeFileTokenInvalid        ErrorCode = "file_token_invalid"
	ErrorCodeDecryptionFailed        ErrorCode = "decryption_failed"
	ErrorCodeNotFound                ErrorCode = "not_found"
	ErrorCodeInvalidRequest          ErrorCode = "invalid_request"
	ErrorCodeServiceUnavailable      ErrorCode = "service_unavailable"
)

// ErrInvalidRequest is returned for malformed request parameters
var ErrInvalidRequest = errors.New("invalid request")

// Error is the client-facing form of a failure. Message is safe to show to users and
// never reveals whether an account, record or tenant exists.
type Error struct {
	Code    ErrorCode
	Message string
	Status  int

	// RetryAfter is set for rate_limited errors
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new Error
func NewError(code ErrorCode, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// AsError maps err onto the client error taxonomy. Errors that are not part of it
// become service_unavailable with a generic message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	var rl *auth.RateLimitedError
	if errors.As(err, &rl) {
		e := NewError(ErrorCodeRateLimited, "Too many failed login attempts. Please try again later.", http.StatusTooManyRequests)
		e.RetryAfter = rl.RetryAfter
		return e
	}

	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return NewError(ErrorCodeRateLimited, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	case errors.Is(err, auth.ErrInvalidCredentials):
		return NewError(ErrorCodeInvalidCredentials, "Invalid username or password.", http.StatusUnauthorized)
	case errors.Is(err, session.ErrNotAuthenticated):
		return NewError(ErrorCodeSessionExpired, "Your session has expired. Please sign in again.", http.StatusUnauthorized)
	case errors.Is(err, security.ErrAntiForgeryTokenInvalid):
		return NewError(ErrorCodeAntiForgeryTokenInvalid, "The request could not be verified. Please reload the page.", http.StatusForbidden)
	case errors.Is(err, authz.ErrPermissionDenied):
		return NewError(ErrorCodePermissionDenied, "You are not permitted to perform this action.", http.StatusForbidden)
	case errors.Is(err, filetoken.ErrTokenExpiredOrConsumed):
		return NewError(ErrorCodeFileTokenInvalid, "The download link has expired or was already used.", http.StatusForbidden)
	case errors.Is(err, records.ErrDecryption):
		return NewError(ErrorCodeDecryptionFailed, "The record could not be decrypted.", http.StatusInternalServerError)
	case errors.Is(err, records.ErrRecordNotFound):
		return NewError(ErrorCodeNotFound, "The requested record does not exist.", http.StatusNotFound)
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, records.ErrInvalidStatus),
		errors.Is(err, storage.ErrInvalidInput):
		return NewError(ErrorCodeInvalidRequest, "The request is invalid.", http.StatusBadRequest)
	default:
		return NewError(ErrorCodeServiceUnavailable, "The service is temporarily unavailable.", http.StatusServiceUnavailable)
	}
}
