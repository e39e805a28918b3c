package entity

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrNetwork            = errors.New("network error")
	ErrServer             = errors.New("server error")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrSessionExpired     = errors.New("session expired")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrJobNotFound        = errors.New("job not found")
	ErrDuplicateJob       = errors.New("duplicate job id")
	ErrUnsupportedJobKind = errors.New("unsupported job kind")
	ErrInvalidEnvelope    = errors.New("invalid message envelope")
	ErrUnhandledMessage   = errors.New("no handler for message type")
	ErrHandlerFailed      = errors.New("handler failed")
	ErrWorkerClosed       = errors.New("worker closed")
)

// ValidationError names the violated constraint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// APIError is a classified non-2xx response from the platform API.
type APIError struct {
	Kind       error
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d: %v", e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("api status %d: %v: %s", e.StatusCode, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// RetryAfterOf extracts the rate-limit hint from err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && errors.Is(apiErr.Kind, ErrRateLimited) {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
