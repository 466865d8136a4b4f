package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSigningFailed     = errors.New("signing failed")
	ErrLockHeld          = errors.New("lock already held")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrCapacity          = errors.New("max open positions reached")
	ErrNoMatch           = errors.New("no active signal matched")
	ErrExchange          = errors.New("exchange error")
)

// ExchangeError is returned for any non-2xx response or error envelope from
// the exchange. StatusCode is zero when the HTTP call itself succeeded but
// the body reported a failure.
type ExchangeError struct {
	Op         string
	Path       string
	StatusCode int
	Code       string
	Msg        string
	Body       string
}

func (e *ExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("exchange: %s %s: HTTP %d: %s", e.Op, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("exchange: %s %s: code %s: %s", e.Op, e.Path, e.Code, e.Msg)
}

// Is lets callers match the generic sentinels as well as ErrExchange.
func (e *ExchangeError) Is(target error) bool {
	switch target {
	case ErrExchange:
		return true
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	default:
		return false
	}
}

// Temporary reports whether the failure is worth retrying for idempotent
// calls.
func (e *ExchangeError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ValidationError describes a missing or unusable input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
