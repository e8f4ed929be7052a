package domain

import "errors"

var (
	// ErrNotFound is returned when the requested resource does not exist.
	// Keeping this sentinel in domain allows adapters to map it consistently to 404/NOT_FOUND.
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrTokenExpired = errors.New("token expired")
	// ErrTooManySessions is returned by per-route session caps, which refuse the
	// request outright. The account-wide ceiling never surfaces this; it evicts.
	ErrTooManySessions = errors.New("too many concurrent sessions")
	// ErrBackendUnavailable hides cache/persistence driver detail from callers.
	// Security checks that hit it must fail closed, not pass silently.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrUnknownEventType marks a security event outside the closed event set.
	ErrUnknownEventType = errors.New("unknown security event type")
)
