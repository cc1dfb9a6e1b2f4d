package data

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every fault raised inside a task run wraps one of the first
// four so callers can branch with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrTransport  = errors.New("transport error")
	ErrIntegrity  = errors.New("integrity error")
	ErrResource   = errors.New("resource error")

	ErrNotFound      = errors.New("not found")
	ErrDuplicateKey  = errors.New("group key already exists")
	ErrBadStatus     = errors.New("invalid status")
	ErrDestroyed     = errors.New("destroyed")
	ErrPoolSaturated = fmt.Errorf("%w: execution pool saturated", ErrTransport)
	ErrQueueFull     = fmt.Errorf("%w: intake queue full", ErrResource)
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("unexpected status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Unwrap() error { return ErrTransport }

// ErrorKind maps err to a short label suitable for metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrResource):
		return "resource"
	default:
		return "unknown"
	}
}
