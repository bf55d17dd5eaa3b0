package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider API failures. Check with errors.Is.
var (
	ErrBadRequest    = errors.New("provider: bad request")
	ErrUnauthorized  = errors.New("provider: unauthorized")
	ErrForbidden     = errors.New("provider: forbidden")
	ErrNotFound      = errors.New("provider: not found")
	ErrCursorExpired = errors.New("provider: change cursor expired")
	ErrThrottled     = errors.New("provider: throttled")
	ErrServerError   = errors.New("provider: server error")
	ErrNotExportable = errors.New("provider: file type cannot be downloaded or exported")
)

// APIError wraps a sentinel with the HTTP status code and the API error
// body for debugging.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
