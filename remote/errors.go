package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrConnectivity means the remote could not be reached at all.
	ErrConnectivity = errors.New("remote unreachable")
	ErrValidation   = errors.New("rejected by remote validation")
	ErrUnauthorized = errors.New("not authorized")
	ErrNotFound     = errors.New("remote record not found")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Retryable is true for server-side and throttling failures.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.StatusCode == http.StatusBadRequest ||
			e.StatusCode == http.StatusConflict ||
			e.StatusCode == http.StatusUnprocessableEntity
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsConnectivity reports failures that should be retried once the network
// is back: unreachable remote or a request that timed out.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports failures where the remote answered but may succeed
// on a later attempt.
func IsTransient(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Retryable()
}

// IsTerminal reports failures that must surface to the user and never be
// retried.
func IsTerminal(err error) bool {
	if err == nil || IsConnectivity(err) || IsTransient(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
