package calstore

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotFound         = errors.New("event not found")
	ErrRateLimited      = errors.New("rate limited by calendar server")
	ErrInvalidEvent     = errors.New("invalid event")
)

// APIError is a failed calendar API call.
type APIError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %d %s: %v", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether the server throttled the call.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || errors.Is(e.Err, ErrRateLimited)
}

// IsTransient reports whether the call may succeed if repeated.
func (e *APIError) IsTransient() bool {
	return e.IsRateLimited() || e.StatusCode >= 500 || errors.Is(e.Err, ErrConnectionFailed)
}

// IsRateLimited reports whether err was caused by server throttling.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRateLimited()
	}
	return errors.Is(err, ErrRateLimited)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsTransient()
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnectionFailed)
}

// classify wraps a raw client error into an APIError, recovering the HTTP
// status from the error text when the client did not preserve it.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Op == "" {
			apiErr.Op = op
		}
		return apiErr
	}

	status := statusFromText(err.Error())
	wrapped := err
	switch {
	case status == http.StatusTooManyRequests:
		wrapped = fmt.Errorf("%w: %w", ErrRateLimited, err)
	case status == http.StatusNotFound:
		wrapped = fmt.Errorf("%w: %w", ErrNotFound, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		wrapped = fmt.Errorf("%w: %w", ErrAuthFailed, err)
	case status == 0 || status >= 500:
		wrapped = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &APIError{Op: op, StatusCode: status, Err: wrapped}
}

func statusFromText(msg string) int {
	for _, code := range []int{
		http.StatusTooManyRequests,
		http.StatusNotFound,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusPreconditionFailed,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	} {
		if strings.Contains(msg, fmt.Sprintf("%d %s", code, http.StatusText(code))) {
			return code
		}
	}
	return 0
}
