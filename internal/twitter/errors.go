package twitter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies platform failures into the buckets the pipeline
// reacts to. RateLimited is a scheduling signal, not an item failure.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrRateLimited
	ErrUnauthorized
	ErrForbidden
	ErrServer
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRateLimited:
		return "rate_limited"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrForbidden:
		return "forbidden"
	case ErrServer:
		return "server_error"
	default:
		return "unknown"
	}
}

// APIError is a classified platform error. ResetAt is only meaningful for
// ErrRateLimited and may be zero when the provider omitted the header.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	ResetAt    time.Time
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twitter: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("twitter: %s (status %d)", e.Kind, e.StatusCode)
}

// IsRateLimited reports whether err is a provider quota signal and returns
// the declared reset time when present.
func IsRateLimited(err error) (time.Time, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == ErrRateLimited {
		return apiErr.ResetAt, true
	}
	return time.Time{}, false
}

// IsForbidden reports whether err is a provider "forbidden" response, e.g. a
// blocked or suspended relationship.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == ErrForbidden
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == ErrUnauthorized
}

// classifyStatus maps a non-2xx response to the taxonomy.
func classifyStatus(status int, header http.Header, body string) *APIError {
	apiErr := &APIError{StatusCode: status, Message: body}

	switch {
	case status == http.StatusTooManyRequests:
		apiErr.Kind = ErrRateLimited
		if reset := header.Get("x-rate-limit-reset"); reset != "" {
			if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
				apiErr.ResetAt = time.Unix(unix, 0)
			}
		}
	case status == http.StatusUnauthorized:
		apiErr.Kind = ErrUnauthorized
	case status == http.StatusForbidden:
		apiErr.Kind = ErrForbidden
	case status >= 500:
		apiErr.Kind = ErrServer
	default:
		apiErr.Kind = ErrUnknown
	}
	return apiErr
}
