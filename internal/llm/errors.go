package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures for the retry policy.
type ErrorKind int

const (
	// KindFatal errors (auth, malformed request) are never retried.
	KindFatal ErrorKind = iota

	// KindRateLimited means the provider asked us to slow down.
	KindRateLimited

	// KindTransient covers gateway and server errors and failed
	// connections.
	KindTransient
)

// String returns the kind name used in logs.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// APIError is returned by providers when a call fails. StatusCode is 0
// when the request never produced an HTTP response.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error // transport error, if any
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Kind classifies the error.
func (e *APIError) Kind() ErrorKind {
	switch e.StatusCode {
	case 0:
		return KindTransient
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindTransient
	default:
		return KindFatal
	}
}

// ServiceUnavailableError is returned when every retry attempt failed.
// It unwraps to the last provider error.
type ServiceUnavailableError struct {
	Attempts int
	Last     error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service unavailable after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Last
}

// KindOf classifies any error returned by a provider. Errors that are
// not an *APIError are fatal.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	return KindFatal
}
