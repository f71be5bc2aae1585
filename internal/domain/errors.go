package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's error taxonomy. Adapters and stores
// wrap these so callers can classify failures with errors.Is.
var (
	// ErrInvalidArgument is a producer error: missing or malformed fields.
	// Not retryable; returned synchronously from Enqueue.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSuppressed means the recipient is on the suppression list.
	ErrSuppressed = errors.New("recipient suppressed")

	// ErrNoProviderAvailable means every provider was unconfigured, open,
	// quota-exhausted, or rate-limited. Retryable with backoff.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrBreakerOpen means the provider's circuit is open. Routing treats it
	// like ErrNoProviderAvailable.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrUnconfigured means no credentials exist for the provider.
	ErrUnconfigured = errors.New("provider not configured")
)

// ProviderError is a structured upstream failure. Permanent errors (bounces,
// invalid recipients) must never be retried.
type ProviderError struct {
	Provider   Provider
	StatusCode int
	Permanent  bool
	Message    string
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s: %s error (status %d): %s", e.Provider, kind, e.StatusCode, e.Message)
}

// IsPermanent reports whether err is a non-retryable provider failure.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// TruncateError bounds an error string for storage in last_error columns.
func TruncateError(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
