package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies an adapter failure for the router's fallback
// policy.
type FailureKind int

const (
	// FailureUnknown is a failure the classifier could not attribute.
	// The router treats it like BackendUnavailable.
	FailureUnknown FailureKind = iota

	// FailureRateLimited means the backend rejected the call for quota
	// reasons. Transient; the router advances to the next candidate.
	FailureRateLimited

	// FailureTimeout means the call exceeded the adapter's deadline.
	FailureTimeout

	// FailureAuthFailed means credentials were rejected. This indicates
	// misconfiguration; the router disables the adapter.
	FailureAuthFailed

	// FailureBackendUnavailable means the backend could not be reached
	// or returned a server error.
	FailureBackendUnavailable

	// FailureInvalidResponse means the backend answered but the response
	// was unusable (empty or malformed).
	FailureInvalidResponse
)

// String returns the failure kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureRateLimited:
		return "rate_limited"
	case FailureTimeout:
		return "timeout"
	case FailureAuthFailed:
		return "auth_failed"
	case FailureBackendUnavailable:
		return "backend_unavailable"
	case FailureInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Adapter string
	Kind    FailureKind
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("adapter %s: %s: %v", e.Adapter, e.Kind, e.Err)
	}
	return fmt.Sprintf("adapter %s: %s", e.Adapter, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the FailureKind from err, or FailureUnknown if err is
// not an adapter *Error.
func KindOf(err error) FailureKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailureUnknown
}

// classify maps a raw backend error onto a FailureKind. Backends surface
// failures as opaque wrapped HTTP errors, so classification falls back to
// message inspection.
func classify(adapter string, err error) *Error {
	kind := FailureBackendUnavailable

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FailureTimeout
	case errors.Is(err, context.Canceled):
		kind = FailureTimeout
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
			kind = FailureRateLimited
		case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
			strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
			strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
			kind = FailureAuthFailed
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
			kind = FailureTimeout
		case strings.Contains(msg, "unmarshal") || strings.Contains(msg, "decode") ||
			strings.Contains(msg, "unexpected eof"):
			kind = FailureInvalidResponse
		}
	}

	return &Error{
		Adapter: adapter,
		Kind:    kind,
		Err:     err,
	}
}
