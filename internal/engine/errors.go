package engine

import (
	engerrors "github.com/arcavia/subflow/internal/errors"
)

// The classified step failures live in internal/errors so the step algebra
// can inspect them without importing the engine; these aliases keep the
// engine's call sites reading naturally.
type (
	// AssertionFailure routes a Failed outcome to INCONSISTENT_DATA/NOC.
	AssertionFailure = engerrors.AssertionFailure
	// APIError routes a Failed outcome to API_UNAVAILABLE/SYSTEM when its
	// status code is >= 400.
	APIError = engerrors.APIError
	// HTTPError is the HTTP-shaped failure APIError wraps; Transient
	// classifies retryability from its status code.
	HTTPError = engerrors.HTTPError
)

// NewAssertionFailure constructs an AssertionFailure with the given message.
func NewAssertionFailure(format string, args ...any) *AssertionFailure {
	return engerrors.NewAssertionFailure(format, args...)
}

// NewAPIError wraps an HTTPError as the step-raised form of ApiException.
func NewAPIError(statusCode int, message string) *APIError {
	return engerrors.NewAPIError(statusCode, message)
}

// NewHTTPError builds an HTTPError for the given status and message.
func NewHTTPError(statusCode int, message string) *HTTPError {
	return engerrors.NewHTTPError(statusCode, message)
}

// IsAPIFailure reports whether err is an APIError with a status code in the
// failure range (>= 400).
func IsAPIFailure(err error) (*APIError, bool) {
	return engerrors.IsAPIFailure(err)
}
