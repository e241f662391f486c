// Package errors defines the engine's own error taxonomy: a small wrapped
// error type carrying a stable code alongside the usual message and cause,
// and the classified step failures (AssertionFailure, APIError) whose type
// decides how a failed process is routed.
package errors

import "fmt"

// EngineError is a wrapped error carrying a stable, machine-matchable code.
type EngineError struct {
	Code    string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// New creates an EngineError with no wrapped cause.
func New(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// Wrap attaches a code and message to an existing error.
func Wrap(err error, code, message string) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

// Well-known codes raised by the engine and durability layers.
const (
	CodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	CodeWorkflowRemoved    = "WORKFLOW_REMOVED"
	CodeProcessNotFound    = "PROCESS_NOT_FOUND"
	CodeIllegalState       = "ILLEGAL_STATE"
	CodeLogFailure         = "LOG_FAILURE"
	CodeFormValidation     = "FORM_VALIDATION"
	CodeAssertionFailure   = "ASSERTION_FAILURE"
	CodeAPIUnavailable     = "API_UNAVAILABLE"
	CodeStepException      = "STEP_EXCEPTION"
	CodeDispatchInitialize = "DISPATCH_ALREADY_INITIALIZED"
)

// AssertionFailure is the Go stand-in for the original engine's
// AssertionError: a step raises it to signal that an internal invariant it
// relied on does not hold (e.g. the domain model it fetched is structurally
// impossible). A Failed outcome carrying it is routed to INCONSISTENT_DATA,
// assignee NOC, regardless of the step kind that raised it.
type AssertionFailure struct {
	Message string
}

func (e *AssertionFailure) Error() string { return e.Message }

// NewAssertionFailure constructs an AssertionFailure with the given message.
func NewAssertionFailure(format string, args ...any) *AssertionFailure {
	return &AssertionFailure{Message: fmt.Sprintf(format, args...)}
}

// HTTPError is an HTTP-shaped failure from the (excluded) subscription
// domain API or another downstream service a step calls.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NewHTTPError builds an HTTPError for the given status and message.
func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Message: message}
}

// APIError is the Go stand-in for the original engine's ApiException: a step
// raises it when a call to the (excluded) subscription domain model or
// domain cache fails with an HTTP-shaped error. A Failed outcome carrying an
// APIError with StatusCode >= 400 is routed to API_UNAVAILABLE, assignee
// SYSTEM, regardless of the step kind that raised it.
type APIError struct {
	*HTTPError
}

// NewAPIError wraps an HTTPError as the step-raised form of ApiException.
func NewAPIError(statusCode int, message string) *APIError {
	return &APIError{HTTPError: NewHTTPError(statusCode, message)}
}

// Unwrap exposes the underlying HTTPError so status-code classification
// sees through the APIError wrapper.
func (e *APIError) Unwrap() error { return e.HTTPError }

// IsAPIFailure reports whether err is an APIError with a status code in the
// failure range (>= 400), the condition API_UNAVAILABLE classification is
// gated on.
func IsAPIFailure(err error) (*APIError, bool) {
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode < 400 {
		return nil, false
	}
	return apiErr, true
}
