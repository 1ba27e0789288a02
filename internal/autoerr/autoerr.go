// Package autoerr defines the flat error taxonomy shared by the transport,
// router, schema, and quality gate layers. Every error that crosses a
// process or HTTP boundary carries one of these uppercase codes; raw stack
// traces never do.
package autoerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class.
type Code string

const (
	// Transport.
	CodeBridgeDisconnected Code = "BRIDGE_DISCONNECTED"
	CodeProxyDown          Code = "PROXY_DOWN"
	CodeProxyTimeout       Code = "PROXY_TIMEOUT"
	CodeNoExecutor         Code = "NO_EXECUTOR"
	CodeCommandTimeout     Code = "COMMAND_TIMEOUT"

	// Router / worker.
	CodeNoWorkerAvailable Code = "NO_WORKER_AVAILABLE"
	CodeWorkerFailed      Code = "WORKER_FAILED"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeBudgetExceeded    Code = "BUDGET_EXCEEDED"
	CodeDocumentLocked    Code = "DOCUMENT_LOCKED"

	// Schema.
	CodeValidationError Code = "VALIDATION_ERROR"
	CodePathNotAllowed  Code = "PATH_NOT_ALLOWED"

	// Quality gate.
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeInfrastructureError Code = "INFRASTRUCTURE_ERROR"

	// Misc.
	CodeUnknownCommand Code = "UNKNOWN_COMMAND"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Error is a coded error with an optional remediation hint and cause.
type Error struct {
	Code    Code
	Message string
	// Action is a short human remediation hint surfaced in HTTP envelopes.
	Action string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on code equality so sentinel comparisons work
// across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// E constructs a coded error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithAction sets the remediation hint and returns the error.
func (e *Error) WithAction(action string) *Error {
	e.Action = action
	return e
}

// CodeOf extracts the code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ActionOf extracts the remediation hint from err, if any.
func ActionOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Action
	}
	return ""
}

// HTTPStatus maps a code to the HTTP status the bridge returns for it.
func HTTPStatus(code Code) int {
	switch code {
	case CodeBridgeDisconnected, CodeProxyDown, CodeNoExecutor, CodeNoWorkerAvailable, CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeProxyTimeout, CodeCommandTimeout:
		return http.StatusGatewayTimeout
	case CodeValidationError, CodePathNotAllowed, CodeUnknownCommand:
		return http.StatusBadRequest
	case CodeDocumentLocked:
		return http.StatusConflict
	case CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case CodeValidationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error to the CLI exit code contract:
// 0 ok, 1 validation (user fixable), 2 worker/transport (operational),
// 3 infrastructure (tooling broken).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case CodeValidationError, CodePathNotAllowed, CodeValidationFailed:
		return 1
	case CodeInfrastructureError, CodeInternal:
		return 3
	default:
		return 2
	}
}
