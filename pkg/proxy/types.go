package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to the caller. Every failed call maps to exactly
// one of these; the HTTP status follows the code.
const (
	CodeValidation       = "validation_error"
	CodeUpstream         = "upstream_error"
	CodePermissionDenied = "permission_denied"
	CodeCancelled        = "cancelled"
	CodeSecretMissing    = "secret_unavailable"
	CodeUnavailable      = "provider_unavailable"
)

// Error is a call failure with a stable code. Messages are already
// sanitized when the error is constructed; nothing secret may be put
// into one.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to a response status
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeCancelled:
		return 499 // client closed request
	case CodeSecretMissing:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func validationError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func upstreamError(format string, args ...interface{}) *Error {
	return &Error{Code: CodeUpstream, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps err into a proxy Error, wrapping unknown errors as
// upstream failures
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeUpstream, Message: err.Error()}
}

// ExecRequest is an inbound command-execution call
type ExecRequest struct {
	Command    string   `json:"command"`
	Subcommand string   `json:"subcommand,omitempty"`
	Args       []string `json:"args,omitempty"`
	Sudo       bool     `json:"sudo,omitempty"`
}

// ExecResult reports a finished command execution
type ExecResult struct {
	RunID    string `json:"run_id"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}
