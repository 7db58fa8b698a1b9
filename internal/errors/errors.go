// Package errors provides structured error types for rdebug.
// Each error carries a machine-readable code and a hint, so callers on the
// MCP and DAP surfaces can tell the user (or an LLM) how to recover.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Session errors
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"
	CodeSessionDisposed     ErrorCode = "SESSION_DISPOSED"
	CodeInvalidState        ErrorCode = "INVALID_STATE"

	// Runtime protocol errors
	CodeInitializationFailed ErrorCode = "INITIALIZATION_FAILED"
	CodeEvaluationFailed     ErrorCode = "EVALUATION_FAILED"
	CodeMalformedData        ErrorCode = "MALFORMED_DATA"
	CodeTransportFailed      ErrorCode = "TRANSPORT_FAILED"
	CodeHostSpawnFailed      ErrorCode = "HOST_SPAWN_FAILED"

	// Debugger errors
	CodeBreakpointFailed ErrorCode = "BREAKPOINT_FAILED"
	CodeStepCancelled    ErrorCode = "STEP_CANCELLED"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeInvalidJSON      ErrorCode = "INVALID_JSON"

	// Permission and configuration errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
)

// DebugError is a structured error type that includes helpful information
// about what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the offending expression)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DebugError with the same code, so sentinel
// values such as ErrStepCancelled match through errors.Is.
func (e *DebugError) Is(target error) bool {
	var de *DebugError
	if !stderrors.As(target, &de) {
		return false
	}
	return de.Code == e.Code && de.Message == e.Message
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// HasCode reports whether err (or anything it wraps) is a DebugError with code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var de *DebugError
		if !stderrors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Cause
	}
	return false
}

// --- Session Errors ---

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use debug_list_sessions to see active sessions, or use debug_connect / debug_launch to create a new session.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Use debug_disconnect to terminate an existing session before creating a new one.",
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// SessionDisposed creates an error for operations on a closed session
func SessionDisposed() *DebugError {
	return &DebugError{
		Code:    CodeSessionDisposed,
		Message: "debug session has been disposed",
		Hint:    "The session was closed. Connect a new session to continue debugging.",
	}
}

// InvalidState creates an error for an operation that is not allowed right now
func InvalidState(operation, reason string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("cannot %s: %s", operation, reason),
		Hint:    "Wait for the current operation to finish, or cancel it with debug_cancel_step.",
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// --- Runtime protocol errors ---

// InitializationFailed creates an error when the helper payload cannot be loaded
func InitializationFailed(err error) *DebugError {
	return &DebugError{
		Code:    CodeInitializationFailed,
		Message: fmt.Sprintf("failed to load debugger helpers into the runtime: %v", err),
		Hint:    "The runtime rejected the helper code. Check that the runtime version is supported and that the helper file (if overridden) is valid.",
		Cause:   err,
	}
}

// EvaluationFailed creates an error for a failed evaluation round-trip
func EvaluationFailed(expression string, err error) *DebugError {
	return &DebugError{
		Code:    CodeEvaluationFailed,
		Message: fmt.Sprintf("failed to evaluate expression '%s': %v", expression, err),
		Hint:    "Check that the runtime is still connected and that the debugger helpers were initialized.",
		Cause:   err,
		Details: map[string]interface{}{
			"expression": expression,
		},
	}
}

// MalformedData creates an error for a runtime response that could not be parsed
func MalformedData(what string, err error) *DebugError {
	return &DebugError{
		Code:    CodeMalformedData,
		Message: fmt.Sprintf("malformed %s returned by the runtime: %v", what, err),
		Hint:    "The runtime returned data in an unexpected shape. Re-initialize the session to reload the debugger helpers.",
		Cause:   err,
		Details: map[string]interface{}{
			"data": what,
		},
	}
}

// TransportFailed creates an error for a broken runtime connection
func TransportFailed(address string, err error) *DebugError {
	return &DebugError{
		Code:    CodeTransportFailed,
		Message: fmt.Sprintf("runtime connection to %s failed: %v", address, err),
		Hint:    "The runtime host may have exited. Check that it is running and reachable, then connect again.",
		Cause:   err,
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// HostSpawnFailed creates an error when the runtime host process cannot start
func HostSpawnFailed(path string, err error) *DebugError {
	return &DebugError{
		Code:    CodeHostSpawnFailed,
		Message: fmt.Sprintf("failed to spawn runtime host %s: %v", path, err),
		Hint:    "Ensure the runtime host executable is installed and configured via runtime.hostPath.",
		Cause:   err,
		Details: map[string]interface{}{
			"hostPath": path,
		},
	}
}

// --- Debugger errors ---

// BreakpointFailed creates an error for tracer install/clear failures
func BreakpointFailed(file string, line int, err error) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointFailed,
		Message: fmt.Sprintf("could not update breakpoint at %s:%d: %v", file, line, err),
		Hint:    "Ensure the file has been sourced into the runtime and that the line contains executable code.",
		Cause:   err,
		Details: map[string]interface{}{
			"file": file,
			"line": line,
		},
	}
}

// StepCancelled is returned to a waiting step when it is cancelled
func StepCancelled() *DebugError {
	return &DebugError{
		Code:    CodeStepCancelled,
		Message: "step was cancelled",
		Hint:    "The runtime resumed or the step was cancelled explicitly. Use debug_stack to inspect the current state.",
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// InvalidJSON creates an error for JSON parsing failures
func InvalidJSON(paramName string, err error, example string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidJSON,
		Message: fmt.Sprintf("invalid JSON in parameter '%s': %v", paramName, err),
		Hint:    fmt.Sprintf("Provide valid JSON. Example: %s", example),
		Cause:   err,
		Details: map[string]interface{}{
			"parameter": paramName,
			"example":   example,
		},
	}
}

// --- Permission and configuration errors ---

// PermissionDenied creates an error for permission denied
func PermissionDenied(operation, mode string) *DebugError {
	var hint string
	switch operation {
	case "spawn":
		hint = "The server is configured to disallow spawning runtime hosts. Enable 'allowSpawn' in the configuration."
	case "connect":
		hint = "The server is configured to disallow connecting to runtime hosts. Enable 'allowConnect' in the configuration."
	case "evaluate":
		hint = "Expression evaluation is disabled in the current server mode."
	default:
		hint = fmt.Sprintf("This operation is not allowed in '%s' mode.", mode)
	}

	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s is not allowed in current server mode", operation),
		Hint:    hint,
		Details: map[string]interface{}{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// ConfigInvalid creates an error for an unreadable configuration file
func ConfigInvalid(path string, err error) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration '%s' is invalid: %v", path, err),
		Hint:    "Check the configuration file for syntax errors. JSON and TOML are supported, chosen by file extension.",
		Cause:   err,
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}
