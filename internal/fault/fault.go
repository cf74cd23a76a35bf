package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a failure into the fixed taxonomy the core exposes to its
// callers. Codes are stable strings so they can be logged and asserted on.
type Code string

const (
	// CodeNotFound indicates a reference lookup miss. Recoverable.
	CodeNotFound Code = "not_found"
	// CodeDuplicateInstance indicates a live registry entry already exists
	// for the same (ip, pid). Recoverable, signals "already running".
	CodeDuplicateInstance Code = "duplicate_active_instance"
	// CodeOperationOpen indicates an open operation already exists for the
	// (device, registry entry) pair. Recoverable, signals "already in progress".
	CodeOperationOpen Code = "operation_already_open"
	// CodeDuplicateStep indicates a sub-operation of the same type already
	// exists within the operation. Recoverable.
	CodeDuplicateStep Code = "duplicate_step_type"
	// CodeInvalidTransition indicates a device-state move that is not
	// adjacent in the state graph. Programming error, fatal to the caller.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeInvalidStatus indicates a non-monotonic sub-operation status
	// request. Programming error, fatal to the caller.
	CodeInvalidStatus Code = "invalid_status_transition"
	// CodeStaleWrite indicates a timestamped write older than the stored
	// value. Recoverable by discarding the write.
	CodeStaleWrite Code = "stale_write"
	// CodeInternal covers storage and infrastructure failures.
	CodeInternal Code = "internal"
)

// Severity indicates the impact of a failure.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// Error is a classified error. Component and Op identify where the failure
// happened; Code drives caller behaviour; Cause preserves the chain.
type Error struct {
	Code      Code
	Severity  Severity
	Component string
	Op        string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Component))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Op))
	}
	parts = append(parts, fmt.Sprintf("code=%s", e.Code), e.Message)
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by code, so package-level sentinels built with New can be
// compared with errors.Is against wrapped instances.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Retryable reports whether callers may usefully retry after this error.
// Invariant violations signal "already in progress" and are left to caller
// policy; state-machine misuse is never retryable.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeInvalidTransition, CodeInvalidStatus:
		return false
	default:
		return true
	}
}

// New creates a classified error without a cause.
func New(code Code, component, op, message string) *Error {
	return &Error{
		Code:      code,
		Severity:  severityFor(code),
		Component: component,
		Op:        op,
		Message:   message,
	}
}

// Wrap creates a classified error around a cause.
func Wrap(code Code, component, op, message string, cause error) *Error {
	e := New(code, component, op, message)
	e.Cause = cause
	return e
}

// Internal wraps an infrastructure failure (storage, network) as CodeInternal.
func Internal(component, op string, cause error) *Error {
	return Wrap(CodeInternal, component, op, "storage operation failed", cause)
}

func severityFor(code Code) Severity {
	switch code {
	case CodeInvalidTransition, CodeInvalidStatus:
		return SeverityFatal
	case CodeNotFound, CodeStaleWrite:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// CodeOf extracts the classification from an error chain, or CodeInternal for
// unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode checks whether any error in the chain carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
