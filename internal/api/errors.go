package api

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable identifier for a failure class.
// Codes are part of the public contract: the invocation surface returns them
// verbatim and callers are expected to branch on them.
type ErrorCode string

const (
	// Manifest errors
	CodeInvalidManifest    ErrorCode = "INVALID_MANIFEST"
	CodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"

	// Policy errors
	CodeDependencyUnsatisfied ErrorCode = "DEPENDENCY_UNSATISFIED"
	CodePermissionDenied      ErrorCode = "PERMISSION_DENIED"
	CodeRequiresApproval      ErrorCode = "REQUIRES_APPROVAL"

	// Registry errors
	CodeAdapterNotFound     ErrorCode = "ADAPTER_NOT_FOUND"
	CodeAlreadyRegistered   ErrorCode = "ALREADY_REGISTERED"
	CodeDependencyCycle     ErrorCode = "DEPENDENCY_CYCLE"
	CodeNotRunning          ErrorCode = "NOT_RUNNING"
	CodeDependencyViolation ErrorCode = "DEPENDENCY_VIOLATION"
	CodeUnknownAdapterClass ErrorCode = "UNKNOWN_ADAPTER_CLASS"

	// Lifecycle errors
	CodeStartFailed   ErrorCode = "START_FAILED"
	CodeStopFailed    ErrorCode = "STOP_FAILED"
	CodeProcessFailed ErrorCode = "PROCESS_FAILED"

	// Workflow errors
	CodeWorkflowNotFound ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowInactive ErrorCode = "WORKFLOW_INACTIVE"
	CodeCycleInGraph     ErrorCode = "CYCLE_IN_GRAPH"
	CodeMissingStartNode ErrorCode = "MISSING_START_NODE"
	CodeInvalidNodeType  ErrorCode = "INVALID_NODE_TYPE"
	CodeNotImplemented   ErrorCode = "NOT_IMPLEMENTED"

	// Runtime errors
	CodeInterpolationFailed ErrorCode = "INTERPOLATION_FAILED"
	CodeInvalidToken        ErrorCode = "INVALID_TOKEN"
	CodeCancelled           ErrorCode = "CANCELLED"
	CodeTimeout             ErrorCode = "TIMEOUT"

	// Installer errors
	CodeSkillNotInstalled  ErrorCode = "SKILL_NOT_INSTALLED"
	CodeRollbackIncomplete ErrorCode = "ROLLBACK_INCOMPLETE"
)

// Error is the platform error type. Every failure crossing a component
// boundary carries a stable code, a human message, and optionally the wrapped
// cause plus structured detail for the surface layer.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error

	// Detail carries error-specific structured data, e.g. the missing
	// dependencies of a DEPENDENCY_UNSATISFIED or the risks of a
	// PERMISSION_DENIED. May be nil.
	Detail map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause chain to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the given code and formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error that preserves cause for unwrapping.
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail attaches structured detail and returns the same error for
// chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed. Errors
// without a platform code report an empty code.
func CodeOf(err error) ErrorCode {
	var platformErr *Error
	if errors.As(err, &platformErr) {
		return platformErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// DetailOf returns the structured detail of err, or nil.
func DetailOf(err error) map[string]interface{} {
	var platformErr *Error
	if errors.As(err, &platformErr) {
		return platformErr.Detail
	}
	return nil
}
