// Package errors provides centralized error definitions and error handling utilities
// for the Forge engine. It defines the sentinel errors every mutating session
// operation can return, semantic error types that carry session context, and
// classification helpers used by callers to surface distinct, actionable messages.
//
// # Error Types
//
// Domain errors:
//   - SessionError: a session operation was rejected (invalid transition, round
//     limit, pause timeout). Carries the session ID, operation and state.
//
// Semantic errors:
//   - NotFoundError: unknown session, conflict, request or schedule
//   - ValidationError: invalid configuration or input
//   - TimeoutError: a bounded wait expired
//
// # Usage
//
//	err := errors.NewSessionError("pause", errors.ErrInvalidTransition).
//		WithSessionID(id).
//		WithState("paused")
//
//	if errors.Is(err, errors.ErrInvalidTransition) { ... }
//	fmt.Println(errors.UserMessage(err)) // "cannot pause: session is already paused"
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Transition sentinel errors
var (
	// ErrInvalidTransition indicates the operation is not valid in the session's current state.
	ErrInvalidTransition = New("invalid transition")
	// ErrRoundLimitReached indicates the session is already at its configured maximum round.
	ErrRoundLimitReached = New("round limit reached")
	// ErrPauseTimeout indicates participants did not reach a safe point in time.
	ErrPauseTimeout = New("pause timed out waiting for safe point")
	// ErrSessionTimeout indicates the session deadline passed.
	ErrSessionTimeout = New("session timed out")
)

// Lookup sentinel errors
var (
	// ErrUnknownSession indicates that a session ID is not registered.
	ErrUnknownSession = New("unknown session")
	// ErrUnknownConflict indicates that a conflict ID is not known.
	ErrUnknownConflict = New("unknown conflict")
	// ErrUnknownRequest indicates that an intervention request ID is not known.
	ErrUnknownRequest = New("unknown intervention request")
	// ErrUnknownSchedule indicates that a scheduled pause ID is not known.
	ErrUnknownSchedule = New("unknown scheduled pause")
)

// General sentinel errors
var (
	// ErrConfigurationInvalid indicates that configuration validation failed.
	ErrConfigurationInvalid = New("configuration invalid")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrStore indicates that snapshot persistence failed.
	ErrStore = New("snapshot store failure")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ForgeError is the base interface for all Forge errors.
type ForgeError interface {
	error

	Unwrap() error
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool { return e.retryable }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

// -----------------------------------------------------------------------------
// Session Errors
// -----------------------------------------------------------------------------

// SessionError represents a rejected session operation.
//
// Example:
//
//	err := errors.NewSessionError("advance", errors.ErrRoundLimitReached).
//		WithSessionID("abc123").
//		WithState("running")
//	fmt.Println(err) // "session error [session=abc123, op=advance, state=running]: round limit reached"
type SessionError struct {
	baseError
	SessionID string
	Op        string
	State     string
	Detail    string
}

// NewSessionError creates a new SessionError for the named operation.
func NewSessionError(op string, cause error) *SessionError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &SessionError{
		baseError: baseError{
			message:    msg,
			cause:      cause,
			severity:   SeverityWarning,
			userFacing: true,
		},
		Op: op,
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithState records the session state at the time of the failure.
func (e *SessionError) WithState(state string) *SessionError {
	e.State = state
	return e
}

// WithDetail attaches a human-readable explanation.
func (e *SessionError) WithDetail(format string, args ...any) *SessionError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithSeverity sets the error severity.
func (e *SessionError) WithSeverity(s Severity) *SessionError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SessionError) WithRetryable(r bool) *SessionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.State != "" {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.Detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Detail)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

func newNotFound(resourceType, id string, cause error) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s not found", resourceType),
			cause:      cause,
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   id,
	}
}

// UnknownSession returns a NotFoundError wrapping ErrUnknownSession.
func UnknownSession(id string) *NotFoundError { return newNotFound("session", id, ErrUnknownSession) }

// UnknownConflict returns a NotFoundError wrapping ErrUnknownConflict.
func UnknownConflict(id string) *NotFoundError { return newNotFound("conflict", id, ErrUnknownConflict) }

// UnknownRequest returns a NotFoundError wrapping ErrUnknownRequest.
func UnknownRequest(id string) *NotFoundError {
	return newNotFound("intervention request", id, ErrUnknownRequest)
}

// UnknownSchedule returns a NotFoundError wrapping ErrUnknownSchedule.
func UnknownSchedule(id string) *NotFoundError {
	return newNotFound("scheduled pause", id, ErrUnknownSchedule)
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid configuration or input. It always
// matches ErrConfigurationInvalid unless another cause is supplied.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      ErrConfigurationInvalid,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause replaces the wrapped cause.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation error")
	if e.Field != "" {
		sb.WriteString(fmt.Sprintf(" [%s]", e.Field))
	}
	sb.WriteString(": ")
	sb.WriteString(e.message)
	if e.Value != nil {
		sb.WriteString(fmt.Sprintf(" (got: %v)", e.Value))
	}
	return sb.String()
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents a bounded wait that expired.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a TimeoutError wrapping cause.
func NewTimeoutError(operation string, duration time.Duration, cause error) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    fmt.Sprintf("%s timed out after %v", operation, duration),
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	return e.message
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsUserFacing reports whether err (or something it wraps) is safe to show users.
func IsUserFacing(err error) bool {
	var fe ForgeError
	if As(err, &fe) {
		return fe.IsUserFacing()
	}
	return false
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	var fe ForgeError
	if As(err, &fe) {
		return fe.IsRetryable()
	}
	return false
}

// GetSeverity returns the severity of err, or SeverityError for foreign errors.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityInfo
	}
	var fe ForgeError
	if As(err, &fe) {
		return fe.Severity()
	}
	return SeverityError
}

// UserMessage renders err as a short, actionable sentence for an operator.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var nf *NotFoundError
	if As(err, &nf) {
		return fmt.Sprintf("unknown %s %q", nf.ResourceType, nf.ResourceID)
	}

	var ve *ValidationError
	if As(err, &ve) {
		if ve.Field != "" {
			return fmt.Sprintf("invalid configuration: %s %s", ve.Field, ve.message)
		}
		return fmt.Sprintf("invalid configuration: %s", ve.message)
	}

	var se *SessionError
	if As(err, &se) {
		op := se.Op
		if op == "" {
			op = "continue"
		}
		switch {
		case Is(err, ErrInvalidTransition):
			if se.Detail != "" {
				return fmt.Sprintf("cannot %s: %s", op, se.Detail)
			}
			if se.State != "" {
				return fmt.Sprintf("cannot %s: session is %s", op, describeState(op, se.State))
			}
		case Is(err, ErrRoundLimitReached):
			return fmt.Sprintf("cannot %s: the session has reached its maximum round", op)
		case Is(err, ErrPauseTimeout):
			return fmt.Sprintf("cannot %s: participants did not reach a safe point in time", op)
		case Is(err, ErrSessionTimeout):
			return fmt.Sprintf("cannot %s: the session timed out", op)
		}
		return fmt.Sprintf("cannot %s: %s", op, se.message)
	}

	return err.Error()
}

// describeState phrases a state for UserMessage, e.g. "already paused".
func describeState(op, state string) string {
	if (op == "pause" && state == "paused") || (op == "start" && (state == "running" || state == "deliberating")) {
		return "already " + state
	}
	return state
}
