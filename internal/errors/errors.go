// Package errors provides centralized error definitions and error handling utilities
// for the crew coordination engine. It defines sentinel errors, semantic error types,
// and classification helpers used by the event bus, task store, notification pipe,
// and coordination hub.
//
// # Error Types
//
//   - ValidationError: malformed identifiers or invalid input, surfaced immediately
//   - ConflictError: an optimistic-concurrency write lost against a newer version;
//     callers should re-read and retry with the latest state
//   - TransportError: a write to an attached transport failed
//   - HandlerError: a subscriber, handler, or wait-group callback failed; these
//     are contained by the bus and only ever logged
//
// # Usage
//
//	if errors.Is(err, errors.ErrTaskNotFound) { ... }
//
//	var conflict *errors.ConflictError
//	if errors.As(err, &conflict) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Standard library helpers, so callers need only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

// Severity levels, lowest first. Failed transport writes are warnings;
// failed event consumers are errors.
const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

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

// Task store sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrVersionConflict indicates that an expected version did not match the stored one.
	ErrVersionConflict = New("version conflict")
	// ErrInvalidTransition indicates that a task is not in a state that allows the operation.
	ErrInvalidTransition = New("invalid status transition")
	// ErrDependencyCycle indicates a circular dependency in tasks.
	ErrDependencyCycle = New("dependency cycle detected")
)

// Session and transport sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrTransportClosed indicates a write to a transport that has been closed.
	ErrTransportClosed = New("transport closed")
)

// Agent registry sentinel errors
var (
	// ErrAgentNotFound indicates that an agent is not registered.
	ErrAgentNotFound = New("agent not found")
)

// Event bus sentinel errors
var (
	// ErrPayloadMismatch indicates an event payload whose kind differs from the event kind.
	ErrPayloadMismatch = New("event payload does not match event kind")
	// ErrWaitGroupExists indicates a wait group with the same ID is already active.
	ErrWaitGroupExists = New("wait group already exists")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CrewError is implemented by every typed error in this package. Retryable
// errors may succeed when the caller re-reads state and tries again;
// user-facing errors carry messages safe to return over the API.
type CrewError interface {
	error
	Unwrap() error
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

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

func (e *baseError) Unwrap() error      { return e.cause }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

// -----------------------------------------------------------------------------
// ValidationError
// -----------------------------------------------------------------------------

// ValidationError represents invalid input: a malformed identifier, an unknown
// workspace, or an illegal field value. It is surfaced to the caller and never
// retried internally.
//
// Example:
//
//	err := errors.NewValidationError("must not be empty").WithField("task.id")
//	fmt.Println(err) // "validation error [field=task.id]: must not be empty"
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError. It matches ErrInvalidInput
// under errors.Is.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidInput,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField sets the field path that failed validation.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue records the offending value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// ConflictError
// -----------------------------------------------------------------------------

// ConflictError reports an optimistic-concurrency write that kept losing against
// newer versions of a task. The stored task was left untouched; the caller should
// re-read it and decide whether to try again.
type ConflictError struct {
	baseError
	TaskID          string
	ExpectedVersion int64
	ActualVersion   int64
	Attempts        int
}

// NewConflictError creates a ConflictError for the given task. It matches
// ErrVersionConflict under errors.Is.
func NewConflictError(taskID string, expected, actual int64) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    "retry with latest state",
			cause:      ErrVersionConflict,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		TaskID:          taskID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// WithAttempts records how many compare-and-swap attempts were made.
func (e *ConflictError) WithAttempts(n int) *ConflictError {
	e.Attempts = n
	return e
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	parts := []string{fmt.Sprintf("task=%s", e.TaskID)}
	parts = append(parts, fmt.Sprintf("expected=%d", e.ExpectedVersion))
	if e.ActualVersion > 0 {
		parts = append(parts, fmt.Sprintf("actual=%d", e.ActualVersion))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	return fmt.Sprintf("version conflict [%s]: %s", strings.Join(parts, ", "), e.message)
}

// -----------------------------------------------------------------------------
// TransportError
// -----------------------------------------------------------------------------

// TransportError represents a failed write to a session transport. The pipe
// swallows these after logging; the client is expected to re-attach.
type TransportError struct {
	baseError
	SessionID string
}

// NewTransportError creates a new TransportError.
func NewTransportError(sessionID string, cause error) *TransportError {
	return &TransportError{
		baseError: baseError{
			message:   "transport write failed",
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
		SessionID: sessionID,
	}
}

// Error returns the formatted error message.
func (e *TransportError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transport error [session=%s]: %s: %v", e.SessionID, e.message, e.cause)
	}
	return fmt.Sprintf("transport error [session=%s]: %s", e.SessionID, e.message)
}

// -----------------------------------------------------------------------------
// HandlerError
// -----------------------------------------------------------------------------

// HandlerError wraps a failure raised by an event consumer. The bus logs it and
// continues delivering to the remaining consumers.
type HandlerError struct {
	baseError
	Consumer string
	Kind     string
}

// NewHandlerError creates a new HandlerError.
func NewHandlerError(consumer, kind string, cause error) *HandlerError {
	return &HandlerError{
		baseError: baseError{
			message:  "event consumer failed",
			cause:    cause,
			severity: SeverityError,
		},
		Consumer: consumer,
		Kind:     kind,
	}
}

// Error returns the formatted error message.
func (e *HandlerError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("handler error [consumer=%s, kind=%s]: %v", e.Consumer, e.Kind, e.cause)
	}
	return fmt.Sprintf("handler error [consumer=%s, kind=%s]", e.Consumer, e.Kind)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var crewErr CrewError
	if As(err, &crewErr) {
		return crewErr.IsRetryable()
	}
	return Is(err, ErrVersionConflict)
}

// IsUserFacing returns true if the error message is safe to show to users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var crewErr CrewError
	if As(err, &crewErr) {
		return crewErr.IsUserFacing()
	}
	return Is(err, ErrTaskNotFound) || Is(err, ErrSessionNotFound) || Is(err, ErrInvalidInput)
}

// GetSeverity returns the severity of an error, defaulting to SeverityError
// for errors that do not carry one.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var crewErr CrewError
	if As(err, &crewErr) {
		return crewErr.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context. Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
