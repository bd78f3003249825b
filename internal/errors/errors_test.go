package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("must not be empty").WithField("task.id")

	if got, want := err.Error(), "validation error [field=task.id]: must not be empty"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
	if IsRetryable(err) {
		t.Error("ValidationError should not be retryable")
	}
	if !IsUserFacing(err) {
		t.Error("ValidationError should be user facing")
	}

	withValue := NewValidationError("unknown status").WithField("status").WithValue("DONE")
	if got, want := withValue.Error(), "validation error [field=status, value=DONE]: unknown status"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConflictError(t *testing.T) {
	err := NewConflictError("task-1", 1, 3).WithAttempts(3)

	if got, want := err.Error(), "version conflict [task=task-1, expected=1, actual=3, attempts=3]: retry with latest state"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrVersionConflict) {
		t.Error("ConflictError should match ErrVersionConflict")
	}
	if !IsRetryable(err) {
		t.Error("ConflictError should be retryable")
	}
	if !IsUserFacing(err) {
		t.Error("ConflictError should be user facing")
	}

	wrapped := fmt.Errorf("report completion: %w", err)
	var target *ConflictError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find ConflictError through wrapping")
	}
	if target.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want %q", target.TaskID, "task-1")
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("broken pipe")
	err := NewTransportError("sess-1", cause)

	if got, want := err.Error(), "transport error [session=sess-1]: transport write failed: broken pipe"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("TransportError should unwrap to its cause")
	}
	if !IsRetryable(err) {
		t.Error("TransportError should be retryable")
	}
	if IsUserFacing(err) {
		t.Error("TransportError should not be user facing")
	}
}

func TestHandlerError(t *testing.T) {
	err := NewHandlerError("agent-1", "TASK_ASSIGNED", errors.New("boom"))

	if got, want := err.Error(), "handler error [consumer=agent-1, kind=TASK_ASSIGNED]: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if GetSeverity(err) != SeverityError {
		t.Errorf("GetSeverity() = %v, want %v", GetSeverity(err), SeverityError)
	}
}

func TestClassificationHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		retryable  bool
		userFacing bool
		severity   Severity
	}{
		{"nil", nil, false, false, SeverityDebug},
		{"plain", errors.New("plain"), false, false, SeverityError},
		{"task not found", Wrap(ErrTaskNotFound, "get task"), false, true, SeverityError},
		{"bare conflict sentinel", ErrVersionConflict, true, false, SeverityError},
		{"session not found", ErrSessionNotFound, false, true, SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsUserFacing(tt.err); got != tt.userFacing {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.userFacing)
			}
			if got := GetSeverity(tt.err); got != tt.severity {
				t.Errorf("GetSeverity() = %v, want %v", got, tt.severity)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}

	err := Wrapf(ErrTaskNotFound, "load %s", "task-9")
	if got, want := err.Error(), "load task-9: task not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrTaskNotFound) {
		t.Error("wrapped error should match sentinel")
	}
}
