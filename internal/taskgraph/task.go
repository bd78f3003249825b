package taskgraph

import (
	"slices"
	"time"

	"github.com/Iron-Ham/crew/internal/errors"
)

// Status represents the current state of a task.
type Status string

const (
	// StatusPending indicates the task is waiting to be delegated.
	StatusPending Status = "PENDING"

	// StatusInProgress indicates an agent is working on the task.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted indicates the task finished successfully. It is the
	// only status that satisfies a dependency.
	StatusCompleted Status = "COMPLETED"

	// StatusNeedsFix indicates verification failed and the task may be
	// delegated again.
	StatusNeedsFix Status = "NEEDS_FIX"

	// StatusBlocked indicates the task cannot proceed.
	StatusBlocked Status = "BLOCKED"
)

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusCompleted, StatusNeedsFix, StatusBlocked}
}

// String returns the string representation of the task status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses(), s)
}

// IsTerminal returns true if this status satisfies dependents.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// Delegable reports whether a task in this status may be assigned to an agent.
func (s Status) Delegable() bool {
	return s == StatusPending || s == StatusNeedsFix
}

// Task is a unit of work in a workspace. Version increases by exactly one on
// every accepted mutation.
type Task struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Objective            string   `json:"objective,omitempty"`
	Scope                []string `json:"scope,omitempty"`
	AcceptanceCriteria   []string `json:"acceptanceCriteria,omitempty"`
	VerificationCommands []string `json:"verificationCommands,omitempty"`
	AssignedTo           string   `json:"assignedTo,omitempty"`
	Status               Status   `json:"status"`
	// Dependencies is an ordered set of task IDs in the same workspace.
	Dependencies  []string `json:"dependencies,omitempty"`
	ParallelGroup string   `json:"parallelGroup,omitempty"`
	WorkspaceID   string   `json:"workspaceId"`

	CompletionSummary   string `json:"completionSummary,omitempty"`
	VerificationVerdict string `json:"verificationVerdict,omitempty"`
	VerificationReport  string `json:"verificationReport,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	t.Scope = slices.Clone(t.Scope)
	t.AcceptanceCriteria = slices.Clone(t.AcceptanceCriteria)
	t.VerificationCommands = slices.Clone(t.VerificationCommands)
	t.Dependencies = slices.Clone(t.Dependencies)
	return t
}

// Validate checks the fields a store requires before accepting a task.
func (t Task) Validate() error {
	if t.ID == "" {
		return errors.NewValidationError("task id is required").WithField("id")
	}
	if t.WorkspaceID == "" {
		return errors.NewValidationError("workspace id is required").WithField("workspaceId")
	}
	if !t.Status.Valid() {
		return errors.NewValidationError("unknown status").WithField("status").WithValue(t.Status)
	}
	if slices.Contains(t.Dependencies, t.ID) {
		return errors.NewValidationError("task depends on itself").WithField("dependencies").WithValue(t.ID)
	}
	return nil
}

// normalize fills defaults and dedupes dependencies, keeping first
// occurrence order.
func (t *Task) normalize() {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if len(t.Dependencies) == 0 {
		t.Dependencies = nil
		return
	}
	seen := make(map[string]struct{}, len(t.Dependencies))
	deps := make([]string, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		deps = append(deps, d)
	}
	t.Dependencies = deps
}

// Update is a partial mutation restricted to the fields that may change
// through AtomicUpdate. Nil fields are left untouched.
type Update struct {
	Status              *Status
	CompletionSummary   *string
	VerificationVerdict *string
	VerificationReport  *string
	AssignedTo          *string
}

// Ptr returns a pointer to v, for building Updates.
func Ptr[T any](v T) *T {
	return &v
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Status == nil && u.CompletionSummary == nil && u.VerificationVerdict == nil &&
		u.VerificationReport == nil && u.AssignedTo == nil
}

func (u Update) validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return errors.NewValidationError("unknown status").WithField("status").WithValue(*u.Status)
	}
	return nil
}

func (u Update) apply(t *Task) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.CompletionSummary != nil {
		t.CompletionSummary = *u.CompletionSummary
	}
	if u.VerificationVerdict != nil {
		t.VerificationVerdict = *u.VerificationVerdict
	}
	if u.VerificationReport != nil {
		t.VerificationReport = *u.VerificationReport
	}
	if u.AssignedTo != nil {
		t.AssignedTo = *u.AssignedTo
	}
}

// sortTasks orders tasks by creation time, then ID.
func sortTasks(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
