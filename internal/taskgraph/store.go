package taskgraph

import (
	"context"
)

// Store persists tasks and answers readiness queries. Implementations must
// be safe for concurrent use. AtomicUpdate is the only mutation that is safe
// against concurrent writers.
type Store interface {
	// Save upserts a task. A new task gets version 1; an overwrite keeps
	// CreatedAt and advances the stored version by one.
	Save(ctx context.Context, task Task) (Task, error)

	// Get returns the task or an error wrapping ErrTaskNotFound.
	Get(ctx context.Context, id string) (Task, error)

	ListByWorkspace(ctx context.Context, workspaceID string) ([]Task, error)
	ListByStatus(ctx context.Context, workspaceID string, status Status) ([]Task, error)
	ListByAssignee(ctx context.Context, agentID string) ([]Task, error)

	// FindReadyTasks returns the PENDING tasks of a workspace whose
	// dependencies all exist and are COMPLETED.
	FindReadyTasks(ctx context.Context, workspaceID string) ([]Task, error)

	// UpdateStatus sets the status unconditionally.
	UpdateStatus(ctx context.Context, id string, status Status) (Task, error)

	// AtomicUpdate applies u iff the stored version equals expectedVersion.
	// It returns false without mutating on a version mismatch.
	AtomicUpdate(ctx context.Context, id string, expectedVersion int64, u Update) (bool, error)

	Delete(ctx context.Context, id string) error
	Close() error
}

// isReady reports whether task can be scheduled given lookup. A missing
// dependency blocks the task.
func isReady(task Task, lookup func(id string) (Task, bool)) bool {
	if task.Status != StatusPending {
		return false
	}
	for _, depID := range task.Dependencies {
		dep, ok := lookup(depID)
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}
