package taskgraph

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/crew/internal/errors"
)

// MemoryStore keeps tasks in a map. All methods are safe for concurrent use
// via an internal mutex and return copies.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source used for timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newMemoryStoreFromTasks creates a store from previously persisted tasks.
func newMemoryStoreFromTasks(tasks map[string]*Task, opts ...MemoryOption) *MemoryStore {
	s := NewMemoryStore(opts...)
	for id, t := range tasks {
		if t == nil {
			continue
		}
		cp := t.Clone()
		s.tasks[id] = &cp
	}
	return s
}

// Save upserts a task.
func (s *MemoryStore) Save(ctx context.Context, task Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	task = task.Clone()
	task.normalize()
	if err := task.Validate(); err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.tasks[task.ID]; ok {
		task.Version = existing.Version + 1
		task.CreatedAt = existing.CreatedAt
	} else {
		task.Version = 1
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
	}
	task.UpdatedAt = now

	s.tasks[task.ID] = &task
	return task.Clone(), nil
}

// Get returns a copy of the task.
func (s *MemoryStore) Get(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, errors.Wrapf(errors.ErrTaskNotFound, "get %s", id)
	}
	return t.Clone(), nil
}

// ListByWorkspace returns the tasks of a workspace ordered by creation.
func (s *MemoryStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]Task, error) {
	return s.filter(ctx, func(t *Task) bool { return t.WorkspaceID == workspaceID })
}

// ListByStatus returns the tasks of a workspace in the given status.
func (s *MemoryStore) ListByStatus(ctx context.Context, workspaceID string, status Status) ([]Task, error) {
	return s.filter(ctx, func(t *Task) bool {
		return t.WorkspaceID == workspaceID && t.Status == status
	})
}

// ListByAssignee returns every task assigned to the agent.
func (s *MemoryStore) ListByAssignee(ctx context.Context, agentID string) ([]Task, error) {
	return s.filter(ctx, func(t *Task) bool { return t.AssignedTo == agentID })
}

// FindReadyTasks returns the schedulable tasks of a workspace.
func (s *MemoryStore) FindReadyTasks(ctx context.Context, workspaceID string) ([]Task, error) {
	lookup := func(id string) (Task, bool) {
		t, ok := s.tasks[id]
		if !ok {
			return Task{}, false
		}
		return *t, true
	}
	return s.filter(ctx, func(t *Task) bool {
		return t.WorkspaceID == workspaceID && isReady(*t, lookup)
	})
}

func (s *MemoryStore) filter(ctx context.Context, keep func(*Task) bool) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// UpdateStatus sets the status unconditionally and advances the version.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	if !status.Valid() {
		return Task{}, errors.NewValidationError("unknown status").WithField("status").WithValue(status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, errors.Wrapf(errors.ErrTaskNotFound, "update status %s", id)
	}
	t.Status = status
	t.Version++
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

// AtomicUpdate applies u iff the stored version equals expectedVersion.
func (s *MemoryStore) AtomicUpdate(ctx context.Context, id string, expectedVersion int64, u Update) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := u.validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, errors.Wrapf(errors.ErrTaskNotFound, "atomic update %s", id)
	}
	if t.Version != expectedVersion {
		return false, nil
	}
	u.apply(t)
	t.Version++
	t.UpdatedAt = s.now()
	return true, nil
}

// Delete removes a task.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return errors.Wrapf(errors.ErrTaskNotFound, "delete %s", id)
	}
	delete(s.tasks, id)
	return nil
}

// Len returns the number of stored tasks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
