package coordination

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/event"
	"github.com/Iron-Ham/crew/internal/taskgraph"
)

// Report is an agent's completion report for a task.
type Report struct {
	TaskID  string
	AgentID string
	Summary string
	Verdict string
	Report  string
	// Status defaults to COMPLETED. NEEDS_FIX and BLOCKED report failure.
	Status taskgraph.Status
}

// CreateTask saves a new task, refusing it if it would close a dependency
// cycle in its workspace.
func (h *Hub) CreateTask(ctx context.Context, task taskgraph.Task) (taskgraph.Task, error) {
	if len(task.Dependencies) > 0 && task.WorkspaceID != "" {
		existing, err := h.store.ListByWorkspace(ctx, task.WorkspaceID)
		if err != nil {
			return taskgraph.Task{}, err
		}
		graph := slices.DeleteFunc(existing, func(t taskgraph.Task) bool { return t.ID == task.ID })
		if cycle := taskgraph.DetectCycle(append(graph, task)); cycle != nil {
			return taskgraph.Task{}, fmt.Errorf("%w: %v", errors.ErrDependencyCycle, cycle)
		}
	}

	saved, err := h.store.Save(ctx, task)
	if err != nil {
		return taskgraph.Task{}, err
	}
	h.logger.WithWorkspace(saved.WorkspaceID).Info("task created", "task_id", saved.ID, "version", saved.Version)
	h.publish("", saved.WorkspaceID, event.WorkspaceUpdated{Field: "task", Value: saved.ID})
	return saved, nil
}

// DelegateTask assigns a PENDING or NEEDS_FIX task to agentID and moves it to
// IN_PROGRESS.
func (h *Hub) DelegateTask(ctx context.Context, taskID, agentID, delegator string) (taskgraph.Task, error) {
	if agentID == "" {
		return taskgraph.Task{}, errors.NewValidationError("agent id is required").WithField("agentId")
	}

	res, err := taskgraph.UpdateWithRetry(ctx, h.store, taskID, h.retryAttempts,
		func(current taskgraph.Task) (taskgraph.Update, error) {
			if !current.Status.Delegable() {
				return taskgraph.Update{}, fmt.Errorf("%w: task %s is %s", errors.ErrInvalidTransition, current.ID, current.Status)
			}
			return taskgraph.Update{
				Status:     taskgraph.Ptr(taskgraph.StatusInProgress),
				AssignedTo: taskgraph.Ptr(agentID),
			}, nil
		})
	if err != nil {
		return taskgraph.Task{}, h.updateFailed("delegate", taskID, err)
	}
	h.metrics.ObserveUpdateAttempts("delegate", res.Attempts)

	ws := res.After.WorkspaceID
	h.logger.WithWorkspace(ws).WithAgent(agentID).Info("task delegated", "task_id", taskID, "attempts", res.Attempts)
	h.publish(delegator, ws, event.TaskAssigned{TaskID: taskID, AgentID: agentID})
	h.publishStatusChange(delegator, res)
	return res.After, nil
}

// DelegateParallel delegates several tasks at once and creates a wait group
// that fires onComplete when every assigned agent has completed or reported.
// assignments maps task IDs to agent IDs. If any delegation fails the wait
// group is removed and the first error is returned; delegations that already
// succeeded are kept.
func (h *Hub) DelegateParallel(ctx context.Context, parentAgentID, groupID string, assignments map[string]string, onComplete func(event.WaitGroupSnapshot)) error {
	if len(assignments) == 0 {
		return errors.NewValidationError("no assignments").WithField("assignments")
	}

	taskIDs := slices.Sorted(maps.Keys(assignments))
	agents := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		agents = append(agents, assignments[id])
	}
	if err := h.bus.CreateWaitGroup(groupID, parentAgentID, agents, onComplete); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, taskID := range taskIDs {
		agentID := assignments[taskID]
		g.Go(func() error {
			_, err := h.DelegateTask(gctx, taskID, agentID, parentAgentID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		h.bus.RemoveWaitGroup(groupID)
		h.logger.WithAgent(parentAgentID).Warn("parallel delegation failed", "group_id", groupID, "error", err.Error())
		return err
	}
	return nil
}

// ReportCompletion records an agent's report. Only the assigned agent may
// report, and only while the task is IN_PROGRESS; anything else fails with
// errors.ErrInvalidTransition. Concurrent reports are reconciled by
// re-reading the task, so of several racing reports exactly one lands. When
// the retry budget is spent a *errors.ConflictError tells the caller to
// retry with the latest state.
func (h *Hub) ReportCompletion(ctx context.Context, r Report) (taskgraph.Task, error) {
	if r.TaskID == "" {
		return taskgraph.Task{}, errors.NewValidationError("task id is required").WithField("taskId")
	}
	if r.AgentID == "" {
		return taskgraph.Task{}, errors.NewValidationError("agent id is required").WithField("agentId")
	}
	status := r.Status
	if status == "" {
		status = taskgraph.StatusCompleted
	}
	switch status {
	case taskgraph.StatusCompleted, taskgraph.StatusNeedsFix, taskgraph.StatusBlocked:
	default:
		return taskgraph.Task{}, errors.NewValidationError("report status must be COMPLETED, NEEDS_FIX or BLOCKED").
			WithField("status").WithValue(status)
	}

	u := taskgraph.Update{
		Status:            taskgraph.Ptr(status),
		CompletionSummary: taskgraph.Ptr(r.Summary),
	}
	if r.Verdict != "" {
		u.VerificationVerdict = taskgraph.Ptr(r.Verdict)
	}
	if r.Report != "" {
		u.VerificationReport = taskgraph.Ptr(r.Report)
	}

	res, err := taskgraph.UpdateWithRetry(ctx, h.store, r.TaskID, h.retryAttempts,
		func(current taskgraph.Task) (taskgraph.Update, error) {
			if current.Status != taskgraph.StatusInProgress {
				return taskgraph.Update{}, fmt.Errorf("%w: task %s is %s", errors.ErrInvalidTransition, current.ID, current.Status)
			}
			if current.AssignedTo != r.AgentID {
				return taskgraph.Update{}, fmt.Errorf("%w: task %s is assigned to %q, not %q",
					errors.ErrInvalidTransition, current.ID, current.AssignedTo, r.AgentID)
			}
			return u, nil
		})
	if err != nil {
		return taskgraph.Task{}, h.updateFailed("report", r.TaskID, err)
	}
	h.metrics.ObserveUpdateAttempts("report", res.Attempts)

	ws := res.After.WorkspaceID
	log := h.logger.WithWorkspace(ws).WithAgent(r.AgentID)
	log.Info("task reported", "task_id", r.TaskID, "status", status, "attempts", res.Attempts)

	if status == taskgraph.StatusCompleted {
		h.publish(r.AgentID, ws, event.TaskCompleted{TaskID: r.TaskID, AgentID: r.AgentID, Summary: r.Summary})
	} else {
		h.publish(r.AgentID, ws, event.TaskFailed{TaskID: r.TaskID, AgentID: r.AgentID, Reason: r.Summary})
	}
	h.publishStatusChange(r.AgentID, res)
	h.publish(r.AgentID, ws, event.ReportSubmitted{
		AgentID: r.AgentID,
		TaskID:  r.TaskID,
		Summary: r.Summary,
		Verdict: r.Verdict,
	})

	if status == taskgraph.StatusCompleted && res.Before.Status != taskgraph.StatusCompleted {
		h.announceUnblocked(ctx, ws, r.TaskID)
	}
	return res.After, nil
}

// SetStatus sets a task's status unconditionally. It is meant for
// coordinator-driven transitions where no concurrent writer is expected.
func (h *Hub) SetStatus(ctx context.Context, taskID string, status taskgraph.Status, actor string) (taskgraph.Task, error) {
	before, err := h.store.Get(ctx, taskID)
	if err != nil {
		return taskgraph.Task{}, err
	}
	after, err := h.store.UpdateStatus(ctx, taskID, status)
	if err != nil {
		return taskgraph.Task{}, err
	}
	h.publishStatusChange(actor, taskgraph.UpdateResult{Before: before, After: after, Attempts: 1})
	return after, nil
}

// ReadyTasks returns the tasks of a workspace that can be delegated now.
func (h *Hub) ReadyTasks(ctx context.Context, workspaceID string) ([]taskgraph.Task, error) {
	if workspaceID == "" {
		return nil, errors.NewValidationError("workspace id is required").WithField("workspaceId")
	}
	return h.store.FindReadyTasks(ctx, workspaceID)
}

// ConflictingTasks returns the IN_PROGRESS tasks of a workspace whose scope
// covers path.
func (h *Hub) ConflictingTasks(ctx context.Context, workspaceID, path string) ([]taskgraph.Task, error) {
	active, err := h.store.ListByStatus(ctx, workspaceID, taskgraph.StatusInProgress)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(active, func(t taskgraph.Task) bool { return !t.Touches(path) }), nil
}

func (h *Hub) publishStatusChange(actor string, res taskgraph.UpdateResult) {
	if res.Before.Status == res.After.Status {
		return
	}
	h.publish(actor, res.After.WorkspaceID, event.TaskStatusChanged{
		TaskID: res.After.ID,
		From:   res.Before.Status.String(),
		To:     res.After.Status.String(),
	})
}

// announceUnblocked publishes a workspace update for each task that became
// ready because completedID completed.
func (h *Hub) announceUnblocked(ctx context.Context, workspaceID, completedID string) {
	tasks, err := h.store.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		h.logger.WithWorkspace(workspaceID).Warn("failed to list tasks for readiness", "error", err.Error())
		return
	}
	for _, id := range taskgraph.Unblocks(tasks, completedID) {
		h.publish("", workspaceID, event.WorkspaceUpdated{Field: "task_ready", Value: id})
	}
}

func (h *Hub) updateFailed(op, taskID string, err error) error {
	var conflict *errors.ConflictError
	if errors.As(err, &conflict) {
		h.metrics.IncTaskConflict()
		h.logger.Warn("task update conflicted", "operation", op, "task_id", taskID, "attempts", conflict.Attempts)
	}
	return err
}
