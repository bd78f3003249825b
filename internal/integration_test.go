// Package internal contains integration tests that verify the crew packages
// work together: two hubs sharing one task database stay consistent and each
// publishes only the mutations it made.
package internal

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Iron-Ham/crew/internal/coordination"
	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/event"
	"github.com/Iron-Ham/crew/internal/logging"
	"github.com/Iron-Ham/crew/internal/notify"
	"github.com/Iron-Ham/crew/internal/taskgraph"
)

type node struct {
	hub   *coordination.Hub
	store *taskgraph.SQLiteStore

	mu    sync.Mutex
	kinds []event.Kind
}

func (n *node) record(e event.AgentEvent) error {
	n.mu.Lock()
	n.kinds = append(n.kinds, e.Kind)
	n.mu.Unlock()
	return nil
}

func (n *node) count(kind event.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

// newNode opens its own store on path, the way a second crew process would.
func newNode(t *testing.T, path string) *node {
	t.Helper()
	store, err := taskgraph.OpenSQLite(taskgraph.SQLiteConfig{Path: path, PoolSize: 2, Logger: logging.NopLogger()})
	if err != nil {
		t.Fatalf("OpenSQLite(%s) error = %v", path, err)
	}
	bus := event.NewBus()
	hub, err := coordination.NewHub(coordination.Config{
		Bus:   bus,
		Store: store,
		Pipe:  notify.NewPipe(),
	}, coordination.WithRetryAttempts(50))
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	n := &node{hub: hub, store: store}
	bus.On(n.record)
	t.Cleanup(func() { _ = hub.Close() })
	return n
}

func TestSharedStore_ReportsAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crew.db")
	first := newNode(t, path)
	second := newNode(t, path)

	if _, err := first.hub.CreateTask(ctx, taskgraph.Task{ID: "a", WorkspaceID: "ws1", Title: "build"}); err != nil {
		t.Fatalf("CreateTask(a) error = %v", err)
	}
	if _, err := first.hub.CreateTask(ctx, taskgraph.Task{ID: "b", WorkspaceID: "ws1", Title: "client", Dependencies: []string{"a"}}); err != nil {
		t.Fatalf("CreateTask(b) error = %v", err)
	}

	ready, err := second.hub.ReadyTasks(ctx, "ws1")
	if err != nil {
		t.Fatalf("ReadyTasks() error = %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("second node sees ready = %v, want [a]", ready)
	}

	task, err := second.hub.DelegateTask(ctx, "a", "agent-1", "lead")
	if err != nil {
		t.Fatalf("DelegateTask() error = %v", err)
	}
	if task.Version != 2 {
		t.Errorf("version after delegate = %d, want 2", task.Version)
	}
	if _, err := first.hub.DelegateTask(ctx, "a", "agent-2", "lead"); err == nil {
		t.Error("first node delegated a task the second node already assigned")
	}

	// Racing reports from both processes: exactly one lands, the others
	// see the completed task on re-read and are rejected.
	const perNode = 4
	var wg sync.WaitGroup
	errs := make(chan error, 2*perNode)
	for _, n := range []*node{first, second} {
		for range perNode {
			wg.Go(func() {
				_, err := n.hub.ReportCompletion(ctx, coordination.Report{TaskID: "a", AgentID: "agent-1", Summary: "done"})
				errs <- err
			})
		}
	}
	wg.Wait()
	close(errs)
	landed := 0
	for err := range errs {
		switch {
		case err == nil:
			landed++
		case !errors.Is(err, errors.ErrInvalidTransition):
			t.Errorf("ReportCompletion() error = %v, want ErrInvalidTransition", err)
		}
	}
	if landed != 1 {
		t.Errorf("%d reports landed, want exactly 1", landed)
	}

	got, err := first.store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get(a) error = %v", err)
	}
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
	if got.Status != taskgraph.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if c := first.count(event.KindTaskCompleted) + second.count(event.KindTaskCompleted); c != 1 {
		t.Errorf("nodes published %d TASK_COMPLETED, want 1", c)
	}

	ready, err = first.hub.ReadyTasks(ctx, "ws1")
	if err != nil {
		t.Fatalf("ReadyTasks() error = %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Errorf("ready after completion = %v, want [b]", ready)
	}
}
