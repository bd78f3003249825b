package coordination

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crewerrors "github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/event"
	"github.com/Iron-Ham/crew/internal/logging"
	"github.com/Iron-Ham/crew/internal/metrics"
	"github.com/Iron-Ham/crew/internal/notify"
	"github.com/Iron-Ham/crew/internal/taskgraph"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

type fixture struct {
	hub      *Hub
	bus      *event.Bus
	store    taskgraph.Store
	pipe     *notify.Pipe
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	events   *eventLog
}

// eventLog records every event published on the bus.
type eventLog struct {
	mu     sync.Mutex
	events []event.AgentEvent
}

func (l *eventLog) handle(e event.AgentEvent) error {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) kinds() []event.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Kind, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

func (l *eventLog) last(kind event.Kind) (event.AgentEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i], true
		}
	}
	return event.AgentEvent{}, false
}

func newFixture(t *testing.T, store taskgraph.Store, opts ...Option) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	bus := event.NewBus(event.WithLogger(logging.NopLogger()), event.WithObserver(m))
	pipe := notify.NewPipe(notify.WithLogger(logging.NopLogger()), notify.WithObserver(m))
	if store == nil {
		store = taskgraph.NewMemoryStore()
	}

	hub, err := NewHub(Config{Bus: bus, Store: store, Pipe: pipe, Metrics: m}, opts...)
	require.NoError(t, err)

	log := &eventLog{}
	bus.On(log.handle)
	return &fixture{hub: hub, bus: bus, store: store, pipe: pipe, metrics: m, registry: reg, events: log}
}

// assertCounter compares an unlabeled counter gathered from reg.
func assertCounter(t *testing.T, reg *prometheus.Registry, name string, want float64) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, want, mf.GetMetric()[0].GetCounter().GetValue(), name)
		return
	}
	t.Errorf("metric %s not gathered", name)
}

func (f *fixture) createTask(t *testing.T, id string, deps ...string) taskgraph.Task {
	t.Helper()
	task, err := f.hub.CreateTask(context.Background(), taskgraph.Task{
		ID:           id,
		Title:        "task " + id,
		WorkspaceID:  "w1",
		Dependencies: deps,
	})
	require.NoError(t, err)
	return task
}

// frameRecorder is a notify.Transport that decodes the event kinds it
// receives.
type frameRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *frameRecorder) Send(frame []byte) error {
	var env struct {
		Params struct {
			Update struct {
				SessionUpdate string `json:"sessionUpdate"`
				Event         struct {
					Type string `json:"type"`
				} `json:"event"`
			} `json:"update"`
		} `json:"params"`
	}
	if err := json.Unmarshal(notify.FramePayload(frame), &env); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if env.Params.Update.SessionUpdate == "agent_event" {
		r.kinds = append(r.kinds, env.Params.Update.Event.Type)
	} else {
		r.kinds = append(r.kinds, env.Params.Update.SessionUpdate)
	}
	return nil
}

func (r *frameRecorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

// staleStore loses every compare-and-set.
type staleStore struct {
	*taskgraph.MemoryStore
	attempts int
}

func (s *staleStore) AtomicUpdate(context.Context, string, int64, taskgraph.Update) (bool, error) {
	s.attempts++
	return false, nil
}

// failingCloseStore reports an error on Close.
type failingCloseStore struct {
	*taskgraph.MemoryStore
}

func (failingCloseStore) Close() error { return stderrors.New("disk gone") }

// -----------------------------------------------------------------------------
// Construction and lifecycle
// -----------------------------------------------------------------------------

func TestNewHub_RequiresDependencies(t *testing.T) {
	bus := event.NewBus()
	store := taskgraph.NewMemoryStore()
	pipe := notify.NewPipe()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no bus", Config{Store: store, Pipe: pipe}},
		{"no store", Config{Bus: bus, Pipe: pipe}},
		{"no pipe", Config{Bus: bus, Store: store}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHub(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestHub_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	before := f.bus.Stats().Handlers

	require.NoError(t, f.hub.Start(context.Background()))
	assert.True(t, f.hub.Running())
	assert.Equal(t, before+1, f.bus.Stats().Handlers)
	assert.Error(t, f.hub.Start(context.Background()), "second start must fail")

	require.NoError(t, f.hub.Stop())
	require.NoError(t, f.hub.Stop())
	assert.False(t, f.hub.Running())
	assert.Equal(t, before, f.bus.Stats().Handlers)
}

func TestHub_StopsWhenContextCanceled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.hub.Start(ctx))

	cancel()
	require.Eventually(t, func() bool { return !f.hub.Running() }, time.Second, 5*time.Millisecond)
}

func TestHub_CloseAggregatesStoreError(t *testing.T) {
	f := newFixture(t, failingCloseStore{taskgraph.NewMemoryStore()})
	require.NoError(t, f.hub.Start(context.Background()))

	err := f.hub.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.False(t, f.hub.Running())
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

func TestHub_CreateTask(t *testing.T) {
	f := newFixture(t, nil)
	task := f.createTask(t, "a")

	assert.Equal(t, int64(1), task.Version)
	assert.Equal(t, taskgraph.StatusPending, task.Status)

	e, ok := f.events.last(event.KindWorkspaceUpdated)
	require.True(t, ok)
	assert.Equal(t, event.WorkspaceUpdated{Field: "task", Value: "a"}, e.Payload)
	assert.Equal(t, "w1", e.WorkspaceID)
}

func TestHub_CreateTaskRejectsCycle(t *testing.T) {
	f := newFixture(t, nil)
	f.createTask(t, "a", "b")

	_, err := f.hub.CreateTask(context.Background(), taskgraph.Task{
		ID: "b", WorkspaceID: "w1", Dependencies: []string{"a"},
	})
	require.ErrorIs(t, err, crewerrors.ErrDependencyCycle)

	_, err = f.store.Get(context.Background(), "b")
	assert.ErrorIs(t, err, crewerrors.ErrTaskNotFound)
}

func TestHub_DelegateTask(t *testing.T) {
	f := newFixture(t, nil)
	f.createTask(t, "a")
	f.events.reset()

	task, err := f.hub.DelegateTask(context.Background(), "a", "agent-1", "lead")
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusInProgress, task.Status)
	assert.Equal(t, "agent-1", task.AssignedTo)
	assert.Equal(t, int64(2), task.Version)

	assert.Equal(t, []event.Kind{event.KindTaskAssigned, event.KindTaskStatusChanged}, f.events.kinds())
	e, _ := f.events.last(event.KindTaskStatusChanged)
	assert.Equal(t, event.TaskStatusChanged{TaskID: "a", From: "PENDING", To: "IN_PROGRESS"}, e.Payload)
	assert.Equal(t, "lead", e.OriginAgentID)

	_, err = f.hub.DelegateTask(context.Background(), "a", "agent-2", "lead")
	assert.ErrorIs(t, err, crewerrors.ErrInvalidTransition)

	_, err = f.hub.DelegateTask(context.Background(), "missing", "agent-2", "lead")
	assert.ErrorIs(t, err, crewerrors.ErrTaskNotFound)

	_, err = f.hub.DelegateTask(context.Background(), "a", "", "lead")
	var verr *crewerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestHub_ReportCompletion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createTask(t, "a")
	f.createTask(t, "b", "a")
	_, err := f.hub.DelegateTask(ctx, "a", "agent-1", "lead")
	require.NoError(t, err)
	f.events.reset()

	task, err := f.hub.ReportCompletion(ctx, Report{
		TaskID:  "a",
		AgentID: "agent-1",
		Summary: "done",
		Verdict: "pass",
	})
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusCompleted, task.Status)
	assert.Equal(t, "done", task.CompletionSummary)
	assert.Equal(t, "pass", task.VerificationVerdict)

	assert.Equal(t, []event.Kind{
		event.KindTaskCompleted,
		event.KindTaskStatusChanged,
		event.KindReportSubmitted,
		event.KindWorkspaceUpdated,
	}, f.events.kinds())
	e, _ := f.events.last(event.KindWorkspaceUpdated)
	assert.Equal(t, event.WorkspaceUpdated{Field: "task_ready", Value: "b"}, e.Payload)

	ready, err := f.hub.ReadyTasks(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestHub_ReportFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createTask(t, "a")
	_, err := f.hub.DelegateTask(ctx, "a", "agent-1", "lead")
	require.NoError(t, err)
	f.events.reset()

	task, err := f.hub.ReportCompletion(ctx, Report{
		TaskID:  "a",
		AgentID: "agent-1",
		Summary: "tests fail",
		Status:  taskgraph.StatusNeedsFix,
	})
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusNeedsFix, task.Status)
	assert.Equal(t, []event.Kind{
		event.KindTaskFailed,
		event.KindTaskStatusChanged,
		event.KindReportSubmitted,
	}, f.events.kinds())

	// NEEDS_FIX may be delegated again.
	_, err = f.hub.DelegateTask(ctx, "a", "agent-2", "lead")
	assert.NoError(t, err)

	_, err = f.hub.ReportCompletion(ctx, Report{TaskID: "a", AgentID: "agent-2", Status: taskgraph.StatusPending})
	var verr *crewerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestHub_ReportConflictAfterRetries(t *testing.T) {
	store := &staleStore{MemoryStore: taskgraph.NewMemoryStore()}
	f := newFixture(t, store, WithRetryAttempts(2))
	f.createTask(t, "a")
	ok, err := store.MemoryStore.AtomicUpdate(context.Background(), "a", 1, taskgraph.Update{
		Status:     taskgraph.Ptr(taskgraph.StatusInProgress),
		AssignedTo: taskgraph.Ptr("agent-1"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	f.events.reset()

	_, err = f.hub.ReportCompletion(context.Background(), Report{TaskID: "a", AgentID: "agent-1"})
	var conflict *crewerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.Attempts)
	assert.Equal(t, 2, store.attempts)
	assert.True(t, crewerrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "retry with latest state")

	assert.Empty(t, f.events.kinds(), "nothing is published for a rejected update")
	assertCounter(t, f.registry, "crew_tasks_task_conflicts_total", 1)
}

func TestHub_ConcurrentReportsExactlyOneLands(t *testing.T) {
	f := newFixture(t, nil, WithRetryAttempts(50))
	ctx := context.Background()
	f.createTask(t, "a")
	_, err := f.hub.DelegateTask(ctx, "a", "agent-1", "lead")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Go(func() {
			_, err := f.hub.ReportCompletion(ctx, Report{TaskID: "a", AgentID: "agent-1", Summary: "s"})
			errs <- err
		})
	}
	wg.Wait()
	close(errs)

	landed := 0
	for err := range errs {
		if err == nil {
			landed++
			continue
		}
		assert.ErrorIs(t, err, crewerrors.ErrInvalidTransition)
	}
	assert.Equal(t, 1, landed)

	task, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), task.Version, "create, delegate, one report")
}

func TestHub_ReportRejectsStaleOrForeignReports(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createTask(t, "a")
	f.createTask(t, "b")

	_, err := f.hub.ReportCompletion(ctx, Report{TaskID: "b", AgentID: "agent-1"})
	assert.ErrorIs(t, err, crewerrors.ErrInvalidTransition, "PENDING tasks cannot be reported")

	_, err = f.hub.DelegateTask(ctx, "a", "agent-1", "lead")
	require.NoError(t, err)
	_, err = f.hub.ReportCompletion(ctx, Report{TaskID: "a", AgentID: "stranger", Status: taskgraph.StatusNeedsFix})
	assert.ErrorIs(t, err, crewerrors.ErrInvalidTransition, "only the assignee may report")

	_, err = f.hub.ReportCompletion(ctx, Report{TaskID: "a", AgentID: "agent-1", Summary: "real work"})
	require.NoError(t, err)
	f.events.reset()

	_, err = f.hub.ReportCompletion(ctx, Report{TaskID: "a", AgentID: "agent-1", Summary: "stale", Status: taskgraph.StatusNeedsFix})
	assert.ErrorIs(t, err, crewerrors.ErrInvalidTransition, "completed tasks cannot be reported again")

	task, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusCompleted, task.Status)
	assert.Equal(t, "real work", task.CompletionSummary)
	assert.Equal(t, int64(3), task.Version)
	assert.Empty(t, f.events.kinds(), "nothing is published for a rejected report")
}

func TestHub_SetStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.createTask(t, "a")
	f.events.reset()

	task, err := f.hub.SetStatus(context.Background(), "a", taskgraph.StatusBlocked, "lead")
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusBlocked, task.Status)
	assert.Equal(t, []event.Kind{event.KindTaskStatusChanged}, f.events.kinds())

	_, err = f.hub.SetStatus(context.Background(), "missing", taskgraph.StatusBlocked, "lead")
	assert.ErrorIs(t, err, crewerrors.ErrTaskNotFound)
}

func TestHub_ConflictingTasks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.hub.CreateTask(ctx, taskgraph.Task{ID: "api", WorkspaceID: "w1", Scope: []string{"internal/api/**"}})
	require.NoError(t, err)
	_, err = f.hub.CreateTask(ctx, taskgraph.Task{ID: "docs", WorkspaceID: "w1", Scope: []string{"docs/"}})
	require.NoError(t, err)
	_, err = f.hub.CreateTask(ctx, taskgraph.Task{ID: "idle", WorkspaceID: "w1", Scope: []string{"internal/api/**"}})
	require.NoError(t, err)

	for _, id := range []string{"api", "docs"} {
		_, err := f.hub.DelegateTask(ctx, id, "agent-"+id, "lead")
		require.NoError(t, err)
	}

	got, err := f.hub.ConflictingTasks(ctx, "w1", "internal/api/server.go")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "api", got[0].ID)
}

// -----------------------------------------------------------------------------
// Fan-out and fan-in
// -----------------------------------------------------------------------------

func TestHub_DelegateParallelFiresWaitGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.createTask(t, id)
	}

	var fired []event.WaitGroupSnapshot
	err := f.hub.DelegateParallel(ctx, "lead", "g1", map[string]string{
		"a": "agent-a",
		"b": "agent-b",
		"c": "agent-c",
	}, func(s event.WaitGroupSnapshot) { fired = append(fired, s) })
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		task, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, taskgraph.StatusInProgress, task.Status)
	}

	_, err = f.hub.ReportCompletion(ctx, Report{TaskID: "c", AgentID: "agent-c"})
	require.NoError(t, err)
	require.NoError(t, f.hub.AgentCompleted("agent-a", "w1", "done"))
	assert.Empty(t, fired)

	_, err = f.hub.ReportCompletion(ctx, Report{TaskID: "b", AgentID: "agent-b"})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "g1", fired[0].ID)
	assert.Equal(t, "lead", fired[0].ParentAgentID)

	// The group is gone; a repeated completion does not re-fire.
	require.NoError(t, f.hub.AgentCompleted("agent-b", "w1", "again"))
	assert.Len(t, fired, 1)
	_, ok := f.bus.WaitGroup("g1")
	assert.False(t, ok)
	assertCounter(t, f.registry, "crew_bus_waitgroups_fired_total", 1)
}

func TestHub_DelegateParallelFailureRemovesGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createTask(t, "a")

	err := f.hub.DelegateParallel(ctx, "lead", "g1", map[string]string{
		"a":       "agent-a",
		"missing": "agent-b",
	}, func(event.WaitGroupSnapshot) {})
	require.ErrorIs(t, err, crewerrors.ErrTaskNotFound)

	_, ok := f.bus.WaitGroup("g1")
	assert.False(t, ok)

	err = f.hub.DelegateParallel(ctx, "lead", "g2", nil, nil)
	var verr *crewerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// -----------------------------------------------------------------------------
// Agents and sessions
// -----------------------------------------------------------------------------

func TestHub_AgentEvents(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.hub.RegisterAgent("agent-1", "Ada", "implementer", "lead", "w1")
	require.NoError(t, err)
	require.NoError(t, f.hub.ActivateAgent("agent-1", "w1"))
	require.NoError(t, f.hub.SendMessage("agent-1", "lead", "w1", "need review"))
	require.NoError(t, f.hub.AgentFailed("agent-1", "w1", stderrors.New("crashed")))
	require.NoError(t, f.hub.AgentCompleted("agent-1", "w1", "bye"))

	assert.Equal(t, []event.Kind{
		event.KindAgentCreated,
		event.KindAgentActivated,
		event.KindMessageSent,
		event.KindAgentError,
		event.KindAgentCompleted,
	}, f.events.kinds())

	e, _ := f.events.last(event.KindAgentError)
	assert.Equal(t, event.AgentError{AgentID: "agent-1", Error: "crashed"}, e.Payload)

	_, err = f.hub.RegisterAgent("", "x", "", "", "w1")
	assert.Error(t, err)
	assert.Error(t, f.hub.SendMessage("a", "", "w1", "hi"))
	assert.Error(t, f.hub.AgentCompleted("a", "", ""))
}

func TestHub_AgentRegistry(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, nil, WithClock(func() time.Time { return now }))

	lead, err := f.hub.RegisterAgent("lead", "Lead", "ROUTA", "", "w1")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusPending, lead.Status)
	assert.Equal(t, now, lead.CreatedAt)

	now = now.Add(time.Minute)
	_, err = f.hub.RegisterAgent("crafter", "Ada", "CRAFTER", "lead", "w1")
	require.NoError(t, err)
	_, err = f.hub.RegisterAgent("elsewhere", "Bob", "GATE", "", "w2")
	require.NoError(t, err)

	agents := f.hub.ListAgents("w1")
	require.Len(t, agents, 2)
	assert.Equal(t, "lead", agents[0].ID)
	assert.Equal(t, "crafter", agents[1].ID)
	assert.Equal(t, "lead", agents[1].ParentID)
	assert.Empty(t, f.hub.ListAgents("w3"))

	require.NoError(t, f.hub.ActivateAgent("crafter", "w1"))
	got, err := f.hub.Agent("crafter")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusActive, got.Status)

	require.NoError(t, f.hub.AgentCompleted("crafter", "w1", "done"))
	got, _ = f.hub.Agent("crafter")
	assert.Equal(t, AgentStatusCompleted, got.Status)

	require.NoError(t, f.hub.AgentFailed("elsewhere", "w2", stderrors.New("crashed")))
	got, _ = f.hub.Agent("elsewhere")
	assert.Equal(t, AgentStatusError, got.Status)

	// A status change reported against the wrong workspace is ignored.
	require.NoError(t, f.hub.ActivateAgent("elsewhere", "w1"))
	got, _ = f.hub.Agent("elsewhere")
	assert.Equal(t, AgentStatusError, got.Status)

	now = now.Add(time.Minute)
	again, err := f.hub.RegisterAgent("crafter", "Ada Lovelace", "CRAFTER", "lead", "w1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", again.Name)
	assert.Equal(t, AgentStatusCompleted, again.Status, "re-registering keeps the status")
	assert.Equal(t, lead.CreatedAt.Add(time.Minute), again.CreatedAt)

	_, err = f.hub.Agent("ghost")
	assert.ErrorIs(t, err, crewerrors.ErrAgentNotFound)
}

func TestHub_OpenSession(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, nil, WithClock(func() time.Time { return now }))

	rec, err := f.hub.OpenSession(notify.SessionRecord{WorkspaceID: "w1", Cwd: "/repo"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.SessionID)
	assert.Equal(t, now, rec.CreatedAt)

	now = now.Add(time.Hour)
	again, err := f.hub.OpenSession(notify.SessionRecord{SessionID: rec.SessionID, WorkspaceID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedAt, again.CreatedAt, "reopening keeps the creation time")
}

func TestHub_RelaysEventsToWorkspaceSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.hub.Start(ctx))
	defer func() { _ = f.hub.Stop() }()

	watching, err := f.hub.OpenSession(notify.SessionRecord{SessionID: "s-w1", WorkspaceID: "w1"})
	require.NoError(t, err)
	_, err = f.hub.OpenSession(notify.SessionRecord{SessionID: "s-w2", WorkspaceID: "w2"})
	require.NoError(t, err)

	// Published before the observer connects: buffered.
	f.createTask(t, "a")
	assert.Equal(t, 1, f.pipe.Buffered(watching.SessionID))

	rec := &frameRecorder{}
	require.NoError(t, f.pipe.AttachSSE(watching.SessionID, rec))
	assert.True(t, f.pipe.PushConnected(watching.SessionID))

	_, err = f.hub.DelegateTask(ctx, "a", "agent-1", "lead")
	require.NoError(t, err)

	assert.Equal(t, []string{
		string(event.KindWorkspaceUpdated),
		"agent_thought_chunk",
		string(event.KindTaskAssigned),
		string(event.KindTaskStatusChanged),
	}, rec.received())
	assert.Zero(t, f.pipe.Buffered("s-w2"), "other workspaces see nothing")

	// Session-addressed events reach only that session.
	f.bus.Publish(event.MustNew("agent-1", "w2", event.MessageSent{From: "agent-1", To: "lead", Body: "hi"}).ForSession("s-w1"))
	assert.Len(t, rec.received(), 5)
	assert.Zero(t, f.pipe.Buffered("s-w2"))

	require.NoError(t, f.hub.Stop())
	f.createTask(t, "b")
	assert.Len(t, rec.received(), 5, "a stopped hub relays nothing")
}

// -----------------------------------------------------------------------------
// End-to-end
// -----------------------------------------------------------------------------

func TestHub_DependentTasksScenario(t *testing.T) {
	stores := map[string]func(t *testing.T) taskgraph.Store{
		"memory": func(*testing.T) taskgraph.Store { return taskgraph.NewMemoryStore() },
		"sqlite": func(t *testing.T) taskgraph.Store {
			s, err := taskgraph.OpenSQLite(taskgraph.SQLiteConfig{
				Path:     t.TempDir() + "/crew.db",
				PoolSize: 2,
				Logger:   logging.NopLogger(),
			})
			require.NoError(t, err)
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			defer func() { _ = f.hub.Close() }()
			ctx := context.Background()

			a := f.createTask(t, "A")
			b := f.createTask(t, "B", "A")
			assert.Equal(t, int64(1), a.Version)
			assert.Equal(t, int64(1), b.Version)

			ready, err := f.hub.ReadyTasks(ctx, "w1")
			require.NoError(t, err)
			require.Len(t, ready, 1)
			assert.Equal(t, "A", ready[0].ID)

			ok, err := f.store.AtomicUpdate(ctx, "A", 1, taskgraph.Update{Status: taskgraph.Ptr(taskgraph.StatusCompleted)})
			require.NoError(t, err)
			require.True(t, ok)

			ready, err = f.hub.ReadyTasks(ctx, "w1")
			require.NoError(t, err)
			require.Len(t, ready, 1)
			assert.Equal(t, "B", ready[0].ID)

			ok, err = f.store.AtomicUpdate(ctx, "A", 1, taskgraph.Update{Status: taskgraph.Ptr(taskgraph.StatusCompleted)})
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := f.store.Get(ctx, "A")
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Version)
		})
	}
}
