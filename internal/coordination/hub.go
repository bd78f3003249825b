package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/event"
	"github.com/Iron-Ham/crew/internal/logging"
	"github.com/Iron-Ham/crew/internal/metrics"
	"github.com/Iron-Ham/crew/internal/notify"
	"github.com/Iron-Ham/crew/internal/taskgraph"
)

// Config holds required dependencies for creating a Hub.
type Config struct {
	Bus    *event.Bus
	Store  taskgraph.Store
	Pipe   *notify.Pipe
	Logger *logging.Logger
	// Metrics is optional; nil records nothing.
	Metrics *metrics.Metrics
}

// Hub wires the event bus, the task store and the notification pipe
// together. Every operation mutates the store first and publishes only once
// the mutation was accepted.
type Hub struct {
	bus     *event.Bus
	store   taskgraph.Store
	pipe    *notify.Pipe
	logger  *logging.Logger
	metrics *metrics.Metrics

	retryAttempts int
	now           func() time.Time

	agentsMu sync.Mutex
	agents   map[string]AgentRecord

	mu        sync.Mutex
	started   bool
	bridgeID  string
	stopWatch func() bool
}

// NewHub creates a Hub. Bus, Store and Pipe are required.
func NewHub(cfg Config, opts ...Option) (*Hub, error) {
	if cfg.Bus == nil {
		return nil, errors.New("coordination: Bus is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("coordination: Store is required")
	}
	if cfg.Pipe == nil {
		return nil, errors.New("coordination: Pipe is required")
	}

	hc := defaultHubConfig()
	for _, opt := range opts {
		opt(&hc)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Hub{
		bus:           cfg.Bus,
		store:         cfg.Store,
		pipe:          cfg.Pipe,
		logger:        logger.WithComponent("coordination"),
		metrics:       cfg.Metrics,
		retryAttempts: hc.retryAttempts,
		now:           hc.now,
		agents:        make(map[string]AgentRecord),
	}, nil
}

// Bus returns the hub's event bus.
func (h *Hub) Bus() *event.Bus { return h.bus }

// Store returns the hub's task store.
func (h *Hub) Store() taskgraph.Store { return h.store }

// Pipe returns the hub's notification pipe.
func (h *Hub) Pipe() *notify.Pipe { return h.pipe }

// Start registers the bridge that relays bus events to observer sessions.
// The hub stops on its own when ctx is canceled.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.New("coordination: hub already started")
	}

	h.bridgeID = h.bus.On(h.relay)
	h.stopWatch = context.AfterFunc(ctx, func() { _ = h.Stop() })
	h.started = true
	h.logger.Info("hub started")
	return nil
}

// Stop unregisters the session bridge. It is idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	h.stopWatch()
	h.bus.Off(h.bridgeID)
	h.bridgeID = ""
	h.started = false
	h.logger.Info("hub stopped")
	return nil
}

// Running returns whether the hub is currently started.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Close stops the hub and closes the store.
func (h *Hub) Close() error {
	var result *multierror.Error
	if err := h.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := h.store.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close store"))
	}
	return result.ErrorOrNil()
}

// relay forwards an event to its session, or to every session observing the
// event's workspace.
func (h *Hub) relay(e event.AgentEvent) error {
	if e.SessionID != "" {
		return h.pipe.PushNotification(notify.FromEvent(e, e.SessionID))
	}
	if e.WorkspaceID == "" {
		return nil
	}

	var result *multierror.Error
	for _, s := range h.pipe.SessionsForWorkspace(e.WorkspaceID) {
		if err := h.pipe.PushNotification(notify.FromEvent(e, s.SessionID)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// publish stamps and publishes an event.
func (h *Hub) publish(origin, workspaceID string, payload event.Payload) {
	e, err := event.New(origin, workspaceID, payload)
	if err != nil {
		h.logger.Error("failed to build event", "error", err.Error())
		return
	}
	e.Timestamp = h.now()
	h.bus.Publish(e)
}
