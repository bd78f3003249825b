package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/Iron-Ham/crew/internal/config"
	"github.com/Iron-Ham/crew/internal/coordination"
	"github.com/Iron-Ham/crew/internal/event"
	"github.com/Iron-Ham/crew/internal/logging"
	"github.com/Iron-Ham/crew/internal/metrics"
	"github.com/Iron-Ham/crew/internal/notify"
	"github.com/Iron-Ham/crew/internal/server"
	"github.com/Iron-Ham/crew/internal/taskgraph"
)

// openStore opens the task store selected by cfg. The returned MemoryStore
// is non-nil when the memory driver is used, so callers can snapshot it.
func openStore(cfg config.StoreConfig, logger *logging.Logger) (taskgraph.Store, *taskgraph.MemoryStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		store, err := taskgraph.OpenSQLite(taskgraph.SQLiteConfig{
			Path:     cfg.Path,
			PoolSize: cfg.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil, nil
	default:
		if cfg.StateDir == "" {
			mem := taskgraph.NewMemoryStore()
			return mem, mem, nil
		}
		mem, err := taskgraph.LoadState(cfg.StateDir)
		if err != nil {
			return nil, nil, fmt.Errorf("load task state: %w", err)
		}
		return mem, mem, nil
	}
}

// runtime is a fully wired coordination engine.
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	hub      *coordination.Hub
	server   *server.Server
	memory   *taskgraph.MemoryStore
	cron     *cron.Cron
}

func newRuntime(cfg *config.Config, logger *logging.Logger) (*runtime, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(registry)

	store, mem, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus(
		event.WithLogger(logger),
		event.WithPendingLimit(cfg.Bus.PendingLimit),
		event.WithObserver(m),
	)
	pipe := notify.NewPipe(
		notify.WithLogger(logger),
		notify.WithBufferLimit(cfg.Notify.BufferLimit),
		notify.WithObserver(m),
	)
	hub, err := coordination.NewHub(coordination.Config{
		Bus:     bus,
		Store:   store,
		Pipe:    pipe,
		Logger:  logger,
		Metrics: m,
	}, coordination.WithRetryAttempts(cfg.Coordination.RetryAttempts))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	srv, err := server.New(server.Config{
		Hub:               hub,
		Gatherer:          registry,
		Logger:            logger,
		HeartbeatInterval: cfg.Notify.HeartbeatInterval,
		WriteTimeout:      cfg.Notify.WriteTimeout,
	})
	if err != nil {
		_ = hub.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		hub:      hub,
		server:   srv,
		memory:   mem,
	}, nil
}

// startSnapshots schedules periodic memory store snapshots. It is a no-op
// unless the memory driver is used with a state dir.
func (r *runtime) startSnapshots() error {
	if r.memory == nil || r.cfg.Store.StateDir == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Store.SnapshotSchedule, r.snapshot); err != nil {
		return fmt.Errorf("schedule snapshots: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("task snapshots scheduled", "dir", r.cfg.Store.StateDir, "schedule", r.cfg.Store.SnapshotSchedule)
	return nil
}

func (r *runtime) snapshot() {
	if err := r.memory.SaveState(r.cfg.Store.StateDir); err != nil {
		r.logger.Error("task snapshot failed", "error", err.Error())
	}
}

// close stops snapshots, writes a final snapshot and releases the store.
func (r *runtime) close() error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.snapshot()
	}
	return r.hub.Close()
}

// start begins event relaying. It stops when ctx is canceled.
func (r *runtime) start(ctx context.Context) error {
	if err := r.hub.Start(ctx); err != nil {
		return err
	}
	return r.startSnapshots()
}
