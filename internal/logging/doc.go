// Package logging provides structured logging for crew processes.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation. Every coordination component (event bus, task store,
// notification pipe, hub, HTTP server) takes an optional *Logger; a nil
// logger discards output so tests can skip wiring one.
//
// # Thread Safety
//
// [Logger] is safe for concurrent use. Child loggers created via With*
// methods share the underlying handler and level.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/crew", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	bus := event.NewBus(event.WithLogger(logger.WithComponent("bus")))
//
// # Context Propagation
//
//	sessionLogger := logger.WithSession("sess-abc").WithWorkspace("ws-1")
//	sessionLogger.Info("transport attached", "buffered", 3)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"transport attached","session_id":"sess-abc","workspace_id":"ws-1","buffered":3}
//
// # Level Changes
//
// [Logger.SetLevel] adjusts the level of a logger and all of its children at
// runtime; the config watcher uses it when the config file changes.
package logging
