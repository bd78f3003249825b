// Package server exposes the coordination hub over HTTP: observer streams
// (SSE and WebSocket), session registration, task operations, the MCP and
// ACP JSON-RPC endpoints and Prometheus metrics.
package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/crew/internal/coordination"
	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/logging"
	"github.com/Iron-Ham/crew/internal/notify"
)

// DefaultHeartbeatInterval is how often idle streams are kept alive.
const DefaultHeartbeatInterval = 15 * time.Second

// serverVersion is reported by the MCP and ACP initialize methods.
const serverVersion = "0.1.0"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Config holds the dependencies of a Server.
type Config struct {
	Hub *coordination.Hub
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger

	HeartbeatInterval time.Duration
	// WriteTimeout bounds each stream write.
	WriteTimeout time.Duration
}

// Server routes HTTP requests to the hub.
type Server struct {
	hub          *coordination.Hub
	pipe         *notify.Pipe
	gatherer     prometheus.Gatherer
	logger       *logging.Logger
	heartbeat    time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	router       *mux.Router
	mcp          map[string]rpcMethod
	acp          map[string]rpcMethod
}

// New creates a Server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("server: Hub is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	s := &Server{
		hub:          cfg.Hub,
		pipe:         cfg.Hub.Pipe(),
		gatherer:     cfg.Gatherer,
		logger:       logger.WithComponent("server"),
		heartbeat:    heartbeat,
		writeTimeout: cfg.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		router: mux.NewRouter(),
	}
	s.mcp = s.mcpMethods()
	s.acp = s.acpMethods()
	s.setupRoutes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// HTTPServer builds an *http.Server for addr. Only header reads are bounded:
// streams are long-lived and a read or write deadline would cut them off.
func (s *Server) HTTPServer(addr string, readTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Observer streams
	s.router.HandleFunc("/api/acp", s.handleSSE).Methods(http.MethodGet)
	s.router.HandleFunc("/api/acp/ws", s.handleWebSocket).Methods(http.MethodGet)

	// JSON-RPC
	s.router.HandleFunc("/api/acp", s.handleACP).Methods(http.MethodPost)
	s.router.HandleFunc("/api/mcp", s.handleMCP).Methods(http.MethodPost)

	// Sessions
	s.router.HandleFunc("/api/sessions", s.handleCreateSession).Methods(http.MethodPost)
	s.router.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)

	// Tasks and agents
	ws := s.router.PathPrefix("/api/workspaces/{workspace}").Subrouter()
	ws.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	ws.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	ws.HandleFunc("/tasks/ready", s.handleReadyTasks).Methods(http.MethodGet)
	ws.HandleFunc("/conflicts", s.handleConflicts).Methods(http.MethodGet)
	ws.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)

	s.router.HandleFunc("/api/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	task := s.router.PathPrefix("/api/tasks/{id}").Subrouter()
	task.HandleFunc("/delegate", s.handleDelegate).Methods(http.MethodPost)
	task.HandleFunc("/report", s.handleReport).Methods(http.MethodPost)
	task.HandleFunc("/status", s.handleSetStatus).Methods(http.MethodPost)

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"running": s.hub.Running(),
	})
}

// -----------------------------------------------------------------------------
// Responses
// -----------------------------------------------------------------------------

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Retry bool   `json:"retry,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		verr     *errors.ValidationError
		conflict *errors.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Field = verr.Field
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body.Retry = true
	case errors.Is(err, errors.ErrTaskNotFound), errors.Is(err, errors.ErrSessionNotFound), errors.Is(err, errors.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrDependencyCycle), errors.Is(err, errors.ErrInvalidInput):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalidInput, "decode request body: "+err.Error())
	}
	return nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

// statusRecorder captures the response status while still exposing the
// streaming interfaces of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
