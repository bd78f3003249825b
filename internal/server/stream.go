package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/notify"
)

// sessionFromRequest reads the sessionId query parameter and registers the
// session on first use.
func (s *Server) sessionFromRequest(r *http.Request) (string, error) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	if sessionID == "" {
		return "", errors.NewValidationError("sessionId is required").WithField("sessionId")
	}
	if _, ok := s.pipe.Session(sessionID); !ok {
		if _, err := s.hub.OpenSession(notify.SessionRecord{
			SessionID:   sessionID,
			WorkspaceID: strings.TrimSpace(q.Get("workspaceId")),
			Cwd:         q.Get("cwd"),
		}); err != nil {
			return "", err
		}
	}
	return sessionID, nil
}

// handleSSE attaches an event stream to a session. The connected notice
// comes first, then the buffered replay. The connection then stays open
// until the client goes away, with a heartbeat comment on every interval.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.sessionFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tr, err := notify.NewSSETransport(w, s.writeTimeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log := s.logger.WithSession(sessionID)

	if err := s.pipe.Connect(sessionID, tr); err != nil {
		log.Warn("attach failed", "error", err.Error())
		return
	}
	defer func() {
		s.pipe.DetachIf(sessionID, tr)
		// Waits for an in-flight write before the handler returns.
		_ = tr.Close()
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed by client")
			return
		case <-ticker.C:
			if err := tr.Heartbeat(); err != nil {
				log.Debug("event stream heartbeat failed", "error", err.Error())
				return
			}
		}
	}
}

// handleWebSocket attaches a WebSocket to a session. Inbound messages are
// read and discarded so that control frames are processed and a closed
// connection is noticed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.sessionFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return
	}
	tr := notify.NewWebSocketTransport(conn, s.writeTimeout)
	log := s.logger.WithSession(sessionID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.pipe.Connect(sessionID, tr); err != nil {
		log.Warn("attach failed", "error", err.Error())
		_ = tr.Close()
		return
	}
	defer func() {
		s.pipe.DetachIf(sessionID, tr)
		_ = tr.Close()
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			log.Debug("websocket closed by client")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := tr.Ping(); err != nil {
				log.Debug("websocket ping failed", "error", err.Error())
				return
			}
		}
	}
}
