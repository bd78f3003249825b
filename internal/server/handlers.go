package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Iron-Ham/crew/internal/coordination"
	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/notify"
	"github.com/Iron-Ham/crew/internal/taskgraph"
)

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var rec notify.SessionRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.hub.OpenSession(rec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []notify.SessionRecord
	if ws := r.URL.Query().Get("workspaceId"); ws != "" {
		sessions = s.pipe.SessionsForWorkspace(ws)
	} else {
		sessions = s.pipe.ListSessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.hub.ListAgents(mux.Vars(r)["workspace"])})
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task taskgraph.Task
	if err := decodeJSON(w, r, &task); err != nil {
		s.writeError(w, r, err)
		return
	}
	task.WorkspaceID = mux.Vars(r)["workspace"]
	saved, err := s.hub.CreateTask(r.Context(), task)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ws := mux.Vars(r)["workspace"]
	var (
		tasks []taskgraph.Task
		err   error
	)
	if status := taskgraph.Status(r.URL.Query().Get("status")); status != "" {
		if !status.Valid() {
			s.writeError(w, r, errors.NewValidationError("unknown status").WithField("status").WithValue(status))
			return
		}
		tasks, err = s.hub.Store().ListByStatus(r.Context(), ws, status)
	} else {
		tasks, err = s.hub.Store().ListByWorkspace(r.Context(), ws)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (s *Server) handleReadyTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.hub.ReadyTasks(r.Context(), mux.Vars(r)["workspace"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, r, errors.NewValidationError("path is required").WithField("path"))
		return
	}
	tasks, err := s.hub.ConflictingTasks(r.Context(), mux.Vars(r)["workspace"], path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.hub.Store().Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type delegateRequest struct {
	AgentID   string `json:"agentId"`
	Delegator string `json:"delegator"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.hub.DelegateTask(r.Context(), mux.Vars(r)["id"], req.AgentID, req.Delegator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type reportRequest struct {
	AgentID string           `json:"agentId"`
	Summary string           `json:"summary"`
	Verdict string           `json:"verdict"`
	Report  string           `json:"report"`
	Status  taskgraph.Status `json:"status"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.hub.ReportCompletion(r.Context(), coordination.Report{
		TaskID:  mux.Vars(r)["id"],
		AgentID: req.AgentID,
		Summary: req.Summary,
		Verdict: req.Verdict,
		Report:  req.Report,
		Status:  req.Status,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type statusRequest struct {
	Status taskgraph.Status `json:"status"`
	Actor  string           `json:"actor"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.hub.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status, req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func nonNil(tasks []taskgraph.Task) []taskgraph.Task {
	if tasks == nil {
		return []taskgraph.Task{}
	}
	return tasks
}
