package coordination

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/event"
	"github.com/Iron-Ham/crew/internal/notify"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

// Agent statuses.
const (
	AgentStatusPending   AgentStatus = "PENDING"
	AgentStatusActive    AgentStatus = "ACTIVE"
	AgentStatusCompleted AgentStatus = "COMPLETED"
	AgentStatusError     AgentStatus = "ERROR"
)

// AgentRecord describes a registered agent.
type AgentRecord struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        string      `json:"role,omitempty"`
	ParentID    string      `json:"parentId,omitempty"`
	WorkspaceID string      `json:"workspaceId"`
	Status      AgentStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// RegisterAgent records a new agent in a workspace and announces it.
// Registering a known agent again updates its description but keeps its
// status and creation time.
func (h *Hub) RegisterAgent(agentID, name, role, parentID, workspaceID string) (AgentRecord, error) {
	if err := requireAgent(agentID, workspaceID); err != nil {
		return AgentRecord{}, err
	}

	now := h.now()
	h.agentsMu.Lock()
	rec, ok := h.agents[agentID]
	if !ok {
		rec = AgentRecord{ID: agentID, Status: AgentStatusPending, CreatedAt: now}
	}
	rec.Name = name
	rec.Role = role
	rec.ParentID = parentID
	rec.WorkspaceID = workspaceID
	rec.UpdatedAt = now
	h.agents[agentID] = rec
	h.agentsMu.Unlock()

	h.logger.WithWorkspace(workspaceID).WithAgent(agentID).Info("agent registered", "name", name, "role", role)
	h.publish(parentID, workspaceID, event.AgentCreated{
		AgentID:  agentID,
		Name:     name,
		Role:     role,
		ParentID: parentID,
	})
	return rec, nil
}

// Agent returns a registered agent.
func (h *Hub) Agent(agentID string) (AgentRecord, error) {
	h.agentsMu.Lock()
	defer h.agentsMu.Unlock()
	rec, ok := h.agents[agentID]
	if !ok {
		return AgentRecord{}, fmt.Errorf("%w: %s", errors.ErrAgentNotFound, agentID)
	}
	return rec, nil
}

// ListAgents returns the agents registered in a workspace, oldest first.
func (h *Hub) ListAgents(workspaceID string) []AgentRecord {
	h.agentsMu.Lock()
	out := make([]AgentRecord, 0, len(h.agents))
	for _, rec := range h.agents {
		if rec.WorkspaceID == workspaceID {
			out = append(out, rec)
		}
	}
	h.agentsMu.Unlock()

	slices.SortFunc(out, func(a, b AgentRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// setAgentStatus updates a registered agent. Agents that were never
// registered in the workspace are left untracked.
func (h *Hub) setAgentStatus(agentID, workspaceID string, status AgentStatus) {
	h.agentsMu.Lock()
	defer h.agentsMu.Unlock()
	rec, ok := h.agents[agentID]
	if !ok || rec.WorkspaceID != workspaceID {
		return
	}
	rec.Status = status
	rec.UpdatedAt = h.now()
	h.agents[agentID] = rec
}

// ActivateAgent announces that an agent started working.
func (h *Hub) ActivateAgent(agentID, workspaceID string) error {
	if err := requireAgent(agentID, workspaceID); err != nil {
		return err
	}
	h.setAgentStatus(agentID, workspaceID, AgentStatusActive)
	h.publish(agentID, workspaceID, event.AgentActivated{AgentID: agentID})
	return nil
}

// AgentCompleted announces that an agent finished. It counts toward any
// wait group expecting the agent.
func (h *Hub) AgentCompleted(agentID, workspaceID, summary string) error {
	if err := requireAgent(agentID, workspaceID); err != nil {
		return err
	}
	h.setAgentStatus(agentID, workspaceID, AgentStatusCompleted)
	h.logger.WithWorkspace(workspaceID).WithAgent(agentID).Info("agent completed")
	h.publish(agentID, workspaceID, event.AgentCompleted{AgentID: agentID, Summary: summary})
	return nil
}

// AgentFailed announces that an agent stopped with an error.
func (h *Hub) AgentFailed(agentID, workspaceID string, cause error) error {
	if err := requireAgent(agentID, workspaceID); err != nil {
		return err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	h.setAgentStatus(agentID, workspaceID, AgentStatusError)
	h.logger.WithWorkspace(workspaceID).WithAgent(agentID).Warn("agent failed", "error", msg)
	h.publish(agentID, workspaceID, event.AgentError{AgentID: agentID, Error: msg})
	return nil
}

// SendMessage publishes a direct message between agents.
func (h *Hub) SendMessage(from, to, workspaceID, body string) error {
	if from == "" {
		return errors.NewValidationError("sender is required").WithField("from")
	}
	if to == "" {
		return errors.NewValidationError("recipient is required").WithField("to")
	}
	if workspaceID == "" {
		return errors.NewValidationError("workspace id is required").WithField("workspaceId")
	}
	h.publish(from, workspaceID, event.MessageSent{From: from, To: to, Body: body})
	return nil
}

// OpenSession registers an observer session. A missing ID is generated and a
// zero CreatedAt is set to now.
func (h *Hub) OpenSession(rec notify.SessionRecord) (notify.SessionRecord, error) {
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		if existing, ok := h.pipe.Session(rec.SessionID); ok {
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.CreatedAt = h.now()
		}
	}
	saved, err := h.pipe.UpsertSession(rec)
	if err != nil {
		return notify.SessionRecord{}, err
	}
	h.logger.WithSession(saved.SessionID).WithWorkspace(saved.WorkspaceID).Info("session opened")
	return saved, nil
}

func requireAgent(agentID, workspaceID string) error {
	if agentID == "" {
		return errors.NewValidationError("agent id is required").WithField("agentId")
	}
	if workspaceID == "" {
		return errors.NewValidationError("workspace id is required").WithField("workspaceId")
	}
	return nil
}
