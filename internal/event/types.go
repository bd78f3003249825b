package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/crew/internal/errors"
)

// Kind identifies the type of an AgentEvent.
type Kind string

// Agent lifecycle kinds
const (
	KindAgentCreated   Kind = "AGENT_CREATED"
	KindAgentActivated Kind = "AGENT_ACTIVATED"
	KindAgentCompleted Kind = "AGENT_COMPLETED"
	KindAgentError     Kind = "AGENT_ERROR"
)

// Task kinds
const (
	KindTaskAssigned      Kind = "TASK_ASSIGNED"
	KindTaskCompleted     Kind = "TASK_COMPLETED"
	KindTaskFailed        Kind = "TASK_FAILED"
	KindTaskStatusChanged Kind = "TASK_STATUS_CHANGED"
)

// Collaboration kinds
const (
	KindMessageSent      Kind = "MESSAGE_SENT"
	KindReportSubmitted  Kind = "REPORT_SUBMITTED"
	KindWorkspaceUpdated Kind = "WORKSPACE_UPDATED"
)

var allKinds = []Kind{
	KindAgentCreated,
	KindAgentActivated,
	KindAgentCompleted,
	KindAgentError,
	KindTaskAssigned,
	KindTaskCompleted,
	KindTaskFailed,
	KindTaskStatusChanged,
	KindMessageSent,
	KindReportSubmitted,
	KindWorkspaceUpdated,
}

// Kinds returns every event kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// String returns the wire name of the kind.
func (k Kind) String() string { return string(k) }

// completionKind reports whether events of this kind count toward wait groups.
func (k Kind) completionKind() bool {
	return k == KindAgentCompleted || k == KindReportSubmitted
}

// Payload is the kind-specific body of an AgentEvent. Each event kind has
// exactly one payload type; the payload determines the event's kind.
type Payload interface {
	Kind() Kind
}

// AgentEvent is a domain event published on the Bus. It is a value type and
// must not be mutated after publication.
type AgentEvent struct {
	Kind          Kind
	OriginAgentID string
	WorkspaceID   string
	// SessionID, when set, routes the event to one session only instead of
	// every session in the workspace.
	SessionID string
	Payload   Payload
	Timestamp time.Time
}

// New creates an AgentEvent whose kind is taken from the payload.
func New(originAgentID, workspaceID string, payload Payload) (AgentEvent, error) {
	if payload == nil {
		return AgentEvent{}, errors.NewValidationError("payload is required").WithField("payload")
	}
	return NewOf(payload.Kind(), originAgentID, workspaceID, payload)
}

// NewOf creates an AgentEvent of an explicit kind, rejecting payloads of a
// different kind with ErrPayloadMismatch.
func NewOf(kind Kind, originAgentID, workspaceID string, payload Payload) (AgentEvent, error) {
	if !kind.Valid() {
		return AgentEvent{}, errors.NewValidationError("unknown event kind").WithField("kind").WithValue(kind)
	}
	if payload == nil {
		return AgentEvent{}, errors.NewValidationError("payload is required").WithField("payload")
	}
	if payload.Kind() != kind {
		return AgentEvent{}, fmt.Errorf("%w: kind %s, payload %s", errors.ErrPayloadMismatch, kind, payload.Kind())
	}
	return AgentEvent{
		Kind:          kind,
		OriginAgentID: originAgentID,
		WorkspaceID:   workspaceID,
		Payload:       payload,
		Timestamp:     time.Now(),
	}, nil
}

// MustNew is like New but panics on error. Intended for payloads built from
// constants, such as in tests.
func MustNew(originAgentID, workspaceID string, payload Payload) AgentEvent {
	e, err := New(originAgentID, workspaceID, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// ForSession returns a copy of the event routed to a single session.
func (e AgentEvent) ForSession(sessionID string) AgentEvent {
	e.SessionID = sessionID
	return e
}

// completingAgent returns the agent an AGENT_COMPLETED or REPORT_SUBMITTED
// event reports for, falling back to the event origin.
func (e AgentEvent) completingAgent() string {
	switch p := e.Payload.(type) {
	case AgentCompleted:
		if p.AgentID != "" {
			return p.AgentID
		}
	case ReportSubmitted:
		if p.AgentID != "" {
			return p.AgentID
		}
	}
	return e.OriginAgentID
}

type wireEvent struct {
	Type          Kind      `json:"type"`
	OriginAgentID string    `json:"originAgentId"`
	WorkspaceID   string    `json:"workspaceId"`
	SessionID     string    `json:"sessionId,omitempty"`
	Payload       Payload   `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
}

// MarshalJSON encodes the event with camelCase field names.
func (e AgentEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:          e.Kind,
		OriginAgentID: e.OriginAgentID,
		WorkspaceID:   e.WorkspaceID,
		SessionID:     e.SessionID,
		Payload:       e.Payload,
		Timestamp:     e.Timestamp,
	})
}

// -----------------------------------------------------------------------------
// Agent Lifecycle Payloads
// -----------------------------------------------------------------------------

// AgentCreated is published when an agent is registered in a workspace.
type AgentCreated struct {
	AgentID  string `json:"agentId"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	ParentID string `json:"parentId,omitempty"`
}

// AgentActivated is published when an agent starts working.
type AgentActivated struct {
	AgentID string `json:"agentId"`
}

// AgentCompleted is published when an agent finishes. It counts toward any
// wait group expecting the agent.
type AgentCompleted struct {
	AgentID string `json:"agentId"`
	Summary string `json:"summary,omitempty"`
}

// AgentError is published when an agent fails.
type AgentError struct {
	AgentID string `json:"agentId"`
	Error   string `json:"error"`
}

func (AgentCreated) Kind() Kind   { return KindAgentCreated }
func (AgentActivated) Kind() Kind { return KindAgentActivated }
func (AgentCompleted) Kind() Kind { return KindAgentCompleted }
func (AgentError) Kind() Kind     { return KindAgentError }

// -----------------------------------------------------------------------------
// Task Payloads
// -----------------------------------------------------------------------------

// TaskAssigned is published after a task has been delegated to an agent.
type TaskAssigned struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
}

// TaskCompleted is published after a task reached COMPLETED.
type TaskCompleted struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	Summary string `json:"summary,omitempty"`
}

// TaskFailed is published after a task was reported as NEEDS_FIX or BLOCKED.
type TaskFailed struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// TaskStatusChanged is published on every accepted status change.
type TaskStatusChanged struct {
	TaskID string `json:"taskId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func (TaskAssigned) Kind() Kind      { return KindTaskAssigned }
func (TaskCompleted) Kind() Kind     { return KindTaskCompleted }
func (TaskFailed) Kind() Kind        { return KindTaskFailed }
func (TaskStatusChanged) Kind() Kind { return KindTaskStatusChanged }

// -----------------------------------------------------------------------------
// Collaboration Payloads
// -----------------------------------------------------------------------------

// MessageSent carries a direct message between agents.
type MessageSent struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// ReportSubmitted is published when an agent files its completion report.
// It counts toward any wait group expecting the agent.
type ReportSubmitted struct {
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId,omitempty"`
	Summary string `json:"summary,omitempty"`
	Verdict string `json:"verdict,omitempty"`
}

// WorkspaceUpdated is published when workspace-level state changes, e.g. a
// task was created.
type WorkspaceUpdated struct {
	Field string `json:"field"`
	Value string `json:"value,omitempty"`
}

func (MessageSent) Kind() Kind      { return KindMessageSent }
func (ReportSubmitted) Kind() Kind  { return KindReportSubmitted }
func (WorkspaceUpdated) Kind() Kind { return KindWorkspaceUpdated }
