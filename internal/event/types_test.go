package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	crewerrors "github.com/Iron-Ham/crew/internal/errors"
)

func TestKind_Valid(t *testing.T) {
	for _, k := range Kinds() {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if Kind("task.done").Valid() {
		t.Error("unknown kind reported valid")
	}
	if len(Kinds()) != 11 {
		t.Errorf("Kinds() = %d entries, want 11", len(Kinds()))
	}
}

func TestPayloadKinds(t *testing.T) {
	tests := []struct {
		payload Payload
		want    Kind
	}{
		{AgentCreated{}, KindAgentCreated},
		{AgentActivated{}, KindAgentActivated},
		{AgentCompleted{}, KindAgentCompleted},
		{AgentError{}, KindAgentError},
		{TaskAssigned{}, KindTaskAssigned},
		{TaskCompleted{}, KindTaskCompleted},
		{TaskFailed{}, KindTaskFailed},
		{TaskStatusChanged{}, KindTaskStatusChanged},
		{MessageSent{}, KindMessageSent},
		{ReportSubmitted{}, KindReportSubmitted},
		{WorkspaceUpdated{}, KindWorkspaceUpdated},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			e, err := New("a", "ws", tt.payload)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if e.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", e.Kind, tt.want)
			}
			if e.Timestamp.IsZero() {
				t.Error("Timestamp not set")
			}
		})
	}
}

func TestNewOf(t *testing.T) {
	if _, err := NewOf(KindTaskFailed, "a", "ws", TaskCompleted{}); !errors.Is(err, crewerrors.ErrPayloadMismatch) {
		t.Errorf("mismatch error = %v, want ErrPayloadMismatch", err)
	}
	if _, err := New("a", "ws", nil); !errors.Is(err, crewerrors.ErrInvalidInput) {
		t.Errorf("nil payload error = %v, want ErrInvalidInput", err)
	}
	if _, err := NewOf("BOGUS", "a", "ws", TaskCompleted{}); !errors.Is(err, crewerrors.ErrInvalidInput) {
		t.Errorf("unknown kind error = %v, want ErrInvalidInput", err)
	}
}

func TestAgentEvent_MarshalJSON(t *testing.T) {
	e := MustNew("w1", "ws-1", TaskAssigned{TaskID: "t1", AgentID: "w1"})
	e.Timestamp = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := `{"type":"TASK_ASSIGNED","originAgentId":"w1","workspaceId":"ws-1","payload":{"taskId":"t1","agentId":"w1"},"timestamp":"2025-01-02T03:04:05Z"}`
	if string(data) != want {
		t.Errorf("json =\n%s\nwant\n%s", data, want)
	}

	routed, _ := json.Marshal(e.ForSession("s1"))
	if !strings.Contains(string(routed), `"sessionId":"s1"`) {
		t.Errorf("routed event missing sessionId: %s", routed)
	}
}
