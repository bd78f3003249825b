package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/taskgraph"
)

const mcpProtocolVersion = "2025-06-18"

// defaultWorkspace is used by tool calls that name no workspace.
const defaultWorkspace = "default"

// toolDescription is one entry of the tools/list result.
type toolDescription struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolArgs holds the arguments of every tool; each tool reads its own.
type toolArgs struct {
	WorkspaceID        string   `json:"workspaceId"`
	Name               string   `json:"name"`
	Role               string   `json:"role"`
	ParentID           string   `json:"parentId"`
	Title              string   `json:"title"`
	Objective          string   `json:"objective"`
	Scope              []string `json:"scope"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Dependencies       []string `json:"dependencies"`
	TaskID             string   `json:"taskId"`
	Status             string   `json:"status"`
	AgentID            string   `json:"agentId"`
}

func (a toolArgs) workspace() string {
	if ws := strings.TrimSpace(a.WorkspaceID); ws != "" {
		return ws
	}
	return defaultWorkspace
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolResult is the tools/call result. Tool failures are reported here with
// IsError set, not as JSON-RPC errors.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type tool struct {
	toolDescription
	// run returns either a string, sent as is, or a value sent as indented
	// JSON.
	run func(ctx context.Context, a toolArgs) (any, error)
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var stringProp = map[string]any{"type": "string"}

func (s *Server) tools() []tool {
	statuses := make([]string, 0, len(taskgraph.Statuses()))
	for _, st := range taskgraph.Statuses() {
		statuses = append(statuses, st.String())
	}
	stringList := map[string]any{"type": "array", "items": stringProp}

	return []tool{
		{
			toolDescription: toolDescription{
				Name:        "list_agents",
				Description: "List the agents registered in a workspace",
				InputSchema: objectSchema(map[string]any{"workspaceId": stringProp}),
			},
			run: func(_ context.Context, a toolArgs) (any, error) {
				return s.hub.ListAgents(a.workspace()), nil
			},
		},
		{
			toolDescription: toolDescription{
				Name:        "create_agent",
				Description: "Register a new agent",
				InputSchema: objectSchema(map[string]any{
					"name":        stringProp,
					"role":        stringProp,
					"parentId":    stringProp,
					"workspaceId": stringProp,
				}, "name", "role"),
			},
			run: s.createAgentTool,
		},
		{
			toolDescription: toolDescription{
				Name:        "list_tasks",
				Description: "List the tasks of a workspace",
				InputSchema: objectSchema(map[string]any{"workspaceId": stringProp}),
			},
			run: func(ctx context.Context, a toolArgs) (any, error) {
				tasks, err := s.hub.Store().ListByWorkspace(ctx, a.workspace())
				return nonNil(tasks), err
			},
		},
		{
			toolDescription: toolDescription{
				Name:        "create_task",
				Description: "Create a new task",
				InputSchema: objectSchema(map[string]any{
					"title":              stringProp,
					"objective":          stringProp,
					"workspaceId":        stringProp,
					"scope":              stringList,
					"acceptanceCriteria": stringList,
					"dependencies":       stringList,
				}, "title", "objective"),
			},
			run: s.createTaskTool,
		},
		{
			toolDescription: toolDescription{
				Name:        "update_task_status",
				Description: "Set a task's status",
				InputSchema: objectSchema(map[string]any{
					"taskId":  stringProp,
					"status":  map[string]any{"type": "string", "enum": statuses},
					"agentId": stringProp,
				}, "taskId", "status", "agentId"),
			},
			run: s.updateTaskStatusTool,
		},
	}
}

func (s *Server) createAgentTool(_ context.Context, a toolArgs) (any, error) {
	if strings.TrimSpace(a.Name) == "" {
		return nil, errors.NewValidationError("name is required").WithField("name")
	}
	if strings.TrimSpace(a.Role) == "" {
		return nil, errors.NewValidationError("role is required").WithField("role")
	}
	rec, err := s.hub.RegisterAgent(uuid.NewString(), a.Name, strings.ToUpper(a.Role), a.ParentID, a.workspace())
	if err != nil {
		return nil, err
	}
	return "Created agent: " + rec.ID, nil
}

func (s *Server) createTaskTool(ctx context.Context, a toolArgs) (any, error) {
	if strings.TrimSpace(a.Title) == "" {
		return nil, errors.NewValidationError("title is required").WithField("title")
	}
	task, err := s.hub.CreateTask(ctx, taskgraph.Task{
		ID:                 uuid.NewString(),
		Title:              a.Title,
		Objective:          a.Objective,
		Scope:              a.Scope,
		AcceptanceCriteria: a.AcceptanceCriteria,
		Dependencies:       a.Dependencies,
		WorkspaceID:        a.workspace(),
	})
	if err != nil {
		return nil, err
	}
	return "Created task: " + task.ID, nil
}

func (s *Server) updateTaskStatusTool(ctx context.Context, a toolArgs) (any, error) {
	if a.TaskID == "" {
		return nil, errors.NewValidationError("taskId is required").WithField("taskId")
	}
	if a.AgentID == "" {
		return nil, errors.NewValidationError("agentId is required").WithField("agentId")
	}
	status := taskgraph.Status(a.Status)
	if !status.Valid() {
		return nil, errors.NewValidationError("unknown status").WithField("status").WithValue(a.Status)
	}
	task, err := s.hub.SetStatus(ctx, a.TaskID, status, a.AgentID)
	if err != nil {
		return nil, err
	}
	return "Updated task " + task.ID + " to " + task.Status.String(), nil
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) mcpMethods() map[string]rpcMethod {
	tools := s.tools()
	byName := make(map[string]tool, len(tools))
	descriptions := make([]toolDescription, 0, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
		descriptions = append(descriptions, t.toolDescription)
	}

	return map[string]rpcMethod{
		"initialize": func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{
				"protocolVersion": mcpProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
				"serverInfo":      map[string]any{"name": "crew-mcp", "version": serverVersion},
			}, nil
		},
		"notifications/initialized": func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		},
		"tools/list": func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"tools": descriptions}, nil
		},
		"tools/call": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params toolCallParams
			if err := decodeParams(raw, &params); err != nil {
				return nil, err
			}
			t, ok := byName[params.Name]
			if !ok {
				return toolError("unknown tool: " + params.Name), nil
			}
			var args toolArgs
			if err := decodeParams(params.Arguments, &args); err != nil {
				return nil, err
			}
			out, err := t.run(ctx, args)
			if err != nil {
				s.logger.Debug("tool call failed", "tool", t.Name, "error", err.Error())
				return toolError(err.Error()), nil
			}
			return toolText(out)
		},
	}
}

func toolText(out any) (toolResult, error) {
	text, ok := out.(string)
	if !ok {
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return toolResult{}, errors.Wrap(err, "encode tool result")
		}
		text = string(b)
	}
	return toolResult{Content: []toolContent{{Type: "text", Text: text}}}, nil
}

func toolError(msg string) toolResult {
	return toolResult{Content: []toolContent{{Type: "text", Text: msg}}, IsError: true}
}

// handleMCP serves MCP JSON-RPC requests: initialize, tools/list and
// tools/call.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	s.serveRPC(w, r, s.mcp)
}
