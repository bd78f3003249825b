package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/notify"
)

// defaultRole is reported for sessions opened without a role.
const defaultRole = "CRAFTER"

type sessionParams struct {
	SessionID    string `json:"sessionId"`
	Cwd          string `json:"cwd"`
	WorkspaceID  string `json:"workspaceId"`
	OwnerAgentID string `json:"ownerAgentId"`
	Provider     string `json:"provider"`
	Role         string `json:"role"`
}

type sessionResult struct {
	notify.SessionRecord
	Role string `json:"role"`
}

func requireSessionID(raw json.RawMessage) (string, error) {
	var p sessionParams
	if err := decodeParams(raw, &p); err != nil {
		return "", err
	}
	id := strings.TrimSpace(p.SessionID)
	if id == "" {
		return "", invalidParams("missing sessionId")
	}
	return id, nil
}

// acpMethods maps the ACP session methods onto the hub. Prompting agents is
// left to the agent processes themselves.
func (s *Server) acpMethods() map[string]rpcMethod {
	return map[string]rpcMethod{
		"initialize": func(_ context.Context, raw json.RawMessage) (any, error) {
			var p struct {
				ProtocolVersion int `json:"protocolVersion"`
			}
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			if p.ProtocolVersion == 0 {
				p.ProtocolVersion = 1
			}
			return map[string]any{
				"protocolVersion":   p.ProtocolVersion,
				"agentCapabilities": map[string]any{"loadSession": true},
				"agentInfo":         map[string]any{"name": "crew-acp", "version": serverVersion},
			}, nil
		},
		"session/new": func(_ context.Context, raw json.RawMessage) (any, error) {
			var p sessionParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			rec, err := s.hub.OpenSession(notify.SessionRecord{
				SessionID:    strings.TrimSpace(p.SessionID),
				Cwd:          p.Cwd,
				WorkspaceID:  strings.TrimSpace(p.WorkspaceID),
				OwnerAgentID: p.OwnerAgentID,
				Provider:     p.Provider,
			})
			if err != nil {
				return nil, err
			}
			role := strings.ToUpper(strings.TrimSpace(p.Role))
			if role == "" {
				role = defaultRole
			}
			return sessionResult{SessionRecord: rec, Role: role}, nil
		},
		"session/load": func(_ context.Context, raw json.RawMessage) (any, error) {
			id, err := requireSessionID(raw)
			if err != nil {
				return nil, err
			}
			rec, ok := s.pipe.Session(id)
			if !ok {
				return nil, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
			}
			return rec, nil
		},
		"session/cancel": func(_ context.Context, raw json.RawMessage) (any, error) {
			id, err := requireSessionID(raw)
			if err != nil {
				return nil, err
			}
			// The record stays, so the session can be loaded and streamed again.
			detached := s.pipe.DetachSSE(id)
			s.logger.WithSession(id).Info("session canceled", "detached", detached)
			return map[string]any{"cancelled": true}, nil
		},
	}
}

// handleACP serves ACP JSON-RPC session requests.
func (s *Server) handleACP(w http.ResponseWriter, r *http.Request) {
	s.serveRPC(w, r, s.acp)
}
