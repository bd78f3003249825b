package notify

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/crew/internal/event"
)

const (
	jsonRPCVersion = "2.0"
	methodUpdate   = "session/update"

	framePrefix = "data: "
	frameSuffix = "\n\n"
)

// ConnectedText is the text of the liveness notification sent on attach.
const ConnectedText = "Connected to ACP session."

// Notification is one session update. It is the params object of the
// session/update envelope.
type Notification struct {
	SessionID string `json:"sessionId"`
	Update    any    `json:"update"`
}

type envelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// TextContent is a plain-text content block.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ThoughtChunk is an agent_thought_chunk update.
type ThoughtChunk struct {
	SessionUpdate string      `json:"sessionUpdate"`
	Content       TextContent `json:"content"`
}

// EventUpdate carries a bus event to a session.
type EventUpdate struct {
	SessionUpdate string           `json:"sessionUpdate"`
	Event         event.AgentEvent `json:"event"`
}

// EncodeFrame wraps params in a JSON-RPC session/update envelope and frames
// it for an event stream: "data: <json>\n\n".
func EncodeFrame(params any) ([]byte, error) {
	data, err := json.Marshal(envelope{
		JSONRPC: jsonRPCVersion,
		Method:  methodUpdate,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	frame := make([]byte, 0, len(framePrefix)+len(data)+len(frameSuffix))
	frame = append(frame, framePrefix...)
	frame = append(frame, data...)
	frame = append(frame, frameSuffix...)
	return frame, nil
}

// FramePayload returns the JSON envelope inside a frame produced by
// EncodeFrame.
func FramePayload(frame []byte) []byte {
	frame = bytes.TrimPrefix(frame, []byte(framePrefix))
	return bytes.TrimSuffix(frame, []byte(frameSuffix))
}

// Connected builds the liveness notification for a session.
func Connected(sessionID string) Notification {
	return Notification{
		SessionID: sessionID,
		Update: ThoughtChunk{
			SessionUpdate: "agent_thought_chunk",
			Content:       TextContent{Type: "text", Text: ConnectedText},
		},
	}
}

// FromEvent builds the notification that relays a bus event to a session.
func FromEvent(e event.AgentEvent, sessionID string) Notification {
	return Notification{
		SessionID: sessionID,
		Update: EventUpdate{
			SessionUpdate: "agent_event",
			Event:         e,
		},
	}
}
