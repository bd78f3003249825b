package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/crew/internal/errors"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// WebSocketTransport sends each notification as one text message holding
// the JSON envelope without event-stream framing.
type WebSocketTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       bool
}

// NewWebSocketTransport wraps an upgraded connection. A non-positive
// timeout uses DefaultWriteTimeout.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketTransport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocketTransport{conn: conn, writeTimeout: writeTimeout}
}

// Send writes the frame's payload as a text message.
func (t *WebSocketTransport) Send(frame []byte) error {
	return t.write(websocket.TextMessage, FramePayload(frame))
}

// Ping writes a ping control message.
func (t *WebSocketTransport) Ping() error {
	return t.write(websocket.PingMessage, nil)
}

// Close sends a close message and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	deadline := time.Now().Add(t.writeTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

func (t *WebSocketTransport) write(messageType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.ErrTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(messageType, data)
}
