package notify

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Iron-Ham/crew/internal/errors"
)

const heartbeatFrame = ": heartbeat\n\n"

// SSETransport writes frames to an HTTP event stream.
type SSETransport struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	closed       bool
}

// NewSSETransport prepares w for streaming and writes the event-stream
// headers. Each later write must finish within writeTimeout; a zero
// timeout uses DefaultWriteTimeout. It fails if w cannot flush.
func NewSSETransport(w http.ResponseWriter, writeTimeout time.Duration) (*SSETransport, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("streaming unsupported: %T does not implement http.Flusher", w)
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	t := &SSETransport{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}
	if err := t.rc.Flush(); err != nil {
		return nil, err
	}
	return t, nil
}

// Send writes one frame and flushes it.
func (t *SSETransport) Send(frame []byte) error {
	return t.write(frame)
}

// Heartbeat writes an SSE comment that keeps idle connections open.
func (t *SSETransport) Heartbeat() error {
	return t.write([]byte(heartbeatFrame))
}

// Close marks the transport closed; later writes fail.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *SSETransport) write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.ErrTransportClosed
	}
	// Writers without deadline support (test recorders) write unbounded.
	if err := t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := t.w.Write(p); err != nil {
		return err
	}
	return t.rc.Flush()
}
