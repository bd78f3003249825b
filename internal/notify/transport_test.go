package notify

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	crewerrors "github.com/Iron-Ham/crew/internal/errors"
)

// noFlushWriter hides httptest.ResponseRecorder's Flush method.
type noFlushWriter struct{ http.ResponseWriter }

func TestSSETransport_Headers(t *testing.T) {
	rec := httptest.NewRecorder()
	if _, err := NewSSETransport(rec, 0); err != nil {
		t.Fatalf("NewSSETransport: %v", err)
	}
	for key, want := range map[string]string{
		"Content-Type":  "text/event-stream",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	} {
		if got := rec.Header().Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if !rec.Flushed {
		t.Error("headers were not flushed")
	}
}

func TestSSETransport_RequiresFlusher(t *testing.T) {
	if _, err := NewSSETransport(noFlushWriter{httptest.NewRecorder()}, 0); err == nil {
		t.Fatal("expected error for writer without Flush")
	}
}

func TestSSETransport_SendAndHeartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	tr, err := NewSSETransport(rec, 0)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := EncodeFrame(Connected("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := tr.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	body := rec.Body.String()
	if body != string(frame)+": heartbeat\n\n" {
		t.Errorf("body = %q", body)
	}

	_ = tr.Close()
	if err := tr.Send(frame); !stderrors.Is(err, crewerrors.ErrTransportClosed) {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
}

func TestSSETransport_WriteDeadline(t *testing.T) {
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := NewSSETransport(w, 100*time.Millisecond)
		if err != nil {
			result <- err
			return
		}
		// Far larger than the socket buffers, so the write stalls on a
		// client that never reads.
		result <- tr.Send(make([]byte, 64<<20))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	select {
	case err := <-result:
		if err == nil {
			t.Error("Send to a client that never reads should fail at the deadline")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after its write deadline")
	}
}

func TestWebSocketTransport_SendsEnvelope(t *testing.T) {
	received := make(chan string, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := NewWebSocketTransport(conn, time.Second)
		frame, err := EncodeFrame(Connected("s1"))
		if err == nil {
			_ = tr.Send(frame)
		}
		_ = tr.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
		close(received)
	}()

	select {
	case msg := <-received:
		if !strings.HasPrefix(msg, `{"jsonrpc":"2.0","method":"session/update"`) {
			t.Errorf("message = %q", msg)
		}
		if strings.HasPrefix(msg, "data:") || strings.HasSuffix(msg, "\n") {
			t.Errorf("message kept stream framing: %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
