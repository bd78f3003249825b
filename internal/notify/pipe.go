package notify

import (
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/logging"
)

// DefaultBufferLimit bounds each session's pending buffer unless overridden.
const DefaultBufferLimit = 1024

// Transport delivers framed notifications to a connected client.
type Transport interface {
	Send(frame []byte) error
}

// Observer receives pipe activity for metrics.
type Observer interface {
	NotificationDelivered(sessionID string)
	NotificationBuffered(sessionID string)
	NotificationFailed(sessionID string)
	NotificationEvicted(sessionID string, n int)
	TransportAttached(sessionID string)
	TransportDetached(sessionID string)
}

// Pipe buffers notifications per session until a transport is attached and
// then delivers them in push order. For any session, the frames written to
// transports across attach and detach cycles are exactly the pushed
// notifications in call order, except for writes that fail on a dead
// transport, which are dropped.
type Pipe struct {
	mu         sync.Mutex
	sessions   map[string]SessionRecord
	transports map[string]Transport
	buffers    map[string][][]byte
	// delivery holds one lock per session that orders its pushes, flushes
	// and liveness writes. It is taken before mu and held across transport
	// writes, so a stalled transport only holds up its own session.
	delivery map[string]*sync.Mutex

	limit    int
	logger   *logging.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithLogger sets the pipe's logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipe) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithBufferLimit bounds each session's buffer; the oldest frames are
// evicted beyond it. Zero means unbounded.
func WithBufferLimit(n int) Option {
	return func(p *Pipe) {
		if n >= 0 {
			p.limit = n
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Pipe) { p.observer = o }
}

// WithClock overrides the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipe) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipe creates an empty notification pipe.
func NewPipe(opts ...Option) *Pipe {
	p := &Pipe{
		sessions:   make(map[string]SessionRecord),
		transports: make(map[string]Transport),
		buffers:    make(map[string][][]byte),
		delivery:   make(map[string]*sync.Mutex),
		limit:      DefaultBufferLimit,
		logger:     logging.NewWriterLogger(os.Stderr, logging.LevelWarn),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("notify")
	return p
}

// sessionLock returns the delivery lock for a session, creating it on first
// use. Sessions are never removed, so neither are their locks.
func (p *Pipe) sessionLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.delivery[sessionID]
	if !ok {
		l = &sync.Mutex{}
		p.delivery[sessionID] = l
	}
	return l
}

// AttachSSE registers t as the session's transport, replacing any previous
// one, and flushes the session's buffer to it in FIFO order.
func (p *Pipe) AttachSSE(sessionID string, t Transport) error {
	return p.attach(sessionID, t, false)
}

// Connect is AttachSSE preceded by the liveness notification: t receives
// the connected frame first, then the buffered replay.
func (p *Pipe) Connect(sessionID string, t Transport) error {
	return p.attach(sessionID, t, true)
}

func (p *Pipe) attach(sessionID string, t Transport, greet bool) error {
	if sessionID == "" {
		return errors.NewValidationError("session id is required").WithField("sessionId")
	}
	if t == nil {
		return errors.NewValidationError("transport is required").WithField("transport")
	}
	var hello []byte
	if greet {
		frame, err := EncodeFrame(Connected(sessionID))
		if err != nil {
			return err
		}
		hello = frame
	}

	l := p.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	p.mu.Lock()
	_, replaced := p.transports[sessionID]
	p.transports[sessionID] = t
	frames := p.buffers[sessionID]
	delete(p.buffers, sessionID)
	p.mu.Unlock()

	if !replaced && p.observer != nil {
		p.observer.TransportAttached(sessionID)
	}
	p.logger.WithSession(sessionID).Info("transport attached", "flushed", len(frames), "replaced", replaced)

	if hello != nil {
		p.write(sessionID, t, hello)
	}
	for _, frame := range frames {
		p.write(sessionID, t, frame)
	}
	return nil
}

// DetachSSE removes the session's transport. Later notifications are
// buffered again.
func (p *Pipe) DetachSSE(sessionID string) bool {
	p.mu.Lock()
	_, ok := p.transports[sessionID]
	delete(p.transports, sessionID)
	p.mu.Unlock()

	if ok {
		p.detached(sessionID)
	}
	return ok
}

// DetachIf removes the session's transport only if it is still t, so a
// stream that ends after being replaced does not detach its successor.
func (p *Pipe) DetachIf(sessionID string, t Transport) bool {
	p.mu.Lock()
	current, ok := p.transports[sessionID]
	ok = ok && current == t
	if ok {
		delete(p.transports, sessionID)
	}
	p.mu.Unlock()

	if ok {
		p.detached(sessionID)
	}
	return ok
}

func (p *Pipe) detached(sessionID string) {
	if p.observer != nil {
		p.observer.TransportDetached(sessionID)
	}
	p.logger.WithSession(sessionID).Info("transport detached")
}

// Attached reports whether the session currently has a transport.
func (p *Pipe) Attached(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.transports[sessionID]
	return ok
}

// PushNotification delivers n to the session's transport or buffers it
// when none is attached. A failed write is logged and dropped; the
// transport stays registered until detached. Errors are returned only for
// invalid notifications.
func (p *Pipe) PushNotification(n Notification) error {
	if n.SessionID == "" {
		return errors.NewValidationError("session id is required").WithField("sessionId")
	}
	frame, err := EncodeFrame(n)
	if err != nil {
		return err
	}

	l := p.sessionLock(n.SessionID)
	l.Lock()
	defer l.Unlock()

	p.mu.Lock()
	t, attached := p.transports[n.SessionID]
	if !attached {
		evicted := p.bufferLocked(n.SessionID, frame)
		p.mu.Unlock()
		p.buffered(n.SessionID, evicted)
		return nil
	}
	p.mu.Unlock()

	p.write(n.SessionID, t, frame)
	return nil
}

// PushConnected sends the liveness notification if a transport is attached.
// It is never buffered.
func (p *Pipe) PushConnected(sessionID string) bool {
	frame, err := EncodeFrame(Connected(sessionID))
	if err != nil {
		return false
	}

	l := p.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	p.mu.Lock()
	t, attached := p.transports[sessionID]
	p.mu.Unlock()
	if !attached {
		return false
	}
	return p.write(sessionID, t, frame)
}

// Buffered returns the number of frames waiting for the session.
func (p *Pipe) Buffered(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers[sessionID])
}

// bufferLocked appends a frame and returns how many old frames were evicted.
func (p *Pipe) bufferLocked(sessionID string, frame []byte) int {
	buf := append(p.buffers[sessionID], frame)
	evicted := 0
	if p.limit > 0 && len(buf) > p.limit {
		evicted = len(buf) - p.limit
		buf = append(buf[:0:0], buf[evicted:]...)
	}
	p.buffers[sessionID] = buf
	return evicted
}

func (p *Pipe) buffered(sessionID string, evicted int) {
	if p.observer != nil {
		p.observer.NotificationBuffered(sessionID)
	}
	if evicted == 0 {
		return
	}
	p.logger.WithSession(sessionID).Warn("notification buffer full, evicted oldest", "evicted", evicted)
	if p.observer != nil {
		p.observer.NotificationEvicted(sessionID, evicted)
	}
}

// write sends one frame, containing failures.
func (p *Pipe) write(sessionID string, t Transport, frame []byte) bool {
	if err := t.Send(frame); err != nil {
		terr := errors.NewTransportError(sessionID, err)
		p.logger.WithSession(sessionID).Warn("notification dropped", "error", terr.Error())
		if p.observer != nil {
			p.observer.NotificationFailed(sessionID)
		}
		return false
	}
	if p.observer != nil {
		p.observer.NotificationDelivered(sessionID)
	}
	return true
}
