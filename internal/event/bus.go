package event

import (
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Iron-Ham/crew/internal/errors"
	"github.com/Iron-Ham/crew/internal/logging"
)

// DefaultPendingLimit bounds each agent's pending queue unless overridden.
const DefaultPendingLimit = 4096

// Handler is a function that handles an event. A returned error is logged
// and counted; it never stops delivery to other consumers.
type Handler func(AgentEvent) error

// Observer receives bus activity for metrics. Implementations must be cheap
// and must not call back into the bus.
type Observer interface {
	EventPublished(kind Kind)
	HandlerFailed(consumer string)
	PendingEvicted(agentID string, n int)
	WaitGroupFired(groupID string)
}

// Subscription registers an agent's interest in a set of event kinds.
// Matching events are appended to the owner's pending queue.
type Subscription struct {
	ID           string
	OwnerAgentID string
	OwnerName    string
	EventTypes   []Kind
	// ExcludeSelf skips events whose origin is the owner.
	ExcludeSelf bool
	// OneShot subscriptions are removed after their first match.
	OneShot     bool
	WaitGroupID string
	// Priority orders delivery within a publish; higher first.
	Priority int
}

// Delivery is one queued event together with the subscription that
// queued it.
type Delivery struct {
	Event          AgentEvent
	SubscriptionID string
	Priority       int
}

// Stats is a point-in-time summary of bus state.
type Stats struct {
	Handlers      int
	Subscriptions int
	WaitGroups    int
	Pending       int
}

type handlerEntry struct {
	id      string
	handler Handler
}

type subEntry struct {
	sub   Subscription
	kinds map[Kind]struct{}
	// pending is set for PreSubscribe registrations.
	pending *Pending
}

func (s *subEntry) matches(e AgentEvent) bool {
	if _, ok := s.kinds[e.Kind]; !ok {
		return false
	}
	return !(s.sub.ExcludeSelf && e.OriginAgentID == s.sub.OwnerAgentID)
}

// Bus is a synchronous in-process event hub. Direct handlers see every
// event; subscriptions buffer matching events per agent for later draining;
// wait groups fire once every expected agent has completed.
//
// All state is guarded by a single mutex. Callbacks run outside the lock,
// so handlers may publish or subscribe re-entrantly.
type Bus struct {
	mu       sync.Mutex
	handlers []handlerEntry
	subs     []*subEntry // registration order
	pending  map[string][]Delivery
	groups   map[string]*waitGroup
	// groupOrder keeps wait-group scans deterministic.
	groupOrder []string

	pendingLimit int
	logger       *logging.Logger
	observer     Observer
	nextID       atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for contained failures.
func WithLogger(l *logging.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithPendingLimit bounds each agent's pending queue. When the bound is
// exceeded the oldest deliveries are evicted. Zero means unbounded.
func WithPendingLimit(n int) BusOption {
	return func(b *Bus) {
		if n >= 0 {
			b.pendingLimit = n
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) BusOption {
	return func(b *Bus) { b.observer = o }
}

// NewBus creates a new event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		pending:      make(map[string][]Delivery),
		groups:       make(map[string]*waitGroup),
		pendingLimit: DefaultPendingLimit,
		logger:       logging.NewWriterLogger(os.Stderr, logging.LevelWarn),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("bus")
	return b
}

// On registers a handler invoked for every published event, in
// registration order. Returns an ID for Off.
func (b *Bus) On(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onLocked(handler)
}

func (b *Bus) onLocked(handler Handler) string {
	id := "h" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.handlers = append(b.handlers, handlerEntry{id: id, handler: handler})
	return id
}

// Off removes a handler. Returns true if it was registered.
func (b *Bus) Off(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offLocked(id)
}

func (b *Bus) offLocked(id string) bool {
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe registers a buffered subscription. An empty ID is replaced with
// a generated one. The returned ID is used for Unsubscribe.
func (b *Bus) Subscribe(sub Subscription) (string, error) {
	entry, err := newSubEntry(sub)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.subscribeLocked(entry); err != nil {
		return "", err
	}
	return entry.sub.ID, nil
}

func newSubEntry(sub Subscription) (*subEntry, error) {
	if sub.OwnerAgentID == "" {
		return nil, errors.NewValidationError("owner agent is required").WithField("ownerAgentId")
	}
	if len(sub.EventTypes) == 0 {
		return nil, errors.NewValidationError("at least one event type is required").WithField("eventTypes")
	}
	kinds := make(map[Kind]struct{}, len(sub.EventTypes))
	for _, k := range sub.EventTypes {
		if !k.Valid() {
			return nil, errors.NewValidationError("unknown event kind").WithField("eventTypes").WithValue(k)
		}
		kinds[k] = struct{}{}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.EventTypes = append([]Kind(nil), sub.EventTypes...)
	return &subEntry{sub: sub, kinds: kinds}, nil
}

func (b *Bus) subscribeLocked(entry *subEntry) error {
	for _, s := range b.subs {
		if s.sub.ID == entry.sub.ID {
			return errors.NewValidationError("subscription already exists").WithField("id").WithValue(entry.sub.ID)
		}
	}
	b.subs = append(b.subs, entry)
	return nil
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribeLocked(id)
}

func (b *Bus) unsubscribeLocked(id string) bool {
	for i, s := range b.subs {
		if s.sub.ID == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Subscriptions returns a snapshot of active subscriptions in registration
// order.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		sub := s.sub
		sub.EventTypes = append([]Kind(nil), s.sub.EventTypes...)
		out = append(out, sub)
	}
	return out
}

// Publish delivers an event. Direct handlers run first in registration
// order. Matching subscriptions then queue the event in priority order,
// one-shot subscriptions that matched are removed, and completion events
// advance wait groups. Failures in handlers and wait-group callbacks are
// contained and logged.
func (b *Bus) Publish(e AgentEvent) {
	b.mu.Lock()
	handlers := make([]handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.EventPublished(e.Kind)
	}

	for _, h := range handlers {
		b.safeCall(h.id, e.Kind, func() error { return h.handler(e) })
	}

	fired := b.route(e)

	for _, g := range fired {
		if b.observer != nil {
			b.observer.WaitGroupFired(g.id)
		}
		if g.onComplete == nil {
			continue
		}
		snap := g.snapshot()
		b.safeCall("waitgroup:"+g.id, e.Kind, func() error {
			g.onComplete(snap)
			return nil
		})
	}
}

// route queues the event for matching subscriptions, drops matched one-shots
// and advances wait groups. It returns the groups that completed.
func (b *Bus) route(e AgentEvent) []*waitGroup {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*subEntry
	var stale []string
	for _, s := range b.subs {
		if !s.matches(e) {
			continue
		}
		// A disposed pending must not deliver, even if Dispose has not
		// unsubscribed it yet.
		if s.pending != nil && !s.pending.claim(e) {
			stale = append(stale, s.sub.ID)
			continue
		}
		matched = append(matched, s)
	}
	for _, id := range stale {
		b.unsubscribeLocked(id)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].sub.Priority > matched[j].sub.Priority
	})

	evicted := make(map[string]int)
	for _, s := range matched {
		owner := s.sub.OwnerAgentID
		q := append(b.pending[owner], Delivery{
			Event:          e,
			SubscriptionID: s.sub.ID,
			Priority:       s.sub.Priority,
		})
		if b.pendingLimit > 0 && len(q) > b.pendingLimit {
			drop := len(q) - b.pendingLimit
			q = append(q[:0:0], q[drop:]...)
			evicted[owner] += drop
		}
		b.pending[owner] = q
	}

	for _, s := range matched {
		if s.sub.OneShot {
			b.unsubscribeLocked(s.sub.ID)
		}
	}

	for owner, n := range evicted {
		b.logger.Warn("pending queue full, evicted oldest events", "agent_id", owner, "evicted", n)
		if b.observer != nil {
			b.observer.PendingEvicted(owner, n)
		}
	}

	if !e.Kind.completionKind() {
		return nil
	}
	return b.completeLocked(e.completingAgent())
}

// safeCall invokes fn and contains any error or panic.
// Panics are logged with stack traces to aid debugging while ensuring
// one misbehaving consumer cannot block delivery to the others.
func (b *Bus) safeCall(consumer string, kind Kind, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(consumer, kind, fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		b.fail(consumer, kind, err, "")
	}
}

func (b *Bus) fail(consumer string, kind Kind, cause error, stack string) {
	err := errors.NewHandlerError(consumer, string(kind), cause)
	args := []any{"error", err.Error()}
	if stack != "" {
		args = append(args, "stack", stack)
	}
	b.logger.Error("event consumer failed", args...)
	if b.observer != nil {
		b.observer.HandlerFailed(consumer)
	}
}

// DrainPendingEvents returns and clears the agent's queued deliveries.
func (b *Bus) DrainPendingEvents(agentID string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.pending[agentID]
	delete(b.pending, agentID)
	return q
}

// PendingCount returns the number of deliveries queued for the agent.
func (b *Bus) PendingCount(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[agentID])
}

// Clear removes all handlers, subscriptions, pending queues and wait groups.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = nil
	b.subs = nil
	b.pending = make(map[string][]Delivery)
	b.groups = make(map[string]*waitGroup)
	b.groupOrder = nil
}

// Stats returns counts of registered consumers and queued deliveries.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, q := range b.pending {
		total += len(q)
	}
	return Stats{
		Handlers:      len(b.handlers),
		Subscriptions: len(b.subs),
		WaitGroups:    len(b.groups),
		Pending:       total,
	}
}
