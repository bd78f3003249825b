package event

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Iron-Ham/crew/internal/errors"
)

// DefaultPreSubscribePriority is used when PreSubscribeOptions.Priority is nil.
const DefaultPreSubscribePriority = 10

// PreSubscribeOptions describes interest registered before triggering the
// action that will emit the awaited event.
type PreSubscribeOptions struct {
	ID         string
	AgentID    string
	AgentName  string
	EventTypes []Kind
	// IncludeSelf also matches events originated by AgentID. The zero value
	// excludes them.
	IncludeSelf bool
	// Priority of the buffered delivery. Nil means DefaultPreSubscribePriority.
	Priority *int
}

type pendingState int

const (
	pendingWaiting pendingState = iota
	pendingResolved
	pendingDisposed
)

// Pending is the handle returned by PreSubscribe. It resolves with the
// first matching event, or closes without a value when disposed.
type Pending struct {
	bus   *Bus
	subID string

	mu    sync.Mutex
	state pendingState
	ch    chan AgentEvent
}

// PreSubscribe registers a one-shot subscription whose first match both
// resolves the returned future and is queued for polling consumers. Both
// happen in the same routing step of Publish, so the future and the
// buffered delivery always carry the same event.
func (b *Bus) PreSubscribe(opts PreSubscribeOptions) (*Pending, error) {
	priority := DefaultPreSubscribePriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	entry, err := newSubEntry(Subscription{
		ID:           id,
		OwnerAgentID: opts.AgentID,
		OwnerName:    opts.AgentName,
		EventTypes:   opts.EventTypes,
		ExcludeSelf:  !opts.IncludeSelf,
		OneShot:      true,
		Priority:     priority,
	})
	if err != nil {
		return nil, err
	}

	p := &Pending{
		bus:   b,
		subID: entry.sub.ID,
		ch:    make(chan AgentEvent, 1),
	}
	entry.pending = p

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.subscribeLocked(entry); err != nil {
		return nil, err
	}
	return p, nil
}

// claim resolves the pending with e. It reports false once the pending has
// been resolved or disposed. Called by route with the bus lock held.
func (p *Pending) claim(e AgentEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pendingWaiting {
		return false
	}
	p.state = pendingResolved
	p.ch <- e
	close(p.ch)
	return true
}

// Done returns a channel that yields the matched event and is then closed.
// If the pending is disposed first, the channel is closed without a value.
func (p *Pending) Done() <-chan AgentEvent {
	return p.ch
}

// Wait blocks until the event arrives or ctx ends. On ctx expiry the
// pending is disposed and ctx.Err() is returned.
func (p *Pending) Wait(ctx context.Context) (AgentEvent, error) {
	select {
	case e, ok := <-p.ch:
		if !ok {
			return AgentEvent{}, errors.ErrCanceled
		}
		return e, nil
	case <-ctx.Done():
		p.Dispose()
		// A resolve may have won the race with Dispose.
		select {
		case e, ok := <-p.ch:
			if ok {
				return e, nil
			}
		default:
		}
		return AgentEvent{}, ctx.Err()
	}
}

// Dispose removes the registration. Disposing before resolution
// guarantees no delivery; disposing afterwards is a no-op.
func (p *Pending) Dispose() {
	p.mu.Lock()
	if p.state != pendingWaiting {
		p.mu.Unlock()
		return
	}
	p.state = pendingDisposed
	close(p.ch)
	p.mu.Unlock()

	p.bus.Unsubscribe(p.subID)
}
