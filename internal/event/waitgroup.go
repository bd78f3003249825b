package event

import (
	"sort"

	"github.com/Iron-Ham/crew/internal/errors"
)

// WaitGroupSnapshot is a read-only view of a wait group.
type WaitGroupSnapshot struct {
	ID            string
	ParentAgentID string
	Expected      []string
	Completed     []string
}

// Done reports whether every expected agent has completed.
func (s WaitGroupSnapshot) Done() bool {
	return len(s.Expected) > 0 && len(s.Completed) == len(s.Expected)
}

// waitGroup tracks completion of a set of agents. It is guarded by the
// owning Bus's mutex.
type waitGroup struct {
	id         string
	parent     string
	expected   []string // insertion order
	expectSet  map[string]struct{}
	completed  map[string]struct{}
	onComplete func(WaitGroupSnapshot)
}

func (g *waitGroup) done() bool {
	if len(g.expected) == 0 {
		return false
	}
	for _, id := range g.expected {
		if _, ok := g.completed[id]; !ok {
			return false
		}
	}
	return true
}

func (g *waitGroup) snapshot() WaitGroupSnapshot {
	completed := make([]string, 0, len(g.completed))
	for _, id := range g.expected {
		if _, ok := g.completed[id]; ok {
			completed = append(completed, id)
		}
	}
	return WaitGroupSnapshot{
		ID:            g.id,
		ParentAgentID: g.parent,
		Expected:      append([]string(nil), g.expected...),
		Completed:     completed,
	}
}

// CreateWaitGroup registers a fan-in group. onComplete is invoked exactly
// once, after every expected agent has published AGENT_COMPLETED or
// REPORT_SUBMITTED, and the group is then removed. A group with no
// expected agents stays inert until one is added.
func (b *Bus) CreateWaitGroup(id, parentAgentID string, expected []string, onComplete func(WaitGroupSnapshot)) error {
	if id == "" {
		return errors.NewValidationError("wait group id is required").WithField("id")
	}

	g := &waitGroup{
		id:         id,
		parent:     parentAgentID,
		expectSet:  make(map[string]struct{}, len(expected)),
		completed:  make(map[string]struct{}),
		onComplete: onComplete,
	}
	for _, agentID := range expected {
		if agentID == "" {
			continue
		}
		if _, dup := g.expectSet[agentID]; dup {
			continue
		}
		g.expectSet[agentID] = struct{}{}
		g.expected = append(g.expected, agentID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.groups[id]; exists {
		return errors.Wrapf(errors.ErrWaitGroupExists, "create wait group %s", id)
	}
	b.groups[id] = g
	b.groupOrder = append(b.groupOrder, id)
	return nil
}

// AddToWaitGroup adds an expected agent to an existing group. Returns true
// if the agent was newly added.
func (b *Bus) AddToWaitGroup(groupID, agentID string) bool {
	if agentID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[groupID]
	if !ok {
		return false
	}
	if _, dup := g.expectSet[agentID]; dup {
		return false
	}
	g.expectSet[agentID] = struct{}{}
	g.expected = append(g.expected, agentID)
	return true
}

// WaitGroup returns a snapshot of an active group.
func (b *Bus) WaitGroup(id string) (WaitGroupSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[id]
	if !ok {
		return WaitGroupSnapshot{}, false
	}
	return g.snapshot(), true
}

// WaitGroupIDs returns the IDs of active groups, sorted.
func (b *Bus) WaitGroupIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.groups))
	for id := range b.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveWaitGroup drops a group without firing it.
func (b *Bus) RemoveWaitGroup(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeGroupLocked(id)
}

func (b *Bus) removeGroupLocked(id string) bool {
	if _, ok := b.groups[id]; !ok {
		return false
	}
	delete(b.groups, id)
	for i, gid := range b.groupOrder {
		if gid == id {
			b.groupOrder = append(b.groupOrder[:i:i], b.groupOrder[i+1:]...)
			break
		}
	}
	return true
}

// completeLocked marks agentID complete in every group expecting it and
// removes the groups that became complete, returning them in creation order.
func (b *Bus) completeLocked(agentID string) []*waitGroup {
	if agentID == "" {
		return nil
	}
	var fired []*waitGroup
	for _, id := range append([]string(nil), b.groupOrder...) {
		g := b.groups[id]
		if _, expected := g.expectSet[agentID]; !expected {
			continue
		}
		if _, already := g.completed[agentID]; already {
			continue
		}
		g.completed[agentID] = struct{}{}
		if g.done() {
			b.removeGroupLocked(id)
			fired = append(fired, g)
		}
	}
	return fired
}
