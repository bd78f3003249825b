package notify

import (
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/crew/internal/errors"
)

// SessionRecord describes an observer session. Records are never deleted.
type SessionRecord struct {
	SessionID    string    `json:"sessionId"`
	Cwd          string    `json:"cwd,omitempty"`
	WorkspaceID  string    `json:"workspaceId,omitempty"`
	OwnerAgentID string    `json:"ownerAgentId,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UpsertSession inserts or replaces a session record. A zero CreatedAt is
// filled with the existing record's value, or now for a new session.
func (p *Pipe) UpsertSession(rec SessionRecord) (SessionRecord, error) {
	if strings.TrimSpace(rec.SessionID) == "" {
		return SessionRecord{}, errors.NewValidationError("session id is required").WithField("sessionId")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		if existing, ok := p.sessions[rec.SessionID]; ok {
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.CreatedAt = p.now()
		}
	}
	p.sessions[rec.SessionID] = rec
	return rec, nil
}

// Session returns a session record.
func (p *Pipe) Session(sessionID string) (SessionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.sessions[sessionID]
	return rec, ok
}

// ListSessions returns all sessions, newest first.
func (p *Pipe) ListSessions() []SessionRecord {
	return p.selectSessions(func(SessionRecord) bool { return true })
}

// SessionsForWorkspace returns the sessions observing a workspace, newest
// first.
func (p *Pipe) SessionsForWorkspace(workspaceID string) []SessionRecord {
	return p.selectSessions(func(r SessionRecord) bool { return r.WorkspaceID == workspaceID })
}

func (p *Pipe) selectSessions(keep func(SessionRecord) bool) []SessionRecord {
	p.mu.Lock()
	out := make([]SessionRecord, 0, len(p.sessions))
	for _, rec := range p.sessions {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}
