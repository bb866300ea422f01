// Package sessions tracks multi-turn invocation state per trik. Sessions live
// in process memory, expire after a period of inactivity and keep a bounded
// history window.
package sessions

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trikhub/trikhub/pkg/manifest"
	"github.com/trikhub/trikhub/pkg/trik"
)

// Defaults applied when the manifest's session capabilities leave them unset.
const (
	DefaultMaxDurationMs     = 30 * 60 * 1000
	DefaultMaxHistoryEntries = 20
)

// ErrNotFound is returned when a session id does not resolve to a live
// session.
var ErrNotFound = errors.New("session not found")

// Session is a point-in-time snapshot handed to callers. History is a copy;
// mutating it does not affect the stored session.
type Session struct {
	SessionID    string              `json:"sessionId"`
	TrikID       string              `json:"trikId"`
	CreatedAt    int64               `json:"createdAt"`
	LastActivity int64               `json:"lastActivity"`
	ExpiresAt    int64               `json:"expiresAt"`
	History      []trik.HistoryEntry `json:"history"`
}

// Context converts the snapshot into the view passed to skills.
func (s *Session) Context() *trik.SessionContext {
	return &trik.SessionContext{SessionID: s.SessionID, History: s.History}
}

type record struct {
	sessionID     string
	trikID        string
	createdAt     int64
	lastActivity  int64
	expiresAt     int64
	history       []trik.HistoryEntry
	maxDurationMs int64
	maxHistory    int
}

// Manager owns all live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*record
	now      func() int64
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*record),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Create starts a session for trikID using the manifest's session limits.
func (m *Manager) Create(trikID string, caps *manifest.SessionCaps) *Session {
	now := m.now()
	maxDuration := int64(DefaultMaxDurationMs)
	if caps != nil && caps.MaxDurationMs > 0 {
		maxDuration = caps.MaxDurationMs
	}
	maxHistory := DefaultMaxHistoryEntries
	if caps != nil && caps.MaxHistoryEntries > 0 {
		maxHistory = caps.MaxHistoryEntries
	}
	rec := &record{
		sessionID:     NewSessionID(now),
		trikID:        trikID,
		createdAt:     now,
		lastActivity:  now,
		expiresAt:     now + maxDuration,
		maxDurationMs: maxDuration,
		maxHistory:    maxHistory,
	}

	m.mu.Lock()
	m.sessions[rec.sessionID] = rec
	m.mu.Unlock()

	return rec.snapshot()
}

// Get returns a live session. Resolving a session counts as activity, so the
// inactivity window restarts. Expired sessions are removed and reported as
// missing.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.touchLocked(sessionID)
	if rec == nil {
		return nil, false
	}
	return rec.snapshot(), true
}

// AppendHistory records one successful invocation. The oldest entry is
// dropped once the history exceeds the manifest's limit. Passthrough content
// is never recorded; callers pass only agent-visible data.
func (m *Manager) AppendHistory(sessionID, action string, input, agentData any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.touchLocked(sessionID)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	rec.history = append(rec.history, trik.HistoryEntry{
		Timestamp: m.now(),
		Action:    action,
		Input:     input,
		AgentData: agentData,
	})
	if len(rec.history) > rec.maxHistory {
		rec.history = rec.history[len(rec.history)-rec.maxHistory:]
	}
	return nil
}

// Delete ends a session. Deleting an unknown id is a no-op.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Sweep drops expired sessions and reports how many were removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.sessions {
		if now > rec.expiresAt {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Clear drops every session at gateway shutdown.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.sessions = make(map[string]*record)
	m.mu.Unlock()
}

// touchLocked resolves a live session and restarts its inactivity window.
// Returns nil for unknown or expired ids.
func (m *Manager) touchLocked(sessionID string) *record {
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	now := m.now()
	if now > rec.expiresAt {
		delete(m.sessions, sessionID)
		return nil
	}
	rec.lastActivity = now
	rec.expiresAt = now + rec.maxDurationMs
	return rec
}

func (r *record) snapshot() *Session {
	history := make([]trik.HistoryEntry, len(r.history))
	copy(history, r.history)
	return &Session{
		SessionID:    r.sessionID,
		TrikID:       r.trikID,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
		ExpiresAt:    r.expiresAt,
		History:      history,
	}
}
