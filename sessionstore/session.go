// Package sessionstore implements C4 of the protocol engine design: the
// session store that creates, loads, persists, touches, and evicts
// sessions, driving inactivity-based garbage collection (spec.md §4.4).
package sessionstore

import (
	"sync"
	"time"

	"github.com/modelcontext/mcpcore/eventlog"
	"github.com/modelcontext/mcpcore/protocol"
	"github.com/modelcontext/mcpcore/reqmanager"
)

// Session is a live handle over one connection's durable state: its
// negotiated handshake result, its event log, and its outstanding
// outbound requests (spec.md §3).
type Session struct {
	ID        string
	CreatedAt time.Time

	mu             sync.Mutex
	negotiated     *protocol.NegotiatedState
	lastActivityAt time.Time
	logLevel       string

	Log      *eventlog.Log
	Requests *reqmanager.Manager
}

func newSession(id string, createdAt time.Time, log *eventlog.Log, requests *reqmanager.Manager) *Session {
	return &Session{
		ID:             id,
		CreatedAt:      createdAt,
		lastActivityAt: createdAt,
		Log:            log,
		Requests:       requests,
	}
}

// Negotiated returns the handshake state frozen by SetNegotiated, or nil if
// the session hasn't completed initialize yet.
func (s *Session) Negotiated() *protocol.NegotiatedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

// SetNegotiated freezes the handshake result for this session.
func (s *Session) SetNegotiated(n *protocol.NegotiatedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiated = n
}

// LogLevel returns the minimum logging/message severity this session has
// requested via logging/setLevel, or "" if it never called that method.
func (s *Session) LogLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

// SetLogLevel stores the per-session minimum severity requested by
// logging/setLevel (spec.md §4.5's built-in table).
func (s *Session) SetLogLevel(level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLevel = level
}

// LastActivityAt returns max(createdAt, every appended event's occurredAt),
// maintained incrementally per spec.md §3's invariant.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *Session) touchLocked(at time.Time) {
	if at.After(s.lastActivityAt) {
		s.lastActivityAt = at
	}
}

// Touch bumps lastActivityAt to now without appending an event.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked(time.Now())
}

// Append delegates to the session's event log and updates lastActivityAt,
// per spec.md §4.4's "thin delegation to C3 for that session, plus
// lastActivityAt bookkeeping". OccurredAt is stamped here, before
// delegating, rather than left to Log.Append: Log.Append receives ev by
// value, so a stamp it applies internally would never be visible to this
// method's touchLocked call.
func (s *Session) Append(ev eventlog.Event) (int64, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	seq, err := s.Log.Append(ev)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.touchLocked(ev.OccurredAt)
	s.mu.Unlock()
	return seq, nil
}

// snapshot renders the session's durable representation, for a persistence
// backend's SaveOne.
func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	negotiated := s.negotiated
	lastActivityAt := s.lastActivityAt
	s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: lastActivityAt,
		Negotiated:     negotiated,
		Events:         s.Log.Events(),
	}
}

// Snapshot is the durable, backend-agnostic representation of a Session
// (spec.md §6's file body shape, generalized across backends).
type Snapshot struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Negotiated     *protocol.NegotiatedState
	Events         []eventlog.Event
}
