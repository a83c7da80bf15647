// Package session tracks the live delivery channels of connected users.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darkden-lab/relay/internal/metrics"
	"github.com/darkden-lab/relay/internal/notifications"
)

// Pusher is the transport behind a session.
type Pusher interface {
	// Push hands n to the client. An error means the session is dead.
	Push(ctx context.Context, n notifications.Notification) error
	// Close tears the transport down. It must be safe to call more than once.
	Close()
}

// Session is one live delivery channel bound to a user.
type Session struct {
	ID            string
	UserID        string
	EstablishedAt time.Time

	pusher Pusher

	mu     sync.Mutex
	cursor notifications.Cursor
}

// LastSeenCursor is the highest cursor the client acknowledged.
func (s *Session) LastSeenCursor() notifications.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Push forwards n to the session's transport.
func (s *Session) Push(ctx context.Context, n notifications.Notification) error {
	return s.pusher.Push(ctx, n)
}

// advance moves the cursor forward and reports whether it changed.
func (s *Session) advance(c notifications.Cursor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.After(s.cursor) {
		return false
	}
	s.cursor = c
	return true
}

// Registry maps users to their live sessions. All mutations run under one
// mutex, so concurrent connects and disconnects are linearized.
type Registry struct {
	instanceID string
	presence   Presence
	metrics    *metrics.Metrics
	log        *zap.Logger

	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]map[string]*Session
}

// Option customizes a Registry.
type Option func(*Registry)

// WithPresence mirrors registrations into a shared presence directory.
func WithPresence(p Presence, instanceID string) Option {
	return func(r *Registry) {
		r.presence = p
		r.instanceID = instanceID
	}
}

// WithMetrics reports the active session count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.Logger, opts ...Option) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		log:    log.Named("sessions"),
		byID:   make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a session. A session with the same id is replaced and its
// transport closed; the replaced session is returned.
func (r *Registry) Register(userID, sessionID string, cursor notifications.Cursor, pusher Pusher) (s *Session, replaced *Session) {
	s = &Session{
		ID:            sessionID,
		UserID:        userID,
		EstablishedAt: time.Now().UTC(),
		pusher:        pusher,
		cursor:        cursor,
	}

	r.mu.Lock()
	replaced = r.removeLocked(sessionID)
	r.byID[sessionID] = s
	sessions, ok := r.byUser[userID]
	if !ok {
		sessions = make(map[string]*Session)
		r.byUser[userID] = sessions
	}
	sessions[sessionID] = s
	count := len(r.byID)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(count)
	if replaced != nil {
		r.log.Info("session replaced", zap.String("session_id", sessionID), zap.String("user_id", userID))
		replaced.pusher.Close()
		if replaced.UserID != userID {
			r.presenceRemove(replaced)
		}
	}
	r.presenceAdd(s)
	return s, replaced
}

// Unregister removes a session by id. Removing an absent session is a no-op.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	s := r.removeLocked(sessionID)
	count := len(r.byID)
	r.mu.Unlock()

	if s == nil {
		return false
	}
	r.afterRemove(s, count)
	return true
}

// UnregisterIf removes s only if it is still the registered instance for its
// id, so a stale connection cannot evict the session that replaced it.
func (r *Registry) UnregisterIf(s *Session) bool {
	r.mu.Lock()
	if r.byID[s.ID] != s {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(s.ID)
	count := len(r.byID)
	r.mu.Unlock()

	r.afterRemove(s, count)
	return true
}

func (r *Registry) afterRemove(s *Session, count int) {
	s.pusher.Close()
	r.metrics.SetActiveSessions(count)
	r.presenceRemove(s)
}

func (r *Registry) removeLocked(sessionID string) *Session {
	s, ok := r.byID[sessionID]
	if !ok {
		return nil
	}
	delete(r.byID, sessionID)
	if sessions, ok := r.byUser[s.UserID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	return s
}

// ActiveSessionsFor returns a snapshot of the user's sessions.
func (r *Registry) ActiveSessionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byUser[userID]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// UpdateCursor advances a session's acknowledged cursor. Lower or equal
// cursors and unknown sessions are ignored.
func (r *Registry) UpdateCursor(sessionID string, cursor notifications.Cursor) bool {
	r.mu.RLock()
	s, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return s.advance(cursor)
}

// Get returns the registered session with the given id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CloseAll unregisters every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		all = append(all, s)
	}
	r.byID = make(map[string]*Session)
	r.byUser = make(map[string]map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		r.afterRemove(s, 0)
	}
}

const presenceTimeout = time.Second

func (r *Registry) presenceMember(s *Session) string {
	return r.instanceID + "/" + s.ID
}

// presenceAdd publishes s. Directory writes happen outside the registry lock,
// so a removal of s that raced ahead of the add is repeated here.
func (r *Registry) presenceAdd(s *Session) {
	if r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	r.presence.Add(ctx, s.UserID, r.presenceMember(s))

	r.mu.RLock()
	current := r.byID[s.ID] == s
	r.mu.RUnlock()
	if !current {
		r.presence.Remove(ctx, s.UserID, r.presenceMember(s))
	}
}

// RefreshPresence re-publishes every local session so their directory
// entries do not lapse. Call it more often than the directory TTL.
func (r *Registry) RefreshPresence() {
	if r.presence == nil {
		return
	}
	r.mu.RLock()
	all := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		r.presenceAdd(s)
	}
}

// presenceRemove withdraws s. If a session reusing the id registered for the
// same user in the meantime, its entry is put back.
func (r *Registry) presenceRemove(s *Session) {
	if r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	r.presence.Remove(ctx, s.UserID, r.presenceMember(s))

	r.mu.RLock()
	next, ok := r.byID[s.ID]
	r.mu.RUnlock()
	if ok && next != s && next.UserID == s.UserID {
		r.presence.Add(ctx, next.UserID, r.presenceMember(next))
	}
}
