// Package session tracks agent sessions reported by hook events.
//
// The registry is a last-write-wins projection: any status may follow any
// other, because hook deliveries for one session can arrive out of order.
// It deliberately does not enforce a transition graph.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	allowAll map[string]struct{}
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		allowAll: make(map[string]struct{}),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrUpdate upserts a session. Only non-empty fields of u overwrite
// recorded values; UpdatedAt is always refreshed.
func (r *Registry) CreateOrUpdate(id string, u Update) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{
			ID:        id,
			Status:    StatusUnknown,
			CreatedAt: now,
		}
		r.sessions[id] = s
		r.log.Info().Str("session_id", id).Msg("new session")
	}
	s.apply(u, !ok)
	s.UpdatedAt = now
	return *s
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// GetByTerminal returns the most recently updated session attached to tty.
func (r *Registry) GetByTerminal(tty string) (Session, bool) {
	if tty == "" {
		return Session{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *Session
	for _, s := range r.sessions {
		if s.TTY != tty {
			continue
		}
		if found == nil || s.UpdatedAt.After(found.UpdatedAt) {
			found = s
		}
	}
	if found == nil {
		return Session{}, false
	}
	return *found, true
}

// List returns every session ordered by creation time.
func (r *Registry) List() []Session {
	return r.filter(func(*Session) bool { return true })
}

// Active returns sessions whose latest status is not ended.
func (r *Registry) Active() []Session {
	return r.filter(func(s *Session) bool { return !s.Ended() })
}

func (r *Registry) WaitingForInput() []Session {
	return r.filter(func(s *Session) bool { return s.Status == StatusWaitingForInput })
}

// Count is the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if !s.Ended() {
			n++
		}
	}
	return n
}

// Remove deletes the session and its allow-all marker.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[id]
	delete(r.sessions, id)
	delete(r.allowAll, id)
	if ok {
		r.log.Info().Str("session_id", id).Msg("session removed")
	}
	return ok
}

// MarkAllowAll auto-approves every future permission request of the session.
func (r *Registry) MarkAllowAll(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.allowAll[id] = struct{}{}
	r.mu.Unlock()
	r.log.Info().Str("session_id", id).Msg("session marked allow-all")
}

func (r *Registry) IsAllowAll(id string) bool {
	if id == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.allowAll[id]
	return ok
}

func (r *Registry) filter(keep func(*Session) bool) []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
