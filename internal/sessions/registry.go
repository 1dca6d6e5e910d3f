// Package sessions tracks the set of client connections currently
// being served, for the admin API's GET /sessions endpoint: a register-
// on-accept, unregister-on-close snapshot table, retargeted from a
// tenant map to a live connection registry since this gateway has no
// tenant concept of its own.
package sessions

import "sync"

// Info is a point-in-time snapshot of one client connection's state,
// safe to copy and hand to an HTTP handler.
type Info struct {
	ID           uint32   `json:"id"`
	Username     string   `json:"username"`
	Schema       string   `json:"schema"`
	State        string   `json:"state"`
	LiveBackends []string `json:"live_backends"`
	SCLLen       int      `json:"scl_len"`
}

// Session is implemented by internal/frontend.Connection; kept as an
// interface here so this package never imports frontend.
type Session interface {
	ID() uint32
	Info() Info
}

// Registry is a concurrent-safe set of active sessions.
type Registry struct {
	mu    sync.Mutex
	items map[uint32]Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[uint32]Session)}
}

// Register adds a session, keyed by its connection id.
func (r *Registry) Register(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[s.ID()] = s
}

// Unregister removes a session by id.
func (r *Registry) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

// Snapshot returns Info for every currently registered session.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.items))
	for _, s := range r.items {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Len reports the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
