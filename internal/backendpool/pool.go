package backendpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Spec describes one backend shard a Pool dials against. There is no
// static backend password here: a Dial replays whatever step2 the
// client's own authentication produced, so the backend account's
// credential lives only in the client's session, never in config.
type Spec struct {
	ID       string // e.g. "shard-a"; used as the scl.Cursor BackendID
	Host     string
	Port     int
	Username string
	Schema   string
}

func (s Spec) addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// Pool holds the backend connections for a single routing session's
// shard set. One Pool belongs to exactly one session — there is no
// cross-session sharing, since a backend's SCL replay state is
// session-specific.
type Pool struct {
	mu          sync.Mutex
	specs       map[string]Spec
	conns       map[string]*BackendConn
	dialTimeout time.Duration
	idleTimeout time.Duration

	closed bool
	stopCh chan struct{}
}

// New creates an empty pool for the given backend shard specs.
func New(specs []Spec, dialTimeout, idleTimeout time.Duration) *Pool {
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		m[s.ID] = s
	}
	p := &Pool{
		specs:       m,
		conns:       make(map[string]*BackendConn),
		dialTimeout: dialTimeout,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Specs returns the configured backend shard specs, in no particular
// order; callers that need a stable order should sort by ID.
func (p *Pool) Specs() []Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Spec, 0, len(p.specs))
	for _, s := range p.specs {
		out = append(out, s)
	}
	return out
}

// Dial connects and authenticates a new backend connection for spec,
// replaying step2 (the client's own SHA1(password), captured during the
// client's authentication) as the backend credential. The caller is
// responsible for attaching the resulting connection's ID to the
// session's SCL and driving replay before admitting it live.
func (p *Pool) Dial(ctx context.Context, specID string, step2 []byte) (*BackendConn, error) {
	p.mu.Lock()
	spec, ok := p.specs[specID]
	closed := p.closed
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backendpool: unknown backend %q", specID)
	}
	if closed {
		return nil, fmt.Errorf("backendpool: pool closed")
	}

	dialer := net.Dialer{Timeout: p.dialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", spec.addr())
	if err != nil {
		return nil, fmt.Errorf("backendpool: dialing %s: %w", spec.addr(), err)
	}

	if err := authenticate(conn, spec.Username, step2, spec.Schema); err != nil {
		conn.Close()
		return nil, err
	}

	bc := newBackendConn(spec.ID, conn)
	bc.markActive()

	p.mu.Lock()
	p.conns[spec.ID] = bc
	p.mu.Unlock()

	return bc, nil
}

// Get returns the live connection for a backend id, if any.
func (p *Pool) Get(id string) (*BackendConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bc, ok := p.conns[id]
	return bc, ok
}

// MarkIdle transitions a backend connection to idle once it has caught
// up on replay and is eligible for the reaper's idle-timeout sweep.
func (p *Pool) MarkIdle(id string) {
	p.mu.Lock()
	bc, ok := p.conns[id]
	p.mu.Unlock()
	if ok {
		bc.markIdle()
	}
}

// MarkActive transitions a backend connection back to active, e.g. when
// it is chosen for live dispatch.
func (p *Pool) MarkActive(id string) {
	p.mu.Lock()
	bc, ok := p.conns[id]
	p.mu.Unlock()
	if ok {
		bc.markActive()
	}
}

// Remove closes and forgets a backend connection, e.g. after a socket
// error; the caller must also Detach the matching SCL cursor.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	bc, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if ok {
		bc.Close()
	}
}

// Close closes every backend connection and stops the reaper.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*BackendConn)
	close(p.stopCh)
	p.mu.Unlock()

	for _, bc := range conns {
		bc.Close()
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	if p.idleTimeout <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, bc := range p.conns {
		if bc.IsIdle(p.idleTimeout) {
			bc.Close()
			delete(p.conns, id)
			slog.Info("reaped idle backend connection", "backend", id)
		}
	}
}
