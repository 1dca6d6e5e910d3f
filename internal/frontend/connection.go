// Package frontend implements the client-facing MySQL protocol state
// machine: handshake, mysql_native_password authentication, command
// classification, and the write path back to the client. It drives
// internal/router and internal/scl to turn a single-backend relay into
// a session-modifying-command broadcaster.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydb/mxgateway/internal/auth"
	"github.com/relaydb/mxgateway/internal/backendpool"
	"github.com/relaydb/mxgateway/internal/metrics"
	"github.com/relaydb/mxgateway/internal/router"
	"github.com/relaydb/mxgateway/internal/scl"
	"github.com/relaydb/mxgateway/internal/sessions"
	"github.com/relaydb/mxgateway/internal/users"
	"github.com/relaydb/mxgateway/internal/wire"
)

// State is the per-connection protocol state.
type State int

const (
	StateAllocated State = iota
	StateHandshakeSent
	StateAuthReceived
	StateAuthFailed
	StateIdle
	StateRouting
	StateWaitingResult
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateAuthReceived:
		return "auth_received"
	case StateAuthFailed:
		return "auth_failed"
	case StateIdle:
		return "idle"
	case StateRouting:
		return "routing"
	case StateWaitingResult:
		return "waiting_result"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var nextConnID atomic.Uint32

// Options bundles the collaborators a Connection needs.
type Options struct {
	BackendSpecs []backendpool.Spec
	DialTimeout  time.Duration
	IdleTimeout  time.Duration
	Semantics    scl.Semantics
	Properties   scl.Properties

	Users      users.Repository
	Classifier QueryClassifier
	Router     router.Router

	// DefaultService names the catalog service to query when the client
	// doesn't negotiate a schema; this gateway has no multi-tenant
	// service concept, so one constant name covers every connection
	// unless the client's schema names a different one.
	DefaultService string

	// Registry, when set, tracks this connection for the admin API's
	// session listing. Optional: tests construct Connections without one.
	Registry *sessions.Registry

	// Metrics, when set, records connection/auth/query instrumentation.
	// Optional: tests construct Connections without one.
	Metrics *metrics.Collector
}

// Connection owns one client socket's state machine, driven entirely
// from the goroutine running Serve. state, username, and schema are the
// exception: Info() reads them from whatever goroutine is serving the
// admin API's session listing, so every write to them goes through mu.
type Connection struct {
	id   uint32
	conn net.Conn
	pr   *packetReader
	wq   *writeQueue

	state        State
	scramble     [auth.ScrambleLen]byte
	capabilities uint32
	schema       string
	username     string
	passwordSHA1 []byte

	opts    Options
	pool    *backendpool.Pool
	session *router.RoutingSession
	mu      sync.Mutex // guards session plus every field Info() reads: state, username, schema
}

// setState updates the connection's protocol state under mu, since
// Info() reads it from the admin API's goroutine concurrently with the
// Serve goroutine's own state transitions.
func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NewConnection allocates a Connection for an accepted socket. The
// connection id stands in for the upstream reference's pid-XOR-fd
// value: a process-wide monotonic counter XORed with the process id is
// the idiomatic Go equivalent when no raw fd is available.
func NewConnection(conn net.Conn, opts Options) *Connection {
	id := nextConnID.Add(1) ^ uint32(procID())
	return &Connection{
		id:    id,
		conn:  conn,
		pr:    newPacketReader(conn),
		wq:    newWriteQueue(conn),
		state: StateAllocated,
		opts:  opts,
	}
}

// Serve drives the connection through handshake, authentication, and
// the command loop until the socket closes or a fatal error occurs. It
// always closes conn before returning.
func (c *Connection) Serve(ctx context.Context) error {
	if c.opts.Registry != nil {
		c.opts.Registry.Register(c)
		defer c.opts.Registry.Unregister(c.id)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.ConnectionOpened()
		defer c.opts.Metrics.ConnectionClosed()
	}
	defer c.teardown()

	if err := c.handshake(); err != nil {
		return err
	}
	if err := c.authenticate(); err != nil {
		return err
	}
	if c.getState() != StateIdle {
		return nil
	}
	return c.commandLoop(ctx)
}

func (c *Connection) handshake() error {
	scramble, err := auth.GenScramble()
	if err != nil {
		return fmt.Errorf("frontend: generating scramble: %w", err)
	}
	c.scramble = scramble

	pkt := wire.EncodePacket(0, BuildHandshake(c.id, scramble))
	if _, err := c.conn.Write(pkt); err != nil {
		return fmt.Errorf("frontend: writing handshake: %w", err)
	}
	c.setState(StateHandshakeSent)
	return nil
}

// authenticate reads the client's HandshakeResponse41 and verifies it
// against the user repository. On success it writes OK(seq=2) and
// transitions to Idle; on failure it writes ERR(seq=2), passing through
// AuthFailed to Disconnected, and Serve then returns and closes the socket.
func (c *Connection) authenticate() error {
	pkt, err := c.pr.next()
	if err != nil {
		return fmt.Errorf("frontend: reading handshake response: %w", err)
	}

	hr, err := ParseHandshakeResponse(pkt.Payload)
	if err != nil {
		slog.Warn("malformed handshake response", "conn", c.id, "err", err)
		return err
	}
	c.capabilities = hr.Capabilities
	c.mu.Lock()
	c.username = hr.Username
	c.schema = hr.Schema
	c.mu.Unlock()

	service := c.schema
	if service == "" {
		service = c.opts.DefaultService
	}

	digest, found := c.opts.Users.LookupPasswordSHA1(service, c.username)
	if !found {
		return c.failAuth()
	}

	ok, step2 := auth.VerifyNativePassword(c.scramble, hr.AuthResponse, digest)
	if !ok {
		return c.failAuth()
	}
	c.passwordSHA1 = step2

	if err := c.wq.Write(wire.EncodePacket(2, wire.BuildOK(wire.OK{StatusFlags: wire.StatusAutocommit}))); err != nil {
		return fmt.Errorf("frontend: writing auth OK: %w", err)
	}
	c.setState(StateIdle)
	if c.opts.Metrics != nil {
		c.opts.Metrics.AuthAttempt("ok")
	}
	return nil
}

func (c *Connection) failAuth() error {
	c.setState(StateAuthFailed)
	if c.opts.Metrics != nil {
		c.opts.Metrics.AuthAttempt("denied")
	}
	errPkt := wire.BuildERR(wire.ERR{Code: 1045, SQLState: "28000", Message: "Access denied!"})
	if err := c.wq.Write(wire.EncodePacket(2, errPkt)); err != nil {
		return fmt.Errorf("frontend: writing auth ERR: %w", err)
	}
	c.setState(StateDisconnected)
	return nil
}

// ensureAttached lazily dials and replays every configured backend the
// first time a command needs a routing session, rather than doing it
// eagerly at the Idle transition. This lets a backend-unavailable
// condition surface as an ERR 2003 on the first query instead of
// failing the handshake for a client that might never issue one.
func (c *Connection) ensureAttached(ctx context.Context) (*router.RoutingSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}

	pool := backendpool.New(c.opts.BackendSpecs, c.opts.DialTimeout, c.opts.IdleTimeout)
	session := router.NewRoutingSession(pool, c.opts.Semantics, c.opts.Properties, c.replyToClient, c.passwordSHA1)
	if c.opts.Metrics != nil {
		session.SetMetrics(c.opts.Metrics)
	}
	if err := session.AttachAll(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", errBackendUnavailable, err)
	}
	c.pool = pool
	c.session = session
	if c.opts.Metrics != nil {
		for _, id := range session.LiveBackendIDs() {
			c.opts.Metrics.SetBackendActive(id, true)
		}
	}
	return session, nil
}

var errBackendUnavailable = errors.New("frontend: backend unavailable")

// replyToClient is the router.ReplyFunc a RoutingSession forwards
// canonical replies through.
func (c *Connection) replyToClient(seq byte, payload []byte) error {
	return c.wq.Write(wire.EncodePacket(seq, payload))
}

func (c *Connection) commandLoop(ctx context.Context) error {
	for {
		pkt, err := c.pr.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("frontend: reading command: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		opcode := pkt.Payload[0]

		switch Classify(opcode, pkt.Payload, c.opts.Classifier) {
		case KindQuit:
			c.handleQuit(ctx, pkt.Payload)
			return nil
		case KindSessionModifying:
			if err := c.routeCommand(ctx, pkt.Payload, true); err != nil {
				return err
			}
		default:
			if err := c.routeCommand(ctx, pkt.Payload, false); err != nil {
				return err
			}
		}
	}
}

// handleQuit forwards COM_QUIT to every live backend through the
// router's broadcast path, ignoring the outcome (the broadcast waits for
// each backend to reply or close its side), then lets the caller close
// the socket. Per boundary scenario 6, no OK/ERR reply is ever sent for
// COM_QUIT.
func (c *Connection) handleQuit(ctx context.Context, payload []byte) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	_ = c.opts.Router.RouteQuery(ctx, session, 0, payload, true)
}

// routeCommand dispatches one non-terminal command through the router
// collaborator, surfacing backend-unavailable and replay-divergence
// failures as the matching MySQL error codes.
func (c *Connection) routeCommand(ctx context.Context, payload []byte, sessionModifying bool) error {
	c.setState(StateRouting)
	session, err := c.ensureAttached(ctx)
	if err != nil {
		if errors.Is(err, errBackendUnavailable) {
			errPkt := wire.BuildERR(wire.ERR{Code: 2003, SQLState: "HY000", Message: "Connection to backend lost"})
			c.setState(StateIdle)
			return c.wq.Write(wire.EncodePacket(1, errPkt))
		}
		return err
	}

	c.setState(StateWaitingResult)
	start := time.Now()
	if sessionModifying && c.opts.Metrics != nil && len(payload) > 0 {
		c.opts.Metrics.CommandAppended(payload[0])
	}
	err = c.opts.Router.RouteQuery(ctx, session, 0, payload, sessionModifying)
	c.setState(StateIdle)
	if c.opts.Metrics != nil {
		kind := "query"
		if sessionModifying {
			kind = "session_modifying"
		}
		c.opts.Metrics.QueryCompleted(kind, time.Since(start))
	}
	if err != nil {
		if errors.Is(err, scl.ErrPoisoned) {
			slog.Warn("session poisoned by replay divergence, closing", "conn", c.id)
			if c.opts.Metrics != nil {
				c.opts.Metrics.SessionPoisoned()
			}
			return err
		}
		errPkt := wire.BuildERR(wire.ERR{Code: 2003, SQLState: "HY000", Message: "Connection to backend lost"})
		if werr := c.wq.Write(wire.EncodePacket(1, errPkt)); werr != nil {
			return werr
		}
	}
	return nil
}

// ID returns the connection's identifier, satisfying sessions.Session.
func (c *Connection) ID() uint32 { return c.id }

// Info returns a snapshot of the connection's current state for the
// admin API, satisfying sessions.Session.
func (c *Connection) Info() sessions.Info {
	c.mu.Lock()
	state := c.state
	username := c.username
	schema := c.schema
	session := c.session
	c.mu.Unlock()

	info := sessions.Info{
		ID:       c.id,
		Username: username,
		Schema:   schema,
		State:    state.String(),
	}
	if session != nil {
		info.LiveBackends = session.LiveBackendIDs()
		info.SCLLen = session.SCL().Len()
	}
	return info
}

func (c *Connection) teardown() {
	c.mu.Lock()
	session := c.session
	pool := c.pool
	c.state = StateDisconnected
	c.mu.Unlock()

	if session != nil {
		if c.opts.Metrics != nil {
			for _, id := range session.LiveBackendIDs() {
				c.opts.Metrics.SetBackendActive(id, false)
			}
		}
		session.Close()
	}
	if pool != nil {
		pool.Close()
	}
	c.conn.Close()
}
