// Package router provides the default Router collaborator: it owns
// backend selection, drives SCL attach/replay for newly dialed
// backends, and round-robins ordinary queries across the live backend
// set. An atomic.Value snapshot holds the live backend list per
// session rather than a shared multi-tenant routing table.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydb/mxgateway/internal/backendpool"
	"github.com/relaydb/mxgateway/internal/scl"
	"github.com/relaydb/mxgateway/internal/wire"
)

// MetricsSink is the subset of internal/metrics.Collector a
// RoutingSession reports instrumentation through. Declared locally so
// router doesn't depend on the metrics package's full surface; a
// *metrics.Collector satisfies this interface structurally.
type MetricsSink interface {
	ReplayCompleted(backend string, d time.Duration)
	CanonicalReplyForwarded(kind string)
}

// Router is the backend-selection collaborator.
type Router interface {
	// RouteQuery delivers one packet to the appropriate backend(s) for
	// session. The router owns backend selection; the caller (the
	// protocol handler) owns command classification.
	RouteQuery(ctx context.Context, session *RoutingSession, seq byte, payload []byte, sessionModifying bool) error
}

// snapshot is an immutable view of a session's live (non-replaying)
// backend rotation, swapped via atomic.Value so RouteQuery never blocks
// on a structural mutation happening concurrently.
type snapshot struct {
	live []string // backend ids eligible for round-robin dispatch
}

// RoutingSession is the fan-out of one client connection to its
// backend shard set.
type RoutingSession struct {
	pool  *backendpool.Pool
	scl   *scl.List
	step2 []byte // the owning client's SHA1(password), replayed to each backend

	snap atomic.Value // *snapshot
	wmu  sync.Mutex   // serializes structural mutation of the snapshot

	rr atomic.Uint64 // round-robin cursor over snap.live

	onReply ReplyFunc
	metrics MetricsSink
}

// SetMetrics attaches a metrics sink for replay-duration and
// canonical-reply instrumentation. Optional; nil is a valid no-op sink.
func (s *RoutingSession) SetMetrics(m MetricsSink) { s.metrics = m }

// ReplyFunc is called by the router with the canonical reply a command
// settled on, for the protocol handler to write to the client.
type ReplyFunc func(seq byte, payload []byte) error

// NewRoutingSession creates a session with no backends yet attached.
// step2 is the owning client's SHA1(password), produced by its own
// authentication; AttachAll replays it against each backend it dials so
// no backend credential ever needs to be configured separately. Call
// AttachAll to dial and replay the pool's configured shards.
func NewRoutingSession(pool *backendpool.Pool, sem scl.Semantics, props scl.Properties, onReply ReplyFunc, step2 []byte) *RoutingSession {
	s := &RoutingSession{
		pool:    pool,
		scl:     scl.NewList(sem, props),
		onReply: onReply,
		step2:   step2,
	}
	s.snap.Store(&snapshot{})
	return s
}

// SCL exposes the session's command list for introspection (admin API,
// metrics) and for the protocol handler's COM_QUIT/close path.
func (s *RoutingSession) SCL() *scl.List { return s.scl }

// LiveBackendIDs returns the backend ids currently in the live
// rotation, for the admin API's session listing.
func (s *RoutingSession) LiveBackendIDs() []string {
	return s.liveIDs()
}

// AttachAll dials every backend in the pool's spec list and replays the
// session's backlog (empty, for a freshly created session) on each
// before admitting it to the live rotation.
func (s *RoutingSession) AttachAll(ctx context.Context) error {
	for _, spec := range s.pool.Specs() {
		if err := s.attachOne(ctx, spec.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *RoutingSession) attachOne(ctx context.Context, backendID string) error {
	if _, err := s.pool.Dial(ctx, backendID, s.step2); err != nil {
		return err
	}
	cursor := s.scl.Attach(backendID)
	start := time.Now()
	if err := s.replay(backendID, cursor); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ReplayCompleted(backendID, time.Since(start))
	}
	s.admitLive(backendID)
	return nil
}

// replay drives a newly attached cursor through the backlog: take the
// command at the cursor, send it, wait for the reply, advance.
// Forwarding to the client is suppressed by List.Advance for as long
// as the cursor reports Replaying.
func (s *RoutingSession) replay(backendID string, cursor *scl.Cursor) error {
	bc, ok := s.pool.Get(backendID)
	if !ok {
		return fmt.Errorf("router: backend %q not connected", backendID)
	}

	for cursor.Replaying() {
		cmd, ok := s.scl.CommandAt(cursor)
		if !ok {
			break
		}
		s.scl.NotifyDispatched(cursor, cmd)
		if _, err := bc.Conn().Write(wire.EncodePacket(0, cmd.Payload())); err != nil {
			return fmt.Errorf("router: replaying command %d to %s: %w", cmd.ID(), backendID, err)
		}
		reply, _, err := readReply(bc)
		if err != nil {
			return fmt.Errorf("router: reading replay reply from %s: %w", backendID, err)
		}
		if _, err := s.scl.Advance(cursor, reply); err != nil {
			return fmt.Errorf("router: advancing replay cursor for %s: %w", backendID, err)
		}
	}
	return nil
}

func (s *RoutingSession) admitLive(backendID string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	cur := s.snap.Load().(*snapshot)
	next := &snapshot{live: append(append([]string(nil), cur.live...), backendID)}
	s.snap.Store(next)
}

func (s *RoutingSession) removeLive(backendID string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	cur := s.snap.Load().(*snapshot)
	out := make([]string, 0, len(cur.live))
	for _, id := range cur.live {
		if id != backendID {
			out = append(out, id)
		}
	}
	s.snap.Store(&snapshot{live: out})
}

// Detach removes a backend from the session entirely (socket error or
// COM_QUIT teardown): the pool connection is closed and the SCL cursor
// is detached, which may cascade-evict commands no other cursor still
// references.
func (s *RoutingSession) Detach(backendID string) {
	s.removeLive(backendID)
	s.scl.Detach(backendID)
	s.pool.Remove(backendID)
}

// Close tears down every attached backend.
func (s *RoutingSession) Close() {
	for _, spec := range s.pool.Specs() {
		s.Detach(spec.ID)
	}
}

func readReply(bc *backendpool.BackendConn) ([]byte, byte, error) {
	hdr := make([]byte, 4)
	if _, err := readFull(bc, hdr); err != nil {
		return nil, 0, err
	}
	length := wire.GetU24LE(hdr[0:3])
	seq := hdr[3]
	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(bc, payload); err != nil {
			return nil, seq, err
		}
	}
	return payload, seq, nil
}

func readFull(bc *backendpool.BackendConn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := bc.Conn().Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// DefaultRouter implements Router by broadcasting session-modifying
// commands to every live backend and round-robining ordinary queries
// across them.
type DefaultRouter struct{}

// NewDefaultRouter returns the stock round-robin Router.
func NewDefaultRouter() *DefaultRouter { return &DefaultRouter{} }

// RouteQuery implements Router.
func (r *DefaultRouter) RouteQuery(ctx context.Context, session *RoutingSession, seq byte, payload []byte, sessionModifying bool) error {
	if sessionModifying {
		return session.broadcast(ctx, payload)
	}
	return session.routeSingle(ctx, payload)
}

func (s *RoutingSession) liveIDs() []string {
	snap := s.snap.Load().(*snapshot)
	return snap.live
}

// broadcast appends a session-modifying command to the SCL and sends
// it to every currently live backend.
func (s *RoutingSession) broadcast(ctx context.Context, payload []byte) error {
	opcode := byte(0)
	if len(payload) > 0 {
		opcode = payload[0]
	}
	cmd, err := s.scl.Append(payload, opcode)
	if err != nil {
		return fmt.Errorf("router: appending session command: %w", err)
	}

	ids := s.liveIDs()
	if len(ids) == 0 {
		return fmt.Errorf("router: no live backends to broadcast to")
	}

	// Backends are visited sequentially, in the same goroutine that owns
	// the client connection, rather than fanned out to per-backend
	// goroutines: the ordering guarantee that the canonical reply for
	// command i is written before any byte of command i+1's reply falls
	// out for free when there is exactly one writer.
	var poisoned error
	for _, id := range ids {
		bc, ok := s.pool.Get(id)
		if !ok {
			continue
		}
		cursor, ok := s.cursorFor(id)
		if !ok {
			continue
		}
		s.scl.NotifyDispatched(cursor, cmd)
		if _, err := bc.Conn().Write(wire.EncodePacket(0, payload)); err != nil {
			slog.Warn("broadcast write failed", "backend", id, "err", err)
			s.Detach(id)
			continue
		}
		reply, _, err := readReply(bc)
		if err != nil {
			slog.Warn("backend reply read failed", "backend", id, "err", err)
			s.Detach(id)
			continue
		}
		res, err := s.scl.Advance(cursor, reply)
		if err != nil {
			slog.Warn("scl advance failed", "backend", id, "err", err)
			continue
		}
		if res.ShouldForward {
			if err := s.forward(1, res.CanonicalPayload); err != nil {
				return err
			}
		}
		if res.Poisoned {
			poisoned = scl.ErrPoisoned
		}
	}
	return poisoned
}

// cursorFor is a thin helper over the SCL's cursor map; the SCL package
// doesn't expose cursors by id directly, so the router tracks them via
// Attach's idempotency (attaching an already-attached backend id is
// cheap and returns the existing cursor).
func (s *RoutingSession) cursorFor(id string) (*scl.Cursor, bool) {
	return s.scl.Attach(id), true
}

// routeSingle round-robins an ordinary query across the live backend
// set and streams the response back to the client, without touching the
// SCL (ordinary queries are not replayed to late-attaching backends).
// No SQL parsing happens beyond the opcode byte, so the result-set
// framing below only tracks packet counts, never column or row
// contents.
func (s *RoutingSession) routeSingle(ctx context.Context, payload []byte) error {
	ids := s.liveIDs()
	if len(ids) == 0 {
		return fmt.Errorf("router: no live backends available")
	}
	idx := s.rr.Add(1) % uint64(len(ids))
	id := ids[idx]

	bc, ok := s.pool.Get(id)
	if !ok {
		return fmt.Errorf("router: backend %q not connected", id)
	}
	if _, err := bc.Conn().Write(wire.EncodePacket(0, payload)); err != nil {
		return fmt.Errorf("router: routing query to %s: %w", id, err)
	}
	return s.streamResultSet(bc, id)
}

// streamResultSet forwards a COM_QUERY response verbatim: either a
// single terminal packet (OK/ERR), or a result set (column count,
// column definitions, an EOF, then rows terminated by another EOF or an
// ERR). CLIENT_DEPRECATE_EOF is not negotiated, so both EOF markers are
// always present.
func (s *RoutingSession) streamResultSet(bc *backendpool.BackendConn, backendID string) error {
	first, seq, err := readReply(bc)
	if err != nil {
		return fmt.Errorf("router: reading reply from %s: %w", backendID, err)
	}
	if err := s.forward(seq, first); err != nil {
		return err
	}
	switch wire.ClassifyReply(first) {
	case wire.ReplyOK, wire.ReplyERR:
		return nil
	}

	colCount, _, err := wire.GetLenEncInt(first, 0)
	if err != nil {
		return fmt.Errorf("router: malformed result-set header from %s: %w", backendID, err)
	}
	for i := uint64(0); i < colCount; i++ {
		pkt, seq, err := readReply(bc)
		if err != nil {
			return fmt.Errorf("router: reading column definition from %s: %w", backendID, err)
		}
		if err := s.forward(seq, pkt); err != nil {
			return err
		}
	}

	if err := s.forwardUntilEOF(bc, backendID); err != nil {
		return err
	}
	return s.forwardUntilEOF(bc, backendID)
}

// forwardUntilEOF relays packets until an EOF or ERR terminator, used
// for both the column-definitions block and the row-data block.
func (s *RoutingSession) forwardUntilEOF(bc *backendpool.BackendConn, backendID string) error {
	for {
		pkt, seq, err := readReply(bc)
		if err != nil {
			return fmt.Errorf("router: reading result-set packet from %s: %w", backendID, err)
		}
		if err := s.forward(seq, pkt); err != nil {
			return err
		}
		switch wire.ClassifyReply(pkt) {
		case wire.ReplyEOF, wire.ReplyERR:
			return nil
		}
	}
}

func (s *RoutingSession) forward(seq byte, payload []byte) error {
	if s.metrics != nil {
		s.metrics.CanonicalReplyForwarded(replyKind(payload))
	}
	if s.onReply == nil {
		return nil
	}
	return s.onReply(seq, payload)
}

func replyKind(payload []byte) string {
	switch wire.ClassifyReply(payload) {
	case wire.ReplyOK:
		return "OK"
	case wire.ReplyERR:
		return "ERR"
	case wire.ReplyEOF:
		return "EOF"
	default:
		return "DATA"
	}
}
