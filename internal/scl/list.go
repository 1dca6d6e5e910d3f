// Package scl implements the session command list (SCL): the ordered,
// append-only journal of session-modifying commands that every attached
// backend must replay in order, with per-backend cursors, reply
// reconciliation, and concurrent append/attach/advance operations.
//
// Lock order is list lock -> cursor lock -> command lock, never upward.
// List mutations (Append, Attach, Detach, eviction) take the list lock
// exclusively; Advance takes the list lock only to resolve a
// cursor/command lookup, then releases it before touching the cursor
// and command locks, so concurrent Advance calls for different cursors
// never serialize on the list lock.
package scl

import (
	"sync"
	"sync/atomic"

	"github.com/relaydb/mxgateway/internal/wire"
)

// List is a SessionCommandList.
type List struct {
	mu      sync.Mutex
	cmds    []*SCMD // retained window, oldest first; cmds[0].id == baseID when non-empty
	baseID  uint64
	nextID  atomic.Uint64 // fetch-add, never regresses even if mu is forgotten
	cursors map[string]*Cursor

	sem   Semantics
	props Properties

	poisoned   bool
	generation uint64 // bumped on every eviction, for introspection only
}

// NewList creates an empty SessionCommandList with the given
// reconciliation semantics and retention properties.
func NewList(sem Semantics, props Properties) *List {
	l := &List{
		cursors: make(map[string]*Cursor),
		sem:     sem,
		props:   props,
	}
	l.nextID.Store(1)
	return l
}

// Append assigns the next id, appends the command, and returns it. It
// fails with ErrCapacityExceeded when Properties.MaxLen is exceeded and
// the retention policy can't (or won't) free a slot.
func (l *List) Append(payload []byte, opcode byte) (*SCMD, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.props.MaxLen > 0 && len(l.cmds) >= l.props.MaxLen {
		switch l.props.OnMlenErr {
		case OnMlenErrDropFirst:
			if !l.evictHead() {
				return nil, ErrCapacityExceeded
			}
		default:
			return nil, ErrCapacityExceeded
		}
	}

	id := l.nextID.Add(1) - 1
	cp := make([]byte, len(payload))
	copy(cp, payload)
	cmd := &SCMD{id: id, opcode: opcode, payload: cp}

	if len(l.cmds) == 0 {
		l.baseID = id
	}
	l.cmds = append(l.cmds, cmd)
	return cmd, nil
}

// Attach creates (or returns the existing) cursor for backendID,
// positioned at the head of the retained list. A cursor that finds
// commands already queued starts in the replaying state and must catch
// up before serving live queries.
func (l *List) Attach(backendID string) *Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.cursors[backendID]; ok {
		return c
	}

	head := l.nextID.Load() // "end": nothing queued yet
	if len(l.cmds) > 0 {
		head = l.baseID
	}
	c := &Cursor{
		BackendID:  backendID,
		pos:        head,
		replaying:  head < l.nextID.Load(),
		generation: l.generation,
	}
	l.cursors[backendID] = c
	return c
}

// LiveCursors returns the attached cursors that are not currently
// replaying, i.e. eligible to receive a freshly appended command
// directly via broadcast dispatch.
func (l *List) LiveCursors() []*Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Cursor, 0, len(l.cursors))
	for _, c := range l.cursors {
		if !c.Replaying() {
			out = append(out, c)
		}
	}
	return out
}

// Detach removes backendID's cursor and runs eviction, since removing a
// cursor can free commands no other cursor still references.
func (l *List) Detach(backendID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.cursors, backendID)
	l.evictEligible()
}

// CommandAt returns the command the cursor is currently positioned at,
// or ok=false if the cursor has caught up to the end of the list.
func (l *List) CommandAt(c *Cursor) (cmd *SCMD, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commandAtLocked(c.Position())
}

func (l *List) commandAtLocked(pos uint64) (*SCMD, bool) {
	if len(l.cmds) == 0 || pos < l.baseID {
		return nil, false
	}
	idx := pos - l.baseID
	if idx >= uint64(len(l.cmds)) {
		return nil, false
	}
	return l.cmds[idx], true
}

// NotifyDispatched records that cmd has actually been sent to c's
// backend, so Advance knows how many replies to expect under
// must_reply=All. Call this once, immediately before writing the
// command's payload to the backend connection.
func (l *List) NotifyDispatched(c *Cursor, cmd *SCMD) {
	cmd.mu.Lock()
	cmd.expected++
	cmd.mu.Unlock()

	c.mu.Lock()
	c.replyExpected = true
	c.mu.Unlock()
}

// AdvanceResult reports the outcome of Advance.
type AdvanceResult struct {
	// ShouldForward is true exactly once per command: when this call is
	// the one that determines the canonical reply for a live (non-replay)
	// cursor. The caller must write CanonicalPayload to the client.
	ShouldForward bool
	CanonicalPayload []byte
	// Poisoned is true if this reply pushed the session into the
	// poisoned state under on_error=Abort. The caller must close the
	// client connection after handling ShouldForward, if set.
	Poisoned bool
	// CaughtUp is true if this was the cursor's last replay step; the
	// backend may now join the live pool.
	CaughtUp bool
}

// Advance records a backend's reply to the command the cursor is
// currently positioned at, updates reconciliation bookkeeping, and
// moves the cursor to the next command.
func (l *List) Advance(c *Cursor, replyPayload []byte) (AdvanceResult, error) {
	l.mu.Lock()
	if l.cursors[c.BackendID] != c {
		l.mu.Unlock()
		return AdvanceResult{}, ErrUnknownCursor
	}
	cmd, ok := l.commandAtLocked(c.Position())
	nextID := l.nextID.Load()
	gen := l.generation
	l.mu.Unlock()
	if !ok {
		return AdvanceResult{}, ErrCursorNotAtCommand
	}

	wasReplaying := c.Replaying()

	res := l.recordReply(cmd, replyPayload, wasReplaying)

	c.mu.Lock()
	c.pos = cmd.id + 1
	c.replyExpected = false
	c.generation = gen
	if c.pos >= nextID {
		c.replaying = false
		res.CaughtUp = wasReplaying
	}
	c.mu.Unlock()

	if res.Poisoned {
		l.mu.Lock()
		l.poisoned = true
		l.mu.Unlock()
	}

	return res, nil
}

// recordReply applies the reply-reconciliation rules to cmd, under
// cmd's own lock. suppressForward is true while the reporting cursor
// is still replaying: resynchronization replies are counted but never
// forwarded to the client.
func (l *List) recordReply(cmd *SCMD, replyPayload []byte, suppressForward bool) AdvanceResult {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()

	kind := wire.ClassifyReply(replyPayload)
	cmd.nReplied++

	divergent := false
	firstReply := false
	switch l.sem.ReplyOn {
	case ReplyOnFirst:
		if !cmd.canonicalSet {
			cmd.canonicalPayload = replyPayload
			cmd.canonicalKind = kind
			cmd.canonicalSet = true
			firstReply = true
		} else if kind == wire.ReplyERR && cmd.canonicalKind != wire.ReplyERR {
			divergent = true
		}
	case ReplyOnLast:
		cmd.canonicalPayload = replyPayload
		cmd.canonicalKind = kind
		cmd.canonicalSet = true
	case ReplyOnAllOk:
		if cmd.nReplied == 1 {
			cmd.allOK = true
		}
		if kind != wire.ReplyOK {
			if cmd.allOK && cmd.firstErrPayload == nil {
				cmd.firstErrPayload = replyPayload
			}
			cmd.allOK = false
		}
	}

	thresholdMet := false
	switch l.sem.MustReply {
	case MustReplyOne:
		thresholdMet = cmd.nReplied >= 1
	case MustReplyAll:
		thresholdMet = cmd.expected > 0 && cmd.nReplied >= cmd.expected
	}

	res := AdvanceResult{}

	justSettled := thresholdMet && !cmd.replySent
	if justSettled {
		cmd.replySent = true
		if l.sem.ReplyOn == ReplyOnAllOk {
			if cmd.allOK {
				cmd.canonicalPayload = wire.BuildOK(wire.OK{StatusFlags: wire.StatusAutocommit})
				cmd.canonicalKind = wire.ReplyOK
			} else {
				cmd.canonicalPayload = cmd.firstErrPayload
				cmd.canonicalKind = wire.ReplyERR
			}
			cmd.canonicalSet = true
		}
	}

	// reply_on=First forwards the first reply as soon as it arrives; the
	// other policies forward once the command settles.
	forwardNow := justSettled
	if l.sem.ReplyOn == ReplyOnFirst {
		forwardNow = firstReply
	}
	if forwardNow && !suppressForward {
		res.ShouldForward = true
		res.CanonicalPayload = cmd.canonicalPayload
	}

	if divergent {
		if l.sem.OnError == OnErrorAbort {
			// Advance records the poisoning under the list lock once cmd's
			// lock is released, keeping the lock order.
			res.Poisoned = true
		}
		// OnErrorDrop: divergent ERR is counted above and otherwise ignored.
	}

	return res
}

// Poisoned reports whether a divergent backend error has poisoned this
// session under on_error=Abort.
func (l *List) Poisoned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poisoned
}

// evictHead evicts the single oldest command if no attached cursor still
// references it. Returns whether a command was evicted. Must be called
// with l.mu held.
func (l *List) evictHead() bool {
	if len(l.cmds) == 0 {
		return false
	}
	if !l.headEvictableLocked() {
		return false
	}
	l.cmds[0] = nil
	l.cmds = l.cmds[1:]
	l.baseID++
	l.generation++
	return true
}

// evictEligible evicts every command from the head that no attached
// cursor still references; no command is ever evicted while any
// cursor references it. Must be called with l.mu held.
func (l *List) evictEligible() {
	for l.evictHead() {
	}
}

func (l *List) headEvictableLocked() bool {
	if len(l.cmds) == 0 {
		return false
	}
	headID := l.cmds[0].id
	for _, c := range l.cursors {
		if c.Position() <= headID {
			return false
		}
	}
	return true
}

// Len returns the number of retained (non-evicted) commands.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cmds)
}

// CursorCount returns the number of attached cursors.
func (l *List) CursorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cursors)
}
