package scl

import (
	"sync"

	"github.com/relaydb/mxgateway/internal/wire"
)

// SCMD is one entry in the session command journal. It is immutable
// once appended except for the reply-bookkeeping fields below, which
// are guarded by their own mutex so a caller holding a command
// reference never needs the list lock to record a reply.
type SCMD struct {
	id      uint64
	opcode  byte
	payload []byte

	mu               sync.Mutex
	expected         int // backends this command has actually been dispatched to
	nReplied         int
	replySent        bool
	canonicalSet     bool
	canonicalPayload []byte
	canonicalKind    wire.ReplyKind
	allOK            bool
	firstErrPayload  []byte
}

// ID returns the command's monotonically increasing identifier.
func (c *SCMD) ID() uint64 { return c.id }

// Opcode returns the MySQL command opcode this SCMD carries.
func (c *SCMD) Opcode() byte { return c.opcode }

// Payload returns the raw packet payload, safe to send to a backend
// verbatim. Callers must not mutate the returned slice.
func (c *SCMD) Payload() []byte { return c.payload }

// NReplied returns the number of replies counted so far (for
// introspection/metrics; not safe to use for control flow decisions,
// which belong to List.Advance).
func (c *SCMD) NReplied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nReplied
}

// ReplySent reports whether the canonical reply for this command has
// already been determined.
func (c *SCMD) ReplySent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replySent
}
