package scl

import "sync"

// Cursor tracks one backend's position in the session command list.
// Created on Attach, destroyed on Detach.
type Cursor struct {
	// BackendID identifies the backend this cursor belongs to; Attach is
	// idempotent per BackendID.
	BackendID string

	mu           sync.Mutex
	pos          uint64 // id of the next command this cursor must process
	replaying    bool   // true until the cursor catches up to the tail
	replyExpected bool  // true between NotifyDispatched and Advance
	generation   uint64 // list generation observed at last position update
}

// Replaying reports whether the cursor is still catching up through the
// backlog. A replaying backend must not serve live queries.
func (c *Cursor) Replaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaying
}

// Position returns the id of the next command this cursor must process,
// for introspection.
func (c *Cursor) Position() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}
