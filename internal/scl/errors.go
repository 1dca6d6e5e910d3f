package scl

import "errors"

// ErrCapacityExceeded is returned by Append when Properties.MaxLen > 0,
// the list is full, and the retention policy could not (or would not)
// free a slot.
var ErrCapacityExceeded = errors.New("scl: capacity exceeded")

// ErrPoisoned is returned once a session has been marked poisoned by a
// divergent backend error under OnErrorAbort. The protocol handler must
// close the client connection on seeing it.
var ErrPoisoned = errors.New("scl: session poisoned by replay divergence")

// ErrUnknownCursor is returned when a caller passes a Cursor that is not
// currently attached to the list it's being used against.
var ErrUnknownCursor = errors.New("scl: cursor not attached to this list")

// ErrCursorNotAtCommand is returned by Advance when no retained command
// sits at the cursor's position: the cursor has already caught up to the
// end of the list, or the command it pointed at was evicted.
var ErrCursorNotAtCommand = errors.New("scl: cursor is not positioned at the given command")
