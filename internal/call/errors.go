package call

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned by [Registry.Create] when the id is taken.
	ErrDuplicateID = errors.New("call: duplicate session id")

	// ErrNotFound is returned by [Registry.Get] for unknown ids.
	ErrNotFound = errors.New("call: session not found")

	// ErrCapacity is returned by [Registry.Create] when the session limit is
	// reached.
	ErrCapacity = errors.New("call: session limit reached")

	// ErrShuttingDown is returned by [Registry.Create] after Shutdown.
	ErrShuttingDown = errors.New("call: registry shutting down")

	// ErrStoppedBeforeStart is returned by [Accept] when the stream ends
	// before a start event arrives.
	ErrStoppedBeforeStart = errors.New("call: stream stopped before start")
)

// ProtocolError reports a telephony peer that kept sending malformed
// messages.
type ProtocolError struct {
	Consecutive int
	Err         error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("call: %d consecutive malformed telephony messages: %v", e.Consecutive, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
