// Package peer defines the duplex message handle shared by the telephony,
// speech-model and observer connections of a call.
//
// A [Handle] carries opaque message payloads (JSON text frames on the wire)
// and exposes its lifecycle [State] so owners can make routing decisions
// without probing the connection. Every handle has exactly one owner; the
// owner is responsible for calling Close.
//
// [Conn] is the WebSocket implementation built on github.com/coder/websocket.
// The mock sub-package provides an in-memory pipe for tests.
package peer

import (
	"context"
	"errors"
	"fmt"
)

// Kind tags which side of a call a handle belongs to. It only appears in
// logs, metrics and error messages.
type Kind string

const (
	KindTelephony Kind = "telephony"
	KindModel     Kind = "model"
	KindObserver  Kind = "observer"
)

// State is the lifecycle state of a [Handle].
type State int32

const (
	// StateConnecting means the handshake has not completed yet.
	StateConnecting State = iota

	// StateOpen means messages can be sent and received.
	StateOpen

	// StateDraining means Close has started; sends are rejected.
	StateDraining

	// StateClosed means all underlying resources are released.
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Receive once the handle is closed, and wrapped in
// a [SendError] by Send.
var ErrClosed = errors.New("peer: connection closed")

// Handle is one duplex message stream.
//
// Send and Receive may be called concurrently with each other and with
// Close, but Receive must only be called from a single goroutine. Close is
// idempotent and unblocks a pending Receive promptly.
type Handle interface {
	// Kind reports which peer this handle talks to.
	Kind() Kind

	// Send writes one message. It fails with a *SendError when the handle is
	// not [StateOpen].
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until the next message arrives, the connection closes,
	// or ctx is done.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection. Calling it more than once is safe.
	Close() error

	// State returns the current lifecycle state.
	State() State

	// Seq returns the number of messages sent so far. Diagnostics only.
	Seq() uint64

	// LastErr returns the most recent transport error, or nil.
	LastErr() error

	// Done is closed once the handle reaches [StateClosed].
	Done() <-chan struct{}
}

// ConnectError reports a failed handshake or dial.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("peer: connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a write to a handle that is not open or whose transport
// failed mid-write.
type SendError struct {
	Kind  Kind
	State State
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("peer: send to %s (%s): %v", e.Kind, e.State, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
