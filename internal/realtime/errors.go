package realtime

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by [Client.SendAudio] while no configured
// connection exists. The frame is dropped.
var ErrNotReady = errors.New("realtime: model connection not ready")

// ErrAlreadyRunning is returned by a second concurrent [Client.Run].
var ErrAlreadyRunning = errors.New("realtime: client already running")

var errMissingType = errors.New("missing event type")

// ConfigurationError reports that the model rejected the session
// configuration. It is not retried.
type ConfigurationError struct {
	Code    string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: session configuration rejected (%s): %s", e.Code, e.Message)
	}
	return "realtime: session configuration rejected: " + e.Message
}

// ExhaustedError is returned by [Client.Run] when the connection cannot be
// (re-)established and no retry remains.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("realtime: giving up after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ProtocolError reports too many consecutive malformed upstream messages.
type ProtocolError struct {
	Consecutive int
	Err         error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("realtime: %d consecutive malformed messages, last: %v", e.Consecutive, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
