// Package mock provides an in-memory implementation of peer.Handle.
//
// Pipe returns two connected ends: what one end sends the other receives.
// Closing either end closes the pipe for both, mirroring a WebSocket close.
// Messages already queued before the close remain readable.
//
// Example:
//
//	local, remote := mock.Pipe(peer.KindTelephony)
//	go relay(local)
//	_ = remote.Send(ctx, []byte(`{"event":"stop"}`))
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callrelay/internal/peer"
)

// bufferSize is the per-direction queue depth of a pipe.
const bufferSize = 256

var _ peer.Handle = (*End)(nil)

// pipe is the state shared by both ends.
type pipe struct {
	closeOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool
}

func (p *pipe) close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
}

// End is one side of a [Pipe].
type End struct {
	kind peer.Kind
	p    *pipe
	in   chan []byte
	out  chan []byte
	seq  atomic.Uint64

	mu        sync.Mutex
	sendErr   error
	sendDelay time.Duration
	lastErr   error
	closes    int
}

// Pipe creates two connected ends tagged with kind.
func Pipe(kind peer.Kind) (*End, *End) {
	p := &pipe{done: make(chan struct{})}
	a := make(chan []byte, bufferSize)
	b := make(chan []byte, bufferSize)
	return &End{kind: kind, p: p, in: a, out: b}, &End{kind: kind, p: p, in: b, out: a}
}

// Kind implements peer.Handle.
func (e *End) Kind() peer.Kind { return e.kind }

// State implements peer.Handle.
func (e *End) State() peer.State {
	if e.p.closed.Load() {
		return peer.StateClosed
	}
	return peer.StateOpen
}

// Seq implements peer.Handle.
func (e *End) Seq() uint64 { return e.seq.Load() }

// Done implements peer.Handle.
func (e *End) Done() <-chan struct{} { return e.p.done }

// LastErr implements peer.Handle.
func (e *End) LastErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// FailSends makes every subsequent Send on this end fail with err. Passing
// nil restores normal behaviour.
func (e *End) FailSends(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendErr = err
}

// DelaySends makes every subsequent Send on this end sleep for d first,
// simulating a slow consumer.
func (e *End) DelaySends(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendDelay = d
}

// CloseCalls returns how many times Close was called on this end.
func (e *End) CloseCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// Send implements peer.Handle.
func (e *End) Send(ctx context.Context, msg []byte) error {
	e.mu.Lock()
	sendErr, delay := e.sendErr, e.sendDelay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &peer.SendError{Kind: e.kind, State: e.State(), Err: ctx.Err()}
		case <-e.p.done:
		}
	}
	if e.p.closed.Load() {
		return &peer.SendError{Kind: e.kind, State: peer.StateClosed, Err: peer.ErrClosed}
	}
	if sendErr != nil {
		e.mu.Lock()
		e.lastErr = sendErr
		e.mu.Unlock()
		return &peer.SendError{Kind: e.kind, State: peer.StateOpen, Err: sendErr}
	}

	cp := append([]byte(nil), msg...)
	select {
	case e.out <- cp:
		e.seq.Add(1)
		return nil
	case <-e.p.done:
		return &peer.SendError{Kind: e.kind, State: peer.StateClosed, Err: peer.ErrClosed}
	case <-ctx.Done():
		return &peer.SendError{Kind: e.kind, State: e.State(), Err: ctx.Err()}
	}
}

// Receive implements peer.Handle. Queued messages are delivered before the
// closure is reported.
func (e *End) Receive(ctx context.Context) ([]byte, error) {
	select {
	case m := <-e.in:
		return m, nil
	default:
	}
	select {
	case m := <-e.in:
		return m, nil
	case <-e.p.done:
		select {
		case m := <-e.in:
			return m, nil
		default:
			return nil, peer.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements peer.Handle. It closes both ends.
func (e *End) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	e.p.close()
	return nil
}
