package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// readLimit bounds a single inbound frame. Realtime audio deltas are larger
// than the library's 32 KiB default.
const readLimit = 1 << 20

var _ Handle = (*Conn)(nil)

// Conn is a [Handle] backed by a WebSocket connection. Messages are sent as
// text frames.
type Conn struct {
	kind Kind
	ws   *websocket.Conn

	state atomic.Int32
	seq   atomic.Uint64

	mu      sync.Mutex
	lastErr error

	closeOnce sync.Once
	done      chan struct{}
}

// DialOptions configures [Dial].
type DialOptions struct {
	// Kind tags the resulting handle. Defaults to [KindModel].
	Kind Kind

	// Header is sent with the upgrade request (e.g. Authorization).
	Header http.Header
}

// Dial opens a client WebSocket to target. The handshake is bounded by ctx.
// Failures are returned as *ConnectError.
func Dial(ctx context.Context, target string, opts DialOptions) (*Conn, error) {
	kind := opts.Kind
	if kind == "" {
		kind = KindModel
	}
	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: opts.Header})
	if err != nil {
		return nil, &ConnectError{Target: target, Err: err}
	}
	return NewConn(kind, ws), nil
}

// Accept upgrades an inbound HTTP request and wraps the connection.
func Accept(w http.ResponseWriter, r *http.Request, kind Kind, opts *websocket.AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("peer: accept %s: %w", kind, err)
	}
	return NewConn(kind, ws), nil
}

// NewConn wraps an established WebSocket. The returned handle is open.
func NewConn(kind Kind, ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimit)
	c := &Conn{
		kind: kind,
		ws:   ws,
		done: make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	return c
}

// Kind implements [Handle].
func (c *Conn) Kind() Kind { return c.kind }

// State implements [Handle].
func (c *Conn) State() State { return State(c.state.Load()) }

// Seq implements [Handle].
func (c *Conn) Seq() uint64 { return c.seq.Load() }

// Done implements [Handle].
func (c *Conn) Done() <-chan struct{} { return c.done }

// LastErr implements [Handle].
func (c *Conn) LastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Send implements [Handle]. The underlying library serialises concurrent
// writers.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if s := c.State(); s != StateOpen {
		return &SendError{Kind: c.kind, State: s, Err: ErrClosed}
	}
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		c.setErr(err)
		return &SendError{Kind: c.kind, State: c.State(), Err: err}
	}
	c.seq.Add(1)
	return nil
}

// Receive implements [Handle]. Any read failure closes the handle; a normal
// closure by either side is reported as [ErrClosed].
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	_, data, err := c.ws.Read(ctx)
	if err == nil {
		return data, nil
	}

	// The library tears the connection down when a read is cancelled, so
	// every error path ends in Closed.
	normal := c.State() != StateOpen || isNormalClosure(err)
	if !normal {
		c.setErr(err)
	}
	_ = c.Close()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if normal {
		return nil, ErrClosed
	}
	return nil, fmt.Errorf("peer: receive from %s: %w", c.kind, errors.Join(ErrClosed, err))
}

// Close implements [Handle].
func (c *Conn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDraining))
		err := c.ws.Close(websocket.StatusNormalClosure, "")
		if err != nil && !isNormalClosure(err) && !errors.Is(err, net.ErrClosed) {
			closeErr = err
		}
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
	return closeErr
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
