// Package mock provides a scripted [realtime.Dialer] and a fake speech-model
// endpoint for tests.
//
// Every successful Dial creates an in-memory pipe; the client gets one end
// and the test receives the other as an [*Upstream] from [Dialer.Next]:
//
//	d := mock.NewDialer()
//	d.FailNext(2, errors.New("refused"))
//	c := realtime.New(d, ...)
//	go c.Run(ctx)
//	up, _ := d.Next(ctx)
//	_ = up.Ack(ctx) // answers session.update with session.updated
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/callrelay/internal/peer"
	peermock "github.com/MrWong99/callrelay/internal/peer/mock"
)

// Dialer is a scripted dialer. The zero value is not usable; use [NewDialer].
type Dialer struct {
	mu       sync.Mutex
	failures int
	failErr  error
	always   error
	dials    int
	autoAck  bool

	conns chan *Upstream
}

// DialerOption configures a [Dialer].
type DialerOption func(*Dialer)

// WithAutoAck answers the first session.update of every connection with
// session.updated from a background goroutine. [Dialer.Next] then yields the
// connection only after the acknowledgement was sent.
func WithAutoAck() DialerOption {
	return func(d *Dialer) { d.autoAck = true }
}

// NewDialer creates a dialer whose dials succeed until told otherwise.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{conns: make(chan *Upstream, 32)}
	for _, o := range opts {
		o(d)
	}
	return d
}

// FailNext makes the next n dials fail with err.
func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
	d.failErr = err
}

// FailAll makes every subsequent dial fail with err. nil restores success.
func (d *Dialer) FailAll(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.always = err
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements realtime.Dialer.
func (d *Dialer) Dial(ctx context.Context) (peer.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &peer.ConnectError{Target: "mock", Err: err}
	}
	d.mu.Lock()
	d.dials++
	var err error
	switch {
	case d.always != nil:
		err = d.always
	case d.failures > 0:
		d.failures--
		err = d.failErr
		if err == nil {
			err = errors.New("mock: dial refused")
		}
	}
	autoAck := d.autoAck
	d.mu.Unlock()
	if err != nil {
		return nil, &peer.ConnectError{Target: "mock", Err: err}
	}

	local, remote := peermock.Pipe(peer.KindModel)
	up := &Upstream{end: remote}
	if autoAck {
		go func() {
			if err := up.Ack(context.Background()); err == nil {
				d.publish(up)
			}
		}()
	} else {
		d.publish(up)
	}
	return local, nil
}

func (d *Dialer) publish(up *Upstream) {
	select {
	case d.conns <- up:
	default:
		// Nobody is collecting upstreams.
	}
}

// Next waits for the next established connection.
func (d *Dialer) Next(ctx context.Context) (*Upstream, error) {
	select {
	case up := <-d.conns:
		return up, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Upstream is the model side of one connection.
type Upstream struct {
	end *peermock.End
}

// End exposes the underlying pipe end for fault injection.
func (u *Upstream) End() *peermock.End { return u.end }

// Read decodes the next message sent by the client.
func (u *Upstream) Read(ctx context.Context) (map[string]any, error) {
	data, err := u.end.Receive(ctx)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("mock: client sent invalid JSON: %w", err)
	}
	return m, nil
}

// Expect reads until a message of the given type arrives and returns it.
func (u *Upstream) Expect(ctx context.Context, typ string) (map[string]any, error) {
	for {
		m, err := u.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("mock: waiting for %s: %w", typ, err)
		}
		if m["type"] == typ {
			return m, nil
		}
	}
}

// Send encodes v and delivers it to the client.
func (u *Upstream) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return u.end.Send(ctx, data)
}

// SendRaw delivers data to the client unmodified.
func (u *Upstream) SendRaw(ctx context.Context, data []byte) error {
	return u.end.Send(ctx, data)
}

// Ack waits for session.update and answers with session.updated.
func (u *Upstream) Ack(ctx context.Context) error {
	if _, err := u.Expect(ctx, "session.update"); err != nil {
		return err
	}
	return u.Send(ctx, map[string]any{"type": "session.updated"})
}

// Close drops the connection.
func (u *Upstream) Close() error { return u.end.Close() }
