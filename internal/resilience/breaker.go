// Package resilience guards calls to outbound HTTP dependencies that function
// handlers rely on.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). While
// open it fails calls immediately with [ErrOpen]. Errors caused by the
// caller's own context being cancelled never count against the upstream.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cool-down elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probes through. One failed probe
	// re-opens the breaker; enough successes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels log lines and health output.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing.
	// Default: 30s.
	CoolDown time.Duration

	// Probes is the number of successful half-open calls required to close.
	// Default: 1.
	Probes int

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
	lastErr   error
}

// NewBreaker creates a [Breaker]. Zero config fields get defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Name returns the configured label.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn if the breaker admits the call. While open it returns an error
// wrapping [ErrOpen] without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	// Cancellation by the caller says nothing about upstream health.
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release(probe)
		return err
	}
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(from, StateHalfOpen)
		}
	}()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
			return false, fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.successes = 0
		b.inFlight = 0
		slog.Info("circuit breaker probing", "name", b.cfg.Name)
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.cfg.Probes {
			return false, fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	to := from

	switch {
	case err != nil:
		b.lastErr = err
		if probe || b.state == StateHalfOpen {
			to = StateOpen
		} else {
			b.failures++
			if b.failures >= b.cfg.MaxFailures {
				to = StateOpen
			}
		}
		if to == StateOpen && from != StateOpen {
			b.openedAt = b.now()
			slog.Warn("circuit breaker opened", "name", b.cfg.Name, "failures", b.failures, "err", err)
		}
	case probe && b.state == StateHalfOpen:
		b.successes++
		if b.inFlight > 0 {
			b.inFlight--
		}
		if b.successes >= b.cfg.Probes {
			to = StateClosed
			slog.Info("circuit breaker closed", "name", b.cfg.Name)
		}
	default:
		b.failures = 0
	}

	if to != from {
		b.state = to
		b.failures = 0
		b.successes = 0
		b.inFlight = 0
		if to == StateClosed {
			b.lastErr = nil
		}
	}
	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// Check reports an error while the breaker is open. It matches the checker
// signature used by the health endpoints.
func (b *Breaker) Check(context.Context) error {
	if b.State() != StateOpen {
		return nil
	}
	b.mu.Lock()
	last := b.lastErr
	b.mu.Unlock()
	if last != nil {
		return fmt.Errorf("%s: %w (last error: %v)", b.cfg.Name, ErrOpen, last)
	}
	return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	b.lastErr = nil
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}
