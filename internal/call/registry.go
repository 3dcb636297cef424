package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/internal/backoff"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/peer"
	"github.com/MrWong99/callrelay/internal/realtime"
)

// Settings are the defaults applied to new sessions. They can be replaced at
// runtime with [Registry.SetSettings]; running sessions keep theirs.
type Settings struct {
	Session          realtime.SessionConfig
	Policy           backoff.Policy
	AutoReconnect    bool
	HandshakeTimeout time.Duration
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Session:          realtime.DefaultSessionConfig(),
		Policy:           backoff.Policy{Initial: 2 * time.Second, Max: 60 * time.Second, MaxAttempts: 10},
		AutoReconnect:    true,
		HandshakeTimeout: 10 * time.Second,
	}
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithInvoker sets the function registry handed to every session's client.
func WithInvoker(inv realtime.FunctionInvoker) RegistryOption {
	return func(r *Registry) { r.invoker = inv }
}

// WithSettings sets the initial session defaults.
func WithSettings(s Settings) RegistryOption {
	return func(r *Registry) { r.settings = s }
}

// WithMaxSessions limits concurrent sessions. Zero means unlimited.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.maxSessions = n }
}

// WithMetrics records session metrics on m.
func WithMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the base logger for sessions.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithFanoutOptions applies opts to every observer fanout the registry
// creates.
func WithFanoutOptions(opts ...FanoutOption) RegistryOption {
	return func(r *Registry) { r.fanoutOpts = append(r.fanoutOpts, opts...) }
}

// Registry maps call ids to live sessions. All methods are safe for
// concurrent use.
type Registry struct {
	dialer      realtime.Dialer
	invoker     realtime.FunctionInvoker
	metrics     *observe.Metrics
	log         *slog.Logger
	maxSessions int
	fanoutOpts  []FanoutOption

	// global receives the events of every session.
	global *Fanout

	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	settings Settings
	closed   bool
}

// NewRegistry creates a registry whose sessions dial the speech model
// through d.
func NewRegistry(d realtime.Dialer, opts ...RegistryOption) *Registry {
	r := &Registry{
		dialer:   d,
		sessions: make(map[string]*Session),
		settings: DefaultSettings(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.global = r.newFanout()
	r.base, r.cancel = context.WithCancel(context.Background())
	return r
}

func (r *Registry) newFanout() *Fanout {
	opts := append([]FanoutOption{WithFanoutMetrics(r.metrics), WithFanoutLogger(r.log)}, r.fanoutOpts...)
	return NewFanout(opts...)
}

// Create registers and starts a session for telephony. The session owns the
// handle from now on; on error the handle is left untouched.
func (r *Registry) Create(id string, telephony peer.Handle, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, errors.New("call: empty session id")
	}
	var so sessionOptions
	for _, o := range opts {
		o(&so)
	}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, ErrShuttingDown
	case r.sessions[id] != nil:
		r.mu.Unlock()
		return nil, ErrDuplicateID
	case r.maxSessions > 0 && len(r.sessions) >= r.maxSessions:
		r.mu.Unlock()
		return nil, ErrCapacity
	}
	s, ctx := r.newSession(id, telephony, r.settings, so)
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("call: started", "stream_sid", s.streamSID, "voice", s.client.Config().Voice)
	s.broadcast(realtime.Event{Type: EventCallStarted, CallID: id, Message: s.streamSID})
	go s.run(ctx)
	return s, nil
}

// newSession builds a session and the context its tasks run under.
func (r *Registry) newSession(id string, telephony peer.Handle, set Settings, so sessionOptions) (*Session, context.Context) {
	ctx, cancel := context.WithCancel(observe.WithCallID(r.base, id))
	now := time.Now()
	s := &Session{
		id:           id,
		streamSID:    so.streamSID,
		createdAt:    now,
		lastActivity: now,
		telephony:    telephony,
		registry:     r,
		metrics:      r.metrics,
		log:          r.log.With("call_id", id),
		done:         make(chan struct{}),
		cancel:       cancel,
	}
	s.observers = r.newFanout()

	cfg := set.Session.Clone()
	if so.cfg != nil {
		cfg = *so.cfg
	}
	applyParameters(&cfg, so.params, s.log)

	copts := []realtime.Option{
		realtime.WithPolicy(set.Policy),
		realtime.WithAutoReconnect(set.AutoReconnect),
		realtime.WithSessionConfig(cfg),
		realtime.WithMetrics(r.metrics),
		realtime.WithLogger(s.log),
		realtime.WithStateCallback(s.onClientState),
	}
	if r.invoker != nil {
		copts = append(copts, realtime.WithInvoker(r.invoker))
	}
	if set.HandshakeTimeout > 0 {
		copts = append(copts, realtime.WithHandshakeTimeout(set.HandshakeTimeout))
	}
	s.client = realtime.New(r.dialer, copts...)
	return s, ctx
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove deregisters the session and tears it down. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.End(ReasonEnded)
	}
}

// release is called by a session's teardown.
func (r *Registry) release(s *Session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	r.metrics.ActiveSessions.Add(context.Background(), -1)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of every live session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return infos
}

// Check reports whether the registry can accept another call. It matches
// the checker signature used by the health endpoints.
func (r *Registry) Check(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrShuttingDown
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return fmt.Errorf("%w (%d sessions)", ErrCapacity, len(r.sessions))
	}
	return nil
}

// MaxSessions returns the configured session limit; zero means unlimited.
func (r *Registry) MaxSessions() int { return r.maxSessions }

// Watch attaches an observer to the events of every session.
func (r *Registry) Watch(h peer.Handle) (string, error) {
	return r.global.Add(h)
}

// Unwatch detaches a global observer.
func (r *Registry) Unwatch(id string) { r.global.Remove(id) }

// Observers returns the number of attached global observers.
func (r *Registry) Observers() int { return r.global.Len() }

// Settings returns the defaults applied to new sessions.
func (r *Registry) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.settings
	s.Session = s.Session.Clone()
	return s
}

// SetSettings replaces the defaults for sessions created from now on.
func (r *Registry) SetSettings(s Settings) {
	s.Session = s.Session.Clone()
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
}

// Sweep ends sessions without activity for longer than maxIdle and returns
// how many were ended.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range idle {
		if s.End(ReasonIdle) {
			n++
		}
	}
	if n > 0 {
		r.log.Info("call: swept idle sessions", "count", n, "max_idle", maxIdle)
	}
	return n
}

// RunSweeper calls [Registry.Sweep] every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(maxIdle)
		}
	}
}

// Shutdown refuses new sessions, ends every live one and waits for their
// teardown until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.End(ReasonShutdown)
	}
	var err error
	for _, s := range all {
		if werr := s.Wait(ctx); werr != nil {
			err = werr
			break
		}
	}
	r.cancel()
	r.global.Close(ctx)
	return err
}
