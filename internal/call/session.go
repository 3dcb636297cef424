// Package call binds the three peers of a phone call together.
//
// A [Session] owns the telephony handle, one speech-model [realtime.Client]
// and a [Fanout] of observers. It runs four tasks joined in an errgroup:
//
//	telephony → model      caller audio, marks, DTMF, stop
//	model → telephony      response audio, marks, clear
//	model → observers      status, transcripts, function calls, errors
//	client                 the speech-model connection loop
//
// A [Registry] maps call ids to sessions. Sessions deregister themselves
// when they end.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/peer"
	"github.com/MrWong99/callrelay/internal/realtime"
)

// MalformedThreshold is the number of consecutive malformed telephony
// messages tolerated before the call is torn down.
const MalformedThreshold = 5

// closeTimeout bounds the final telephony clear and observer flush.
const closeTimeout = 2 * time.Second

// Observer event types emitted by the session itself.
const (
	EventCallStarted = "call_started"
	EventCallEnded   = "call_ended"
)

// End reasons reported in call_ended events and metrics.
const (
	ReasonCallerHangup     = "caller_hangup"
	ReasonTelephonyClosed  = "telephony_closed"
	ReasonTelephonyError   = "telephony_error"
	ReasonModelUnavailable = "model_unavailable"
	ReasonConfigRejected   = "configuration_rejected"
	ReasonEnded            = "ended"
	ReasonIdle             = "idle"
	ReasonShutdown         = "shutdown"
)

// State is the lifecycle state of a [Session].
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateReconnecting
	StateClosing
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is a point-in-time description of a session.
type Info struct {
	ID           string                  `json:"id"`
	StreamSID    string                  `json:"stream_sid,omitempty"`
	State        string                  `json:"state"`
	ModelState   string                  `json:"model_state"`
	CreatedAt    time.Time               `json:"created_at"`
	LastActivity time.Time               `json:"last_activity"`
	Observers    int                     `json:"observers"`
	PendingMarks int                     `json:"pending_marks"`
	Voice        string                  `json:"voice"`
	Reconnect    realtime.ReconnectState `json:"reconnect"`
}

// Session relays one call. Create sessions through [Registry.Create].
type Session struct {
	id        string
	streamSID string
	createdAt time.Time

	telephony peer.Handle
	client    *realtime.Client
	observers *Fanout
	registry  *Registry

	metrics *observe.Metrics
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        State
	reason       string
	lastActivity time.Time
	pendingMarks int
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a session created by [Registry.Create].
type Option func(*sessionOptions)

type sessionOptions struct {
	streamSID string
	params    map[string]string
	cfg       *realtime.SessionConfig
}

// WithStreamSID sets the Twilio stream id used on outbound messages.
func WithStreamSID(sid string) Option {
	return func(o *sessionOptions) { o.streamSID = sid }
}

// WithParameters applies per-call overrides (voice, temperature,
// instructions, turn_detection) on top of the registry defaults.
func WithParameters(params map[string]string) Option {
	return func(o *sessionOptions) { o.params = params }
}

// WithSessionConfig replaces the registry's default session configuration
// for this call. Parameters are applied on top.
func WithSessionConfig(cfg realtime.SessionConfig) Option {
	return func(o *sessionOptions) {
		c := cfg.Clone()
		o.cfg = &c
	}
}

// ── Accessors ──────────────────────────────────────────────────────────────────

// ID returns the call id.
func (s *Session) ID() string { return s.id }

// StreamSID returns the telephony stream id.
func (s *Session) StreamSID() string { return s.streamSID }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Client returns the session's speech-model client.
func (s *Session) Client() *realtime.Client { return s.client }

// Done is closed once the session reached [StateClosed].
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndReason returns why the session ended, or "" while it is running.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// LastActivity returns the time of the last telephony message or model
// output.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:           s.id,
		StreamSID:    s.streamSID,
		State:        s.state.String(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		PendingMarks: s.pendingMarks,
	}
	s.mu.Unlock()

	info.ModelState = s.client.State().String()
	info.Observers = s.observers.Len()
	info.Voice = s.client.Config().Voice
	info.Reconnect = s.client.ReconnectState()
	return info
}

// Watch attaches an observer to this call. The session owns h from now on.
func (s *Session) Watch(h peer.Handle) (string, error) {
	return s.observers.Add(h)
}

// Unwatch detaches an observer.
func (s *Session) Unwatch(id string) { s.observers.Remove(id) }

// UpdateConfig changes the speech-model configuration of the running call.
func (s *Session) UpdateConfig(ctx context.Context, cfg realtime.SessionConfig) error {
	return s.client.UpdateConfig(ctx, cfg)
}

// End starts teardown with the given reason. Only the first call has an
// effect; it returns false for the others.
func (s *Session) End(reason string) bool {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosing
	s.reason = reason
	s.mu.Unlock()

	s.log.Info("call: ending", "reason", reason)
	// The telephony read is cancelled below, which closes the socket; stop
	// playback while it is still open.
	if stopsPlayback(reason) {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := s.sendTelephony(ctx, clearMessage(s.streamSID)); err != nil {
			s.log.Debug("call: final clear not sent", "err", err)
		}
		cancel()
	}
	s.cancel()
	return true
}

// stopsPlayback reports whether teardown for reason should clear the
// caller's playback. It is skipped when the telephony side is already gone.
func stopsPlayback(reason string) bool {
	switch reason {
	case ReasonCallerHangup, ReasonTelephonyClosed, ReasonTelephonyError:
		return false
	}
	return true
}

// Wait blocks until the session is closed or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Relay ──────────────────────────────────────────────────────────────────────

// run drives the session until teardown. It is started by the registry.
func (s *Session) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runClient(gctx) })
	g.Go(func() error { return s.fromTelephony(gctx) })
	g.Go(func() error { return s.toTelephony(gctx) })
	g.Go(func() error { return s.toObservers() })

	if err := g.Wait(); err != nil {
		s.log.Debug("call: relay stopped", "err", err)
	}
	s.finish()
}

func (s *Session) runClient(ctx context.Context) error {
	err := s.client.Run(ctx)
	if err == nil {
		return nil
	}
	var cfgErr *realtime.ConfigurationError
	if errors.As(err, &cfgErr) {
		s.End(ReasonConfigRejected)
	} else {
		s.End(ReasonModelUnavailable)
	}
	return err
}

// fromTelephony forwards caller messages in receipt order.
func (s *Session) fromTelephony(ctx context.Context) error {
	malformed := 0
	for {
		data, err := s.telephony.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.End(ReasonTelephonyClosed)
			return err
		}
		s.touch()

		msg, err := decodeInbound(data)
		if err != nil {
			malformed++
			s.metrics.RecordProtocolError(ctx, string(peer.KindTelephony))
			s.log.Warn("call: dropping malformed telephony message", "consecutive", malformed, "err", err)
			if malformed > MalformedThreshold {
				s.End(ReasonTelephonyError)
				return &ProtocolError{Consecutive: malformed, Err: err}
			}
			continue
		}
		malformed = 0

		switch msg.Event {
		case twilioMedia:
			ts, err := msg.Media.timestamp()
			if err != nil {
				s.log.Debug("call: ignoring media timestamp", "err", err)
			}
			frame := realtime.AudioFrame{
				Payload:   msg.Media.Payload,
				Source:    string(peer.KindTelephony),
				Timestamp: ts,
				Seq:       msg.Media.chunk(),
			}
			if err := s.client.SendAudio(ctx, frame); err != nil && !errors.Is(err, realtime.ErrNotReady) {
				s.log.Debug("call: audio not forwarded", "err", err)
			}

		case twilioMark:
			s.mu.Lock()
			if s.pendingMarks > 0 {
				s.pendingMarks--
			}
			s.mu.Unlock()

		case twilioDTMF:
			s.log.Debug("call: dtmf barge-in", "digit", msg.DTMF.Digit)
			interrupted, err := s.client.Interrupt(ctx)
			if err != nil {
				s.log.Warn("call: interrupt failed", "err", err)
			}
			if interrupted {
				if err := s.clearPlayback(ctx); err != nil {
					s.End(ReasonTelephonyError)
					return err
				}
			}

		case twilioStop:
			s.End(ReasonCallerHangup)
			return nil

		case twilioStart, twilioConnected:
			// Handshake messages; the session already exists.

		default:
			s.log.Debug("call: ignoring telephony event", "event", msg.Event)
		}
	}
}

// toTelephony plays model output to the caller. It returns once the client
// closes its output channel.
func (s *Session) toTelephony(ctx context.Context) error {
	for out := range s.client.Outputs() {
		if ctx.Err() != nil || s.State() >= StateClosing {
			continue
		}
		s.touch()

		var err error
		switch out.Kind {
		case realtime.OutputAudio:
			err = s.sendTelephony(ctx, mediaMessage(s.streamSID, out.Payload))
			if err == nil {
				s.metrics.RecordFrame(ctx, observe.DirectionToTelephony)
				err = s.sendTelephony(ctx, markMessage(s.streamSID))
			}
			if err == nil {
				s.mu.Lock()
				s.pendingMarks++
				s.mu.Unlock()
			}
		case realtime.OutputClear:
			err = s.clearPlayback(ctx)
		}

		if err != nil && ctx.Err() == nil {
			s.metrics.RecordDrop(ctx, observe.DirectionToTelephony, "send_failed")
			s.End(ReasonTelephonyError)
			return err
		}
	}
	return nil
}

// toObservers broadcasts client events until the client stops.
func (s *Session) toObservers() error {
	for ev := range s.client.Events() {
		ev.CallID = s.id
		s.broadcast(ev)
	}
	return nil
}

func (s *Session) clearPlayback(ctx context.Context) error {
	if err := s.sendTelephony(ctx, clearMessage(s.streamSID)); err != nil {
		return err
	}
	s.mu.Lock()
	s.pendingMarks = 0
	s.mu.Unlock()
	return nil
}

func (s *Session) sendTelephony(ctx context.Context, v any) error {
	return sendJSON(ctx, s.telephony, v)
}

func (s *Session) broadcast(ev realtime.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.observers.Broadcast(ev)
	if s.registry != nil {
		s.registry.global.Broadcast(ev)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// onClientState mirrors the client's connection state.
func (s *Session) onClientState(_, to realtime.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= StateClosing {
		return
	}
	switch to {
	case realtime.StateReady, realtime.StateStreaming:
		s.state = StateActive
	case realtime.StateReconnecting:
		s.state = StateReconnecting
	}
}

// finish runs once after every relay task returned.
func (s *Session) finish() {
	s.mu.Lock()
	if s.state < StateClosing {
		s.state = StateClosing
		s.reason = ReasonEnded
	}
	reason := s.reason
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	_ = s.telephony.Close()

	s.broadcast(realtime.Event{Type: EventCallEnded, CallID: s.id, Message: reason})
	s.observers.Close(ctx)

	if s.registry != nil {
		s.registry.release(s)
	}
	s.metrics.RecordCallEnded(ctx, reason)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.log.Info("call: closed", "reason", reason, "duration", time.Since(s.createdAt).Round(time.Millisecond))
	close(s.done)
}
