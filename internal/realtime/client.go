// Package realtime is the client side of the speech-model connection.
//
// A [Client] owns at most one upstream connection at a time and keeps it
// alive for the duration of a call: it dials, configures the session, serves
// the connection and, when the connection fails, reconnects with exponential
// backoff until the retry budget is spent. Its output and event channels
// survive reconnects, so the owner wires them once.
//
// State machine:
//
//	Disconnected → Connecting → Configuring → Ready ⇄ Streaming
//	any → Reconnecting → Connecting
//	any → Disconnected (final, when Run returns)
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callrelay/internal/backoff"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/peer"
	"github.com/MrWong99/callrelay/internal/tools"
)

// ProtocolErrorThreshold is the number of consecutive malformed upstream
// messages tolerated before the connection is dropped.
const ProtocolErrorThreshold = 5

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultEventBuffer      = 256
	outputBuffer            = 64
)

// State is the connection state of a [Client].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConfiguring
	StateReady
	StateStreaming
	StateReconnecting
)

// String returns the status tag reported to observers.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// FunctionInvoker executes functions requested by the model.
// *tools.Registry satisfies it.
type FunctionInvoker interface {
	Invoke(ctx context.Context, name, args string) (string, error)
}

var _ FunctionInvoker = (*tools.Registry)(nil)

// ReconnectState is a snapshot of the reconnection bookkeeping.
type ReconnectState struct {
	Attempt       int
	Delay         time.Duration
	MaxAttempts   int
	MaxDelay      time.Duration
	AutoReconnect bool
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Client].
type Option func(*Client)

// WithInvoker sets the function registry used for function calls.
func WithInvoker(inv FunctionInvoker) Option {
	return func(c *Client) { c.invoker = inv }
}

// WithPolicy sets the reconnect backoff policy.
func WithPolicy(p backoff.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithAutoReconnect enables or disables reconnection. Enabled by default.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) { c.autoReconnect = enabled }
}

// WithHandshakeTimeout bounds dialing and waiting for session.updated.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithSessionConfig sets the initial session configuration.
func WithSessionConfig(cfg SessionConfig) Option {
	return func(c *Client) { c.cfg = cfg.Clone() }
}

// WithMetrics records client metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithStateCallback registers fn to be called after every state transition.
// fn runs on the goroutine performing the transition and must not block.
func WithStateCallback(fn func(from, to State)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(c *Client) { c.eventBuffer = n }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client manages the speech-model connection for one call. Create with
// [New] and drive with [Client.Run].
type Client struct {
	dialer           Dialer
	invoker          FunctionInvoker
	policy           backoff.Policy
	autoReconnect    bool
	handshakeTimeout time.Duration
	metrics          *observe.Metrics
	log              *slog.Logger
	onState          func(from, to State)
	eventBuffer      int

	outputs chan Output
	events  chan Event

	// eventsMu guards closing events against concurrent emitters.
	eventsMu     sync.RWMutex
	eventsClosed bool

	running atomic.Bool
	calls   sync.WaitGroup

	mu        sync.Mutex
	state     State
	cfg       SessionConfig
	conn      peer.Handle
	gen       uint64
	attempt   int
	lastDelay time.Duration
	malformed int

	// Timestamps in telephony stream milliseconds.
	latestTS    int64
	respStartTS int64
	haveResp    bool
	lastItem    string

	// cancelled is set by an interruption; audio deltas are dropped until
	// the next response starts.
	cancelled bool
}

// New creates a client that dials through d.
func New(d Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:           d,
		policy:           backoff.Policy{Initial: 2 * time.Second, Max: 60 * time.Second, MaxAttempts: 10},
		autoReconnect:    true,
		handshakeTimeout: defaultHandshakeTimeout,
		eventBuffer:      defaultEventBuffer,
		cfg:              DefaultSessionConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.eventBuffer <= 0 {
		c.eventBuffer = defaultEventBuffer
	}
	c.outputs = make(chan Output, outputBuffer)
	c.events = make(chan Event, c.eventBuffer)
	return c
}

// Outputs returns the channel of messages for the telephony peer. It is
// closed when Run returns.
func (c *Client) Outputs() <-chan Output { return c.outputs }

// Events returns the channel of observer events. It is closed when Run
// returns. Events are dropped when the channel is full.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns a copy of the current session configuration.
func (c *Client) Config() SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// ReconnectState returns a snapshot of the reconnection bookkeeping.
func (c *Client) ReconnectState() ReconnectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ReconnectState{
		Attempt:       c.attempt,
		Delay:         c.lastDelay,
		MaxAttempts:   c.policy.MaxAttempts,
		MaxDelay:      c.policy.Max,
		AutoReconnect: c.autoReconnect,
	}
}

// Run connects and keeps the connection alive until ctx is cancelled (nil is
// returned), the configuration is rejected (*ConfigurationError) or the retry
// budget is spent (*ExhaustedError). Outputs and Events are closed on return.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.finish()

	for {
		c.setState(StateConnecting, "connecting to speech model")
		conn, err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			recovered := c.attempt > 0
			c.attempt = 0
			c.lastDelay = 0
			c.mu.Unlock()
			if recovered {
				c.metrics.RecordReconnect(ctx, "recovered")
			}
			c.setState(StateReady, "speech model connection established")
			err = c.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			return nil
		}

		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			c.log.Error("realtime: session configuration rejected", "err", err)
			c.emit(Event{Type: EventError, Message: cfgErr.Error()})
			return err
		}

		c.mu.Lock()
		attempt := c.attempt
		retry := c.autoReconnect && c.policy.Retry(attempt)
		var delay time.Duration
		if retry {
			delay = c.policy.Delay(attempt)
			c.attempt++
			c.lastDelay = delay
		}
		maxAttempts := c.policy.MaxAttempts
		c.mu.Unlock()

		if !retry {
			c.metrics.RecordReconnect(ctx, "exhausted")
			c.log.Error("realtime: speech model unreachable, giving up", "attempts", attempt, "err", err)
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		c.metrics.RecordReconnect(ctx, "retry")
		c.log.Warn("realtime: speech model connection lost", "attempt", attempt+1, "max_attempts", maxAttempts, "delay", delay, "err", err)
		c.setState(StateReconnecting,
			fmt.Sprintf("speech model connection lost, reconnecting in %s (attempt %d/%d)", delay, attempt+1, maxAttempts))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// finish runs once when Run returns.
func (c *Client) finish() {
	c.setState(StateDisconnected, "speech model disconnected")
	c.calls.Wait()

	c.eventsMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.eventsMu.Unlock()
	close(c.outputs)
}

// connect dials and configures one connection within the handshake timeout.
func (c *Client) connect(ctx context.Context) (peer.Handle, error) {
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	start := time.Now()

	conn, err := c.dialer.Dial(hctx)
	if err != nil {
		return nil, err
	}

	c.setState(StateConfiguring, "configuring speech model session")
	c.mu.Lock()
	cfg := c.cfg.Clone()
	c.mu.Unlock()
	if err := sendJSON(hctx, conn, sessionUpdate(cfg)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime: send session.update: %w", err)
	}

	for {
		data, err := conn.Receive(hctx)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("realtime: await session.updated: %w", err)
		}
		ev, err := decodeEvent(data)
		if err != nil {
			c.metrics.RecordProtocolError(ctx, string(peer.KindModel))
			c.log.Warn("realtime: malformed message during handshake", "err", err)
			continue
		}
		switch ev.Type {
		case "session.updated":
			c.metrics.HandshakeDuration.Record(ctx, time.Since(start).Seconds())
			c.mu.Lock()
			c.conn = conn
			c.gen++
			c.malformed = 0
			c.haveResp = false
			c.lastItem = ""
			c.cancelled = false
			c.mu.Unlock()
			return conn, nil
		case "error":
			_ = conn.Close()
			detail := ev.Error
			if detail == nil {
				detail = &serverErrorDetail{}
			}
			return nil, &ConfigurationError{Code: detail.Code, Message: detail.text()}
		}
	}
}

// serve reads the connection until it fails. The connection is closed and
// detached on return.
func (c *Client) serve(ctx context.Context, conn peer.Handle) error {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime: connection lost: %w", err)
		}
		if err := c.handle(ctx, conn, data); err != nil {
			return err
		}
	}
}

func (c *Client) handle(ctx context.Context, conn peer.Handle, data []byte) error {
	ev, err := decodeEvent(data)
	if err != nil {
		return c.malformedMessage(ctx, err)
	}
	c.mu.Lock()
	c.malformed = 0
	c.mu.Unlock()

	switch ev.Type {
	case "response.created":
		c.mu.Lock()
		c.cancelled = false
		c.mu.Unlock()
		c.setState(StateStreaming, "model response started")

	case "response.audio.delta":
		if ev.Delta == "" {
			return nil
		}
		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			c.metrics.RecordDrop(ctx, observe.DirectionToTelephony, "cancelled_response")
			return nil
		}
		if !c.haveResp {
			c.respStartTS = c.latestTS
			c.haveResp = true
		}
		if ev.ItemID != "" {
			c.lastItem = ev.ItemID
		}
		c.mu.Unlock()
		c.setState(StateStreaming, "model response started")
		return c.output(ctx, Output{Kind: OutputAudio, ItemID: ev.ItemID, Payload: ev.Delta})

	case "response.done":
		c.mu.Lock()
		c.haveResp = false
		c.cancelled = false
		streaming := c.state == StateStreaming
		c.mu.Unlock()
		if streaming {
			c.setState(StateReady, "model response finished")
		}

	case "input_audio_buffer.speech_started":
		interrupted, err := c.interrupt(ctx, conn)
		if err != nil {
			c.log.Warn("realtime: interrupt failed", "err", err)
		}
		if interrupted {
			return c.output(ctx, Output{Kind: OutputClear})
		}

	case "response.output_item.done":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			c.mu.Lock()
			gen := c.gen
			c.mu.Unlock()
			c.dispatch(ctx, Invocation{
				CallID:     ev.Item.CallID,
				Name:       ev.Item.Name,
				Arguments:  ev.Item.Arguments,
				Generation: gen,
			})
		}

	case "response.audio_transcript.done":
		if ev.Transcript != "" {
			c.emit(Event{Type: EventTranscript, Role: "assistant", Text: ev.Transcript})
		}

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" {
			c.emit(Event{Type: EventTranscript, Role: "user", Text: ev.Transcript})
		}

	case "error":
		if ev.Error != nil && ev.Error.Code == codeCancelNotActive {
			// The server already ended the response, e.g. on server VAD.
			c.log.Debug("realtime: no active response to cancel")
			return nil
		}
		msg := ev.Error.text()
		c.log.Warn("realtime: model reported error", "message", msg)
		c.emit(Event{Type: EventError, Message: msg})
	}
	return nil
}

func (c *Client) malformedMessage(ctx context.Context, err error) error {
	c.metrics.RecordProtocolError(ctx, string(peer.KindModel))
	c.mu.Lock()
	c.malformed++
	n := c.malformed
	c.mu.Unlock()

	c.log.Warn("realtime: dropping malformed message", "consecutive", n, "err", err)
	if n > ProtocolErrorThreshold {
		return &ProtocolError{Consecutive: n, Err: err}
	}
	return nil
}

func (c *Client) output(ctx context.Context, o Output) error {
	select {
	case c.outputs <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio forwards a caller audio frame. The frame's timestamp is recorded
// even when it cannot be sent.
func (c *Client) SendAudio(ctx context.Context, f AudioFrame) error {
	c.mu.Lock()
	if f.Timestamp > c.latestTS {
		c.latestTS = f.Timestamp
	}
	st, conn := c.state, c.conn
	c.mu.Unlock()

	if conn == nil || (st != StateReady && st != StateStreaming) {
		c.metrics.RecordDrop(ctx, observe.DirectionToModel, "not_ready")
		return ErrNotReady
	}
	if err := sendJSON(ctx, conn, appendAudioMessage{Type: "input_audio_buffer.append", Audio: f.Payload}); err != nil {
		c.metrics.RecordDrop(ctx, observe.DirectionToModel, "send_failed")
		return fmt.Errorf("realtime: send audio: %w", err)
	}
	c.metrics.RecordFrame(ctx, observe.DirectionToModel)
	return nil
}

// Interrupt cuts the response being played. While Streaming it cancels the
// response, truncates the assistant item at the caller's playback position
// and returns true; the caller is responsible for clearing telephony
// playback. Late audio of the cancelled response is discarded. Otherwise it
// is a no-op returning false.
func (c *Client) Interrupt(ctx context.Context) (bool, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, nil
	}
	return c.interrupt(ctx, conn)
}

func (c *Client) interrupt(ctx context.Context, conn peer.Handle) (bool, error) {
	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return false, nil
	}
	item := c.lastItem
	end := c.latestTS - c.respStartTS
	if !c.haveResp || end < 0 {
		end = 0
	}
	c.lastItem = ""
	c.haveResp = false
	c.cancelled = true
	c.state = StateReady
	c.mu.Unlock()
	c.notify(StateStreaming, StateReady, "response interrupted by caller")

	if err := sendJSON(ctx, conn, typeOnlyMessage{Type: "response.cancel"}); err != nil {
		return true, err
	}
	if item == "" {
		return true, nil
	}
	err := sendJSON(ctx, conn, truncateMessage{
		Type:         "conversation.item.truncate",
		ItemID:       item,
		ContentIndex: 0,
		AudioEndMs:   end,
	})
	return true, err
}

// UpdateConfig replaces the session configuration. When connected, the new
// configuration is sent immediately; it is re-sent on every reconnect.
func (c *Client) UpdateConfig(ctx context.Context, cfg SessionConfig) error {
	c.mu.Lock()
	c.cfg = cfg.Clone()
	conn, st := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || (st != StateReady && st != StateStreaming) {
		return nil
	}
	if err := sendJSON(ctx, conn, sessionUpdate(cfg)); err != nil {
		return fmt.Errorf("realtime: send session.update: %w", err)
	}
	return nil
}

// ── Function calls ─────────────────────────────────────────────────────────────

// dispatch runs inv on its own goroutine so the read loop keeps serving.
func (c *Client) dispatch(ctx context.Context, inv Invocation) {
	c.emit(Event{Type: EventFunctionCall, Function: &FunctionEvent{
		CallID: inv.CallID, Name: inv.Name, Arguments: inv.Arguments, Phase: PhaseStarted,
	}})

	c.calls.Add(1)
	go func() {
		defer c.calls.Done()

		var (
			output string
			err    error
		)
		if c.invoker == nil {
			err = &tools.ExecutionError{Function: inv.Name, Err: tools.ErrUnknownFunction}
		} else {
			output, err = c.invoker.Invoke(ctx, inv.Name, inv.Arguments)
		}
		if err != nil {
			c.log.Warn("realtime: function failed", "function", inv.Name, "call_id", inv.CallID, "err", err)
			output = tools.FailureOutput(err)
		}

		c.mu.Lock()
		conn, gen := c.conn, c.gen
		c.mu.Unlock()
		if conn == nil || gen != inv.Generation {
			c.metrics.RecordDrop(ctx, observe.DirectionToModel, "stale_function_result")
			c.fail(inv, "connection lost")
			return
		}

		if sendErr := sendJSON(ctx, conn, createItemMessage{
			Type: "conversation.item.create",
			Item: functionOutput{Type: "function_call_output", CallID: inv.CallID, Output: output},
		}); sendErr != nil {
			c.fail(inv, "connection lost")
			return
		}
		if sendErr := sendJSON(ctx, conn, typeOnlyMessage{Type: "response.create"}); sendErr != nil {
			c.fail(inv, "connection lost")
			return
		}

		if err != nil {
			c.fail(inv, err.Error())
			return
		}
		c.emit(Event{Type: EventFunctionCall, Function: &FunctionEvent{
			CallID: inv.CallID, Name: inv.Name, Phase: PhaseCompleted, Output: output,
		}})
	}()
}

func (c *Client) fail(inv Invocation, reason string) {
	c.emit(Event{Type: EventFunctionCall, Function: &FunctionEvent{
		CallID: inv.CallID, Name: inv.Name, Phase: PhaseFailed, Error: reason,
	}})
}

// ── State & events ─────────────────────────────────────────────────────────────

func (c *Client) setState(to State, msg string) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.notify(from, to, msg)
}

func (c *Client) notify(from, to State, msg string) {
	c.log.Debug("realtime: state change", "from", from.String(), "to", to.String())
	if c.onState != nil {
		c.onState(from, to)
	}
	c.emit(Event{Type: EventConnectionStatus, Status: to.String(), Message: msg})
}

// emit delivers ev without blocking. Events are dropped when the buffer is
// full or the client has stopped.
func (c *Client) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.metrics.RecordDrop(context.Background(), observe.DirectionToObserver, "event_buffer_full")
	}
}

func sendJSON(ctx context.Context, h peer.Handle, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return h.Send(ctx, data)
}
