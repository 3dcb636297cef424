package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/backoff"
	"github.com/MrWong99/callrelay/internal/peer"
	peermock "github.com/MrWong99/callrelay/internal/peer/mock"
	"github.com/MrWong99/callrelay/internal/realtime"
	rtmock "github.com/MrWong99/callrelay/internal/realtime/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func testSettings() Settings {
	s := DefaultSettings()
	s.Policy = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}
	s.HandshakeTimeout = time.Second
	return s
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestRegistry(t *testing.T, d realtime.Dialer, opts ...RegistryOption) *Registry {
	t.Helper()
	r := NewRegistry(d, append([]RegistryOption{WithSettings(testSettings())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return r
}

// newCall creates a session and returns the caller's end of the telephony
// pipe.
func newCall(t *testing.T, r *Registry, id string) (*Session, *peermock.End) {
	t.Helper()
	local, remote := peermock.Pipe(peer.KindTelephony)
	s, err := r.Create(id, local, WithStreamSID("MZ"+id))
	if err != nil {
		t.Fatalf("Create(%q): %v", id, err)
	}
	return s, remote
}

// activeCall creates a session against an auto-acknowledging model and
// waits until it is active.
func activeCall(t *testing.T, id string) (*Session, *peermock.End, *rtmock.Upstream) {
	t.Helper()
	d := rtmock.NewDialer(rtmock.WithAutoAck())
	r := newTestRegistry(t, d)
	s, remote := newCall(t, r, id)
	up, err := d.Next(testCtx(t))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	waitSessionState(t, s, StateActive)
	return s, remote, up
}

func waitSessionState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session state = %v, want %v", s.State(), want)
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Wait(testCtx(t)); err != nil {
		t.Fatalf("session did not close: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state after Done = %v, want closed", got)
	}
}

func send(t *testing.T, h peer.Handle, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Send(testCtx(t), data); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func media(ts int, payload string) map[string]any {
	return map[string]any{
		"event":     "media",
		"streamSid": "MZ1",
		"media": map[string]any{
			"track":     "inbound",
			"chunk":     fmt.Sprint(ts / 20),
			"timestamp": fmt.Sprint(ts),
			"payload":   payload,
		},
	}
}

func readJSON(t *testing.T, h peer.Handle) (map[string]any, error) {
	t.Helper()
	data, err := h.Receive(testCtx(t))
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid JSON %q: %v", data, err)
	}
	return m, nil
}

// expectEvent reads from h until a message whose key equals value arrives.
func expectEvent(t *testing.T, h peer.Handle, key, value string) map[string]any {
	t.Helper()
	for {
		m, err := readJSON(t, h)
		if err != nil {
			t.Fatalf("waiting for %s=%s: %v", key, value, err)
		}
		if m[key] == value {
			return m
		}
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Lifecycle(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer(rtmock.WithAutoAck()))
	s, _ := newCall(t, r, "CA1")

	got, err := r.Get("CA1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Fatal("Get returned a different session")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	r.Remove("CA1")
	if _, err := r.Get("CA1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Remove: err = %v, want ErrNotFound", err)
	}
	waitClosed(t, s)
	if s.EndReason() != ReasonEnded {
		t.Errorf("EndReason = %q, want %q", s.EndReason(), ReasonEnded)
	}

	r.Remove("CA1")
	r.Remove("never-existed")
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_ConcurrentDuplicateCreate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer(rtmock.WithAutoAck()))

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, dup int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local, _ := peermock.Pipe(peer.KindTelephony)
			_, err := r.Create("CA-same", local)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateID):
				dup++
			default:
				t.Errorf("Create: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || dup != n-1 {
		t.Fatalf("successes = %d, duplicates = %d; want 1 and %d", ok, dup, n-1)
	}
}

func TestRegistry_CreateRejections(t *testing.T) {
	t.Parallel()

	r := NewRegistry(rtmock.NewDialer(rtmock.WithAutoAck()), WithSettings(testSettings()), WithMaxSessions(1))

	if _, err := r.Create("", nil); err == nil {
		t.Error("empty id: expected error")
	}

	if err := r.Check(context.Background()); err != nil {
		t.Errorf("Check with room: %v", err)
	}
	local, _ := peermock.Pipe(peer.KindTelephony)
	if _, err := r.Create("CA1", local); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Check(context.Background()); !errors.Is(err, ErrCapacity) {
		t.Errorf("Check at capacity: err = %v, want ErrCapacity", err)
	}
	local2, _ := peermock.Pipe(peer.KindTelephony)
	if _, err := r.Create("CA2", local2); !errors.Is(err, ErrCapacity) {
		t.Errorf("over capacity: err = %v, want ErrCapacity", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len after Shutdown = %d, want 0", r.Len())
	}
	local3, _ := peermock.Pipe(peer.KindTelephony)
	if _, err := r.Create("CA3", local3); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("after Shutdown: err = %v, want ErrShuttingDown", err)
	}
	if err := r.Check(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Check after Shutdown: err = %v, want ErrShuttingDown", err)
	}
}

func TestRegistry_SweepEndsIdleSessions(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer(rtmock.WithAutoAck()))
	idle, _ := newCall(t, r, "CA-idle")
	busy, _ := newCall(t, r, "CA-busy")

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-time.Hour)
	idle.mu.Unlock()

	if n := r.Sweep(time.Minute); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	waitClosed(t, idle)
	if idle.EndReason() != ReasonIdle {
		t.Errorf("EndReason = %q, want %q", idle.EndReason(), ReasonIdle)
	}
	if busy.State() >= StateClosing {
		t.Errorf("busy session state = %v, want running", busy.State())
	}
}

func TestRegistry_SettingsApplyToNewSessions(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer(rtmock.WithAutoAck()))
	before, _ := newCall(t, r, "CA-before")

	set := r.Settings()
	set.Session.Voice = "coral"
	r.SetSettings(set)
	after, _ := newCall(t, r, "CA-after")

	if v := before.Client().Config().Voice; v != "ash" {
		t.Errorf("running session voice = %q, want ash", v)
	}
	if v := after.Client().Config().Voice; v != "coral" {
		t.Errorf("new session voice = %q, want coral", v)
	}
}

func TestRegistry_GlobalWatchSeesCallStarted(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer(rtmock.WithAutoAck()))
	obs, remote := peermock.Pipe(peer.KindObserver)
	if _, err := r.Watch(obs); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	newCall(t, r, "CA7")
	ev := expectEvent(t, remote, "type", EventCallStarted)
	if ev["call_id"] != "CA7" {
		t.Errorf("call_id = %v, want CA7", ev["call_id"])
	}
}

// ── Relay ─────────────────────────────────────────────────────────────────────

func TestSession_MediaRelayedInOrder(t *testing.T) {
	t.Parallel()

	_, remote, up := activeCall(t, "CA1")

	const frames = 20
	for i := range frames {
		send(t, remote, media(i*20, fmt.Sprintf("frame-%02d", i)))
	}
	for i := range frames {
		m, err := up.Expect(testCtx(t), "input_audio_buffer.append")
		if err != nil {
			t.Fatal(err)
		}
		if want := fmt.Sprintf("frame-%02d", i); m["audio"] != want {
			t.Fatalf("frame %d: audio = %v, want %s", i, m["audio"], want)
		}
	}
}

func TestSession_ModelAudioPlayedWithMarks(t *testing.T) {
	t.Parallel()

	s, remote, up := activeCall(t, "CA1")

	if err := up.Send(testCtx(t), map[string]any{
		"type": "response.audio.delta", "item_id": "item_1", "delta": "UklGRg==",
	}); err != nil {
		t.Fatal(err)
	}

	m := expectEvent(t, remote, "event", "media")
	if m["streamSid"] != "MZCA1" {
		t.Errorf("streamSid = %v, want MZCA1", m["streamSid"])
	}
	if payload := m["media"].(map[string]any)["payload"]; payload != "UklGRg==" {
		t.Errorf("payload = %v", payload)
	}
	mark := expectEvent(t, remote, "event", "mark")
	if name := mark["mark"].(map[string]any)["name"]; name != markName {
		t.Errorf("mark name = %v, want %s", name, markName)
	}

	waitFor(t, func() bool { return s.Info().PendingMarks == 1 })
	send(t, remote, map[string]any{"event": "mark", "streamSid": "MZCA1", "mark": map[string]any{"name": markName}})
	waitFor(t, func() bool { return s.Info().PendingMarks == 0 })
}

func TestSession_DTMFInterruptsResponse(t *testing.T) {
	t.Parallel()

	_, remote, up := activeCall(t, "CA1")
	ctx := testCtx(t)

	send(t, remote, media(100, "a"))
	if _, err := up.Expect(ctx, "input_audio_buffer.append"); err != nil {
		t.Fatal(err)
	}
	if err := up.Send(ctx, map[string]any{
		"type": "response.audio.delta", "item_id": "item_1", "delta": "AAAA",
	}); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, remote, "event", "media")

	send(t, remote, media(700, "b"))
	if _, err := up.Expect(ctx, "input_audio_buffer.append"); err != nil {
		t.Fatal(err)
	}
	send(t, remote, map[string]any{"event": "dtmf", "streamSid": "MZCA1", "dtmf": map[string]any{"digit": "5"}})

	if _, err := up.Expect(ctx, "response.cancel"); err != nil {
		t.Fatal(err)
	}
	tr, err := up.Expect(ctx, "conversation.item.truncate")
	if err != nil {
		t.Fatal(err)
	}
	if tr["item_id"] != "item_1" || tr["audio_end_ms"] != float64(600) {
		t.Errorf("truncate = %v, want item_1 at 600ms", tr)
	}
	expectEvent(t, remote, "event", "clear")

	// Audio the model produced before it saw the cancel is not played.
	for _, ev := range []map[string]any{
		{"type": "response.audio.delta", "item_id": "item_1", "delta": "late"},
		{"type": "response.done"},
		{"type": "response.created"},
		{"type": "response.audio.delta", "item_id": "item_2", "delta": "BBBB"},
	} {
		if err := up.Send(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	m := expectEvent(t, remote, "event", "media")
	if payload := m["media"].(map[string]any)["payload"]; payload != "BBBB" {
		t.Errorf("payload after interruption = %v, want BBBB", payload)
	}
}

func TestSession_DTMFWithoutResponseIsIgnored(t *testing.T) {
	t.Parallel()

	s, remote, up := activeCall(t, "CA1")
	send(t, remote, map[string]any{"event": "dtmf", "dtmf": map[string]any{"digit": "1"}})
	send(t, remote, media(20, "after"))

	m, err := up.Read(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if m["type"] != "input_audio_buffer.append" {
		t.Fatalf("first upstream message = %v, want audio append", m["type"])
	}
	if s.State() != StateActive {
		t.Errorf("state = %v, want active", s.State())
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

func TestSession_StopEndsCall(t *testing.T) {
	t.Parallel()

	s, remote, up := activeCall(t, "CA1")
	send(t, remote, map[string]any{"event": "stop", "streamSid": "MZCA1"})

	waitClosed(t, s)
	if s.EndReason() != ReasonCallerHangup {
		t.Errorf("EndReason = %q, want %q", s.EndReason(), ReasonCallerHangup)
	}
	if _, err := up.Expect(testCtx(t), "never"); err == nil {
		t.Error("upstream still open after teardown")
	}
	if remote.State() != peer.StateClosed {
		t.Errorf("telephony state = %v, want closed", remote.State())
	}
}

func TestSession_EndClearsPlaybackFirst(t *testing.T) {
	t.Parallel()

	s, remote, _ := activeCall(t, "CA1")
	if !s.End(ReasonIdle) {
		t.Fatal("End returned false for a running session")
	}

	m := expectEvent(t, remote, "event", "clear")
	if m["streamSid"] != "MZCA1" {
		t.Errorf("streamSid = %v, want MZCA1", m["streamSid"])
	}
	waitClosed(t, s)
}

func TestSession_TelephonyCloseEndsCall(t *testing.T) {
	t.Parallel()

	s, remote, _ := activeCall(t, "CA1")
	_ = remote.Close()

	waitClosed(t, s)
	if s.EndReason() != ReasonTelephonyClosed {
		t.Errorf("EndReason = %q, want %q", s.EndReason(), ReasonTelephonyClosed)
	}
}

func TestSession_MalformedTelephonyThreshold(t *testing.T) {
	t.Parallel()

	s, remote, _ := activeCall(t, "CA1")
	ctx := testCtx(t)

	for range MalformedThreshold {
		if err := remote.Send(ctx, []byte("not json")); err != nil {
			t.Fatal(err)
		}
	}
	send(t, remote, media(0, "ok"))
	for range MalformedThreshold {
		if err := remote.Send(ctx, []byte(`{"event":""}`)); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if st := s.State(); st != StateActive {
		t.Fatalf("state after %d malformed = %v, want active", MalformedThreshold, st)
	}

	if err := remote.Send(ctx, []byte("{")); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, s)
	if s.EndReason() != ReasonTelephonyError {
		t.Errorf("EndReason = %q, want %q", s.EndReason(), ReasonTelephonyError)
	}
}

func TestSession_ExhaustionClosesSession(t *testing.T) {
	t.Parallel()

	d := rtmock.NewDialer()
	d.FailAll(errors.New("refused"))
	r := newTestRegistry(t, d)
	s, remote := newCall(t, r, "CA1")

	waitClosed(t, s)
	if s.EndReason() != ReasonModelUnavailable {
		t.Errorf("EndReason = %q, want %q", s.EndReason(), ReasonModelUnavailable)
	}
	if got, want := d.Dials(), testSettings().Policy.MaxAttempts+1; got != want {
		t.Errorf("dials = %d, want %d", got, want)
	}
	if _, err := r.Get("CA1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after exhaustion: err = %v, want ErrNotFound", err)
	}
	expectEvent(t, remote, "event", "clear")
	if _, err := remote.Receive(testCtx(t)); !errors.Is(err, peer.ErrClosed) {
		t.Errorf("telephony Receive after teardown: err = %v, want ErrClosed", err)
	}
}

func TestSession_ConfigurationRejectedEndsCall(t *testing.T) {
	t.Parallel()

	d := rtmock.NewDialer()
	r := newTestRegistry(t, d)
	s, _ := newCall(t, r, "CA1")

	up, err := d.Next(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := up.Expect(testCtx(t), "session.update"); err != nil {
		t.Fatal(err)
	}
	if err := up.Send(testCtx(t), map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "invalid_request_error", "code": "invalid_value", "message": "bad voice"},
	}); err != nil {
		t.Fatal(err)
	}

	waitClosed(t, s)
	if s.EndReason() != ReasonConfigRejected {
		t.Errorf("EndReason = %q, want %q", s.EndReason(), ReasonConfigRejected)
	}
	if d.Dials() != 1 {
		t.Errorf("dials = %d, want 1 (configuration errors are not retried)", d.Dials())
	}
}

func TestSession_ReconnectMirrorsState(t *testing.T) {
	t.Parallel()

	d := rtmock.NewDialer(rtmock.WithAutoAck())
	r := newTestRegistry(t, d)
	s, _ := newCall(t, r, "CA1")
	up, err := d.Next(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	waitSessionState(t, s, StateActive)

	d.FailNext(1, errors.New("blip"))
	_ = up.Close()
	if _, err := d.Next(testCtx(t)); err != nil {
		t.Fatalf("no reconnect: %v", err)
	}
	waitSessionState(t, s, StateActive)

	if got := d.Dials(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
	if rs := s.Client().ReconnectState(); rs.Attempt != 0 {
		t.Errorf("attempt after recovery = %d, want 0", rs.Attempt)
	}
	if _, err := r.Get("CA1"); err != nil {
		t.Errorf("session deregistered during reconnect: %v", err)
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _, _ := activeCall(t, "CA1")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.End(ReasonEnded) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	waitClosed(t, s)
	if wins != 1 {
		t.Fatalf("End returned true %d times, want 1", wins)
	}
}

// ── Observers ─────────────────────────────────────────────────────────────────

func TestSession_ObserversReceiveEventsAndCallEnded(t *testing.T) {
	t.Parallel()

	d := rtmock.NewDialer()
	r := newTestRegistry(t, d)
	s, _ := newCall(t, r, "CA9")

	obs, remote := peermock.Pipe(peer.KindObserver)
	if _, err := s.Watch(obs); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	up, err := d.Next(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := up.Ack(testCtx(t)); err != nil {
		t.Fatal(err)
	}

	ready := expectEvent(t, remote, "status", "ready")
	if ready["type"] != realtime.EventConnectionStatus || ready["call_id"] != "CA9" {
		t.Errorf("status event = %v", ready)
	}

	if err := up.Send(testCtx(t), map[string]any{
		"type": "response.audio_transcript.done", "transcript": "Hello caller",
	}); err != nil {
		t.Fatal(err)
	}
	tr := expectEvent(t, remote, "type", realtime.EventTranscript)
	if tr["text"] != "Hello caller" || tr["role"] != "assistant" {
		t.Errorf("transcript event = %v", tr)
	}

	s.End(ReasonEnded)
	ended := expectEvent(t, remote, "type", EventCallEnded)
	if ended["message"] != ReasonEnded {
		t.Errorf("call_ended message = %v, want %s", ended["message"], ReasonEnded)
	}
	waitClosed(t, s)
	if remote.State() != peer.StateClosed {
		t.Errorf("observer state = %v, want closed", remote.State())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
