package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/peer"
	peermock "github.com/MrWong99/callrelay/internal/peer/mock"
	"github.com/MrWong99/callrelay/internal/realtime"
	rtmock "github.com/MrWong99/callrelay/internal/realtime/mock"
)

func startMessage(callSID, streamSID string, params map[string]string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": streamSID,
		"start": map[string]any{
			"streamSid":        streamSID,
			"callSid":          callSID,
			"accountSid":       "AC1",
			"tracks":           []string{"inbound"},
			"customParameters": params,
		},
	}
}

func TestAccept_CreatesSessionFromStart(t *testing.T) {
	t.Parallel()

	d := rtmock.NewDialer()
	r := newTestRegistry(t, d)
	local, remote := peermock.Pipe(peer.KindTelephony)

	send(t, remote, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	send(t, remote, media(0, "early"))
	send(t, remote, startMessage("CA42", "MZ42", map[string]string{
		"voice":          "coral",
		"temperature":    "0.7",
		"instructions":   "Be brief.",
		"turn_detection": "none",
	}))

	s, err := Accept(testCtx(t), r, local)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if s.ID() != "CA42" || s.StreamSID() != "MZ42" {
		t.Fatalf("id = %q, stream = %q", s.ID(), s.StreamSID())
	}

	up, err := d.Next(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	upd, err := up.Expect(testCtx(t), "session.update")
	if err != nil {
		t.Fatal(err)
	}
	sess := upd["session"].(map[string]any)
	if sess["voice"] != "coral" || sess["temperature"] != 0.7 || sess["instructions"] != "Be brief." {
		t.Errorf("session.update = %v", sess)
	}
	if td, ok := sess["turn_detection"]; !ok || td != nil {
		t.Errorf("turn_detection = %v, want null", td)
	}
}

func TestAccept_FallsBackToStreamSID(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer(rtmock.WithAutoAck()))
	local, remote := peermock.Pipe(peer.KindTelephony)
	send(t, remote, startMessage("", "MZ7", nil))

	s, err := Accept(testCtx(t), r, local)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if s.ID() != "MZ7" {
		t.Errorf("id = %q, want MZ7", s.ID())
	}
}

func TestAccept_StopBeforeStart(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer())
	local, remote := peermock.Pipe(peer.KindTelephony)
	send(t, remote, map[string]any{"event": "stop"})

	if _, err := Accept(testCtx(t), r, local); !errors.Is(err, ErrStoppedBeforeStart) {
		t.Fatalf("err = %v, want ErrStoppedBeforeStart", err)
	}
	if local.State() != peer.StateClosed {
		t.Error("telephony handle left open")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestAccept_DuplicateCallClosesHandle(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer(rtmock.WithAutoAck()))
	newCall(t, r, "CA1")

	local, remote := peermock.Pipe(peer.KindTelephony)
	send(t, remote, startMessage("CA1", "MZ1", nil))
	if _, err := Accept(testCtx(t), r, local); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
	if local.State() != peer.StateClosed {
		t.Error("telephony handle left open")
	}
}

func TestAccept_Timeout(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, rtmock.NewDialer())
	local, _ := peermock.Pipe(peer.KindTelephony)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := Accept(ctx, r, local); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestApplyParameters(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name   string
		params map[string]string
		check  func(realtime.SessionConfig) bool
	}{
		{"voice", map[string]string{"voice": "sage"}, func(c realtime.SessionConfig) bool { return c.Voice == "sage" }},
		{"unknown voice ignored", map[string]string{"voice": "robot"}, func(c realtime.SessionConfig) bool { return c.Voice == "ash" }},
		{"temperature", map[string]string{"temperature": "1.1"}, func(c realtime.SessionConfig) bool { return c.Temperature == 1.1 }},
		{"temperature out of range", map[string]string{"temperature": "2"}, func(c realtime.SessionConfig) bool { return c.Temperature == 0.8 }},
		{"temperature garbage", map[string]string{"temperature": "hot"}, func(c realtime.SessionConfig) bool { return c.Temperature == 0.8 }},
		{"turn detection", map[string]string{"turn_detection": "semantic_vad"}, func(c realtime.SessionConfig) bool { return c.TurnDetection == "semantic_vad" }},
		{"bad turn detection", map[string]string{"turn_detection": "psychic"}, func(c realtime.SessionConfig) bool { return c.TurnDetection == "server_vad" }},
		{"instructions", map[string]string{"instructions": "Speak slowly."}, func(c realtime.SessionConfig) bool { return c.Instructions == "Speak slowly." }},
		{"blank ignored", map[string]string{"voice": "  "}, func(c realtime.SessionConfig) bool { return c.Voice == "ash" }},
		{"unknown key ignored", map[string]string{"caller": "+4912345"}, func(c realtime.SessionConfig) bool { return c.Voice == "ash" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := realtime.DefaultSessionConfig()
			applyParameters(&cfg, tt.params, log)
			if !tt.check(cfg) {
				t.Errorf("unexpected config %+v", cfg)
			}
		})
	}
}

func TestDecodeInbound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		event   string
		wantErr bool
	}{
		{"connected", `{"event":"connected","protocol":"Call"}`, "connected", false},
		{"start copies stream sid", `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`, "start", false},
		{"media", `{"event":"media","media":{"payload":"AA==","timestamp":"40"}}`, "media", false},
		{"mark", `{"event":"mark","mark":{"name":"responsePart"}}`, "mark", false},
		{"stop", `{"event":"stop"}`, "stop", false},
		{"unknown event passes", `{"event":"future"}`, "future", false},
		{"not json", `nope`, "", true},
		{"missing event", `{"media":{}}`, "", true},
		{"start without payload", `{"event":"start"}`, "", true},
		{"media without payload", `{"event":"media","media":{}}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := decodeInbound([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && m.Event != tt.event {
				t.Errorf("event = %q, want %q", m.Event, tt.event)
			}
			if tt.event == "start" && m.StreamSID != "MZ1" {
				t.Errorf("streamSid = %q, want MZ1", m.StreamSID)
			}
		})
	}
}

func TestMediaTimestamp(t *testing.T) {
	t.Parallel()

	m := mediaInfo{Timestamp: "1280", Chunk: "64"}
	ts, err := m.timestamp()
	if err != nil || ts != 1280 {
		t.Fatalf("timestamp = %d, %v", ts, err)
	}
	if m.chunk() != 64 {
		t.Errorf("chunk = %d", m.chunk())
	}
	if _, err := (&mediaInfo{Timestamp: "x"}).timestamp(); err == nil {
		t.Error("expected error for non-numeric timestamp")
	}
	if ts, _ := (&mediaInfo{}).timestamp(); ts != 0 {
		t.Errorf("empty timestamp = %d", ts)
	}
}
