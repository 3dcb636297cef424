package call

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/callrelay/internal/peer"
	"github.com/MrWong99/callrelay/internal/realtime"
)

// Temperature bounds accepted by the speech model.
const (
	minTemperature = 0.6
	maxTemperature = 1.2
)

// Accept reads the telephony handshake from h until the start event, then
// creates the session in reg. The call id is the Twilio call SID, falling
// back to the stream SID and finally to a random id. Waiting is bounded by
// ctx; on failure h is closed.
func Accept(ctx context.Context, reg *Registry, h peer.Handle, opts ...Option) (*Session, error) {
	start, err := awaitStart(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	id := start.Start.CallSID
	if id == "" {
		id = start.StreamSID
	}
	if id == "" {
		id = uuid.NewString()
	}

	opts = append([]Option{
		WithStreamSID(start.StreamSID),
		WithParameters(start.Start.CustomParameters),
	}, opts...)
	s, err := reg.Create(id, h, opts...)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return s, nil
}

func awaitStart(ctx context.Context, h peer.Handle) (inbound, error) {
	malformed := 0
	for {
		data, err := h.Receive(ctx)
		if err != nil {
			return inbound{}, fmt.Errorf("call: await start: %w", err)
		}
		msg, err := decodeInbound(data)
		if err != nil {
			malformed++
			if malformed > MalformedThreshold {
				return inbound{}, &ProtocolError{Consecutive: malformed, Err: err}
			}
			continue
		}
		malformed = 0

		switch msg.Event {
		case twilioStart:
			return msg, nil
		case twilioStop:
			return inbound{}, ErrStoppedBeforeStart
		}
	}
}

// applyParameters overrides cfg with the per-call custom parameters. Invalid
// values are logged and ignored.
func applyParameters(cfg *realtime.SessionConfig, params map[string]string, log *slog.Logger) {
	for key, raw := range params {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		switch key {
		case "voice":
			if !slices.Contains(realtime.Voices, v) {
				log.Warn("call: ignoring unknown voice", "voice", v)
				continue
			}
			cfg.Voice = v
		case "temperature":
			t, err := strconv.ParseFloat(v, 64)
			if err != nil || t < minTemperature || t > maxTemperature {
				log.Warn("call: ignoring temperature", "value", v)
				continue
			}
			cfg.Temperature = t
		case "instructions":
			cfg.Instructions = raw
		case "turn_detection":
			switch v {
			case realtime.TurnDetectionServerVAD, realtime.TurnDetectionSemanticVAD, realtime.TurnDetectionNone:
				cfg.TurnDetection = v
			default:
				log.Warn("call: ignoring turn detection mode", "value", v)
			}
		}
	}
}
