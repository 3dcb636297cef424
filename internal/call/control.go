package call

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/callrelay/internal/realtime"
)

// ErrInvalidControl is returned by [Session.Control] for messages it cannot
// apply.
var ErrInvalidControl = errors.New("call: invalid control message")

const controlSessionUpdate = "session.update"

// controlMessage is a message a call's observer sends to steer the call.
type controlMessage struct {
	Type    string        `json:"type"`
	Session *sessionPatch `json:"session,omitempty"`
}

// sessionPatch holds the session fields an observer may change. Absent
// fields keep their current value; a null turn_detection turns it off.
type sessionPatch struct {
	Voice         *string         `json:"voice,omitempty"`
	Instructions  *string         `json:"instructions,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Modalities    []string        `json:"modalities,omitempty"`
	TurnDetection json.RawMessage `json:"turn_detection,omitempty"`
}

// apply validates p and writes it over cfg.
func (p *sessionPatch) apply(cfg *realtime.SessionConfig) error {
	var errs []error
	if p.Voice != nil {
		if slices.Contains(realtime.Voices, *p.Voice) {
			cfg.Voice = *p.Voice
		} else {
			errs = append(errs, fmt.Errorf("unknown voice %q", *p.Voice))
		}
	}
	if p.Instructions != nil {
		cfg.Instructions = *p.Instructions
	}
	if t := p.Temperature; t != nil {
		if *t >= minTemperature && *t <= maxTemperature {
			cfg.Temperature = *t
		} else {
			errs = append(errs, fmt.Errorf("temperature %g outside [%g, %g]", *t, minTemperature, maxTemperature))
		}
	}
	if p.Modalities != nil {
		if validModalities(p.Modalities) {
			cfg.Modalities = slices.Clone(p.Modalities)
		} else {
			errs = append(errs, fmt.Errorf("modalities %v", p.Modalities))
		}
	}
	if len(p.TurnDetection) > 0 {
		mode, err := turnDetectionMode(p.TurnDetection)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.TurnDetection = mode
		}
	}
	return errors.Join(errs...)
}

func validModalities(m []string) bool {
	if len(m) == 0 {
		return false
	}
	for _, v := range m {
		if v != "text" && v != "audio" {
			return false
		}
	}
	return true
}

func turnDetectionMode(raw json.RawMessage) (string, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return realtime.TurnDetectionNone, nil
	}
	var td struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &td); err != nil {
		return "", fmt.Errorf("turn_detection: %w", err)
	}
	switch td.Type {
	case realtime.TurnDetectionServerVAD, realtime.TurnDetectionSemanticVAD:
		return td.Type, nil
	}
	return "", fmt.Errorf("unknown turn detection %q", td.Type)
}

// Control applies a message from one of the call's observers. A
// session.update patches the live speech-model configuration; the result is
// sent upstream immediately and re-sent on every reconnect. Other message
// types are ignored. The call keeps its configuration when the message is
// rejected.
func (s *Session) Control(ctx context.Context, data []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if msg.Type != controlSessionUpdate {
		s.log.Debug("call: ignoring observer message", "type", msg.Type)
		return nil
	}
	if msg.Session == nil {
		return fmt.Errorf("%w: session.update without session", ErrInvalidControl)
	}

	cfg := s.client.Config()
	if err := msg.Session.apply(&cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidControl, err)
	}
	if err := s.UpdateConfig(ctx, cfg); err != nil {
		return err
	}
	s.log.Info("call: session updated by observer", "voice", cfg.Voice, "turn_detection", cfg.TurnDetection)
	return nil
}
