package realtime

import (
	"encoding/json"

	"github.com/MrWong99/callrelay/internal/tools"
)

// Turn detection modes accepted in [SessionConfig.TurnDetection].
const (
	TurnDetectionServerVAD   = "server_vad"
	TurnDetectionSemanticVAD = "semantic_vad"
	TurnDetectionNone        = "none"
)

// Voices lists the voices the model accepts.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// SessionConfig is the conversation configuration sent with every
// session.update. It is kept across reconnects.
type SessionConfig struct {
	Modalities    []string
	Voice         string
	TurnDetection string

	// Temperature is omitted from the wire when zero.
	Temperature float64

	// MaxResponseOutputTokens limits each response; zero means unlimited.
	MaxResponseOutputTokens int

	Instructions      string
	InputAudioFormat  string
	OutputAudioFormat string

	// TranscriptionModel enables caller-side transcription when non-empty.
	TranscriptionModel string

	Tools []tools.Definition
}

// DefaultSessionConfig returns the configuration used for telephone calls:
// G.711 µ-law both ways, server-side voice activity detection and Whisper
// transcription of the caller.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:         []string{"text", "audio"},
		Voice:              "ash",
		TurnDetection:      TurnDetectionServerVAD,
		Temperature:        0.8,
		InputAudioFormat:   "g711_ulaw",
		OutputAudioFormat:  "g711_ulaw",
		TranscriptionModel: "whisper-1",
	}
}

// Clone returns a deep copy of c.
func (c SessionConfig) Clone() SessionConfig {
	c.Modalities = append([]string(nil), c.Modalities...)
	c.Tools = append([]tools.Definition(nil), c.Tools...)
	return c
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection"`
	Temperature             float64             `json:"temperature,omitempty"`
	MaxResponseOutputTokens any                 `json:"max_response_output_tokens"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *audioTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   []tools.Definition  `json:"tools"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type createItemMessage struct {
	Type string         `json:"type"`
	Item functionOutput `json:"item"`
}

type functionOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// sessionUpdate builds the session.update message for cfg.
func sessionUpdate(cfg SessionConfig) sessionUpdateMessage {
	p := sessionParams{
		Modalities:              cfg.Modalities,
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: "inf",
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Tools:                   cfg.Tools,
	}
	if p.Tools == nil {
		p.Tools = []tools.Definition{}
	}
	if cfg.TurnDetection != "" && cfg.TurnDetection != TurnDetectionNone {
		p.TurnDetection = &turnDetection{Type: cfg.TurnDetection}
	}
	if cfg.MaxResponseOutputTokens > 0 {
		p.MaxResponseOutputTokens = cfg.MaxResponseOutputTokens
	}
	if cfg.TranscriptionModel != "" {
		p.InputAudioTranscription = &audioTranscription{Model: cfg.TranscriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: p}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.output_item.done
	Item *outputItem `json:"item,omitempty"`

	// error
	Error *serverErrorDetail `json:"error,omitempty"`
}

type outputItem struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

// codeCancelNotActive is reported for a response.cancel with no response in
// progress.
const codeCancelNotActive = "response_cancel_not_active"

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (d *serverErrorDetail) text() string {
	if d == nil || d.Message == "" {
		return "unknown error"
	}
	return d.Message
}

func decodeEvent(data []byte) (serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	if ev.Type == "" {
		return ev, errMissingType
	}
	return ev, nil
}
