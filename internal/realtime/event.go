package realtime

import "time"

// AudioFrame is one chunk of caller audio. Payload is the base64 string
// received from telephony and is forwarded without decoding.
type AudioFrame struct {
	Payload   string
	Source    string
	Timestamp int64 // telephony stream time in ms
	Seq       uint64
}

// OutputKind distinguishes [Output] values.
type OutputKind int

const (
	// OutputAudio carries a base64 audio chunk for the caller.
	OutputAudio OutputKind = iota

	// OutputClear asks telephony to discard buffered playback.
	OutputClear
)

// Output is a message destined for the telephony peer.
type Output struct {
	Kind    OutputKind
	ItemID  string
	Payload string
}

// Event types broadcast to observers.
const (
	EventConnectionStatus = "connection_status"
	EventTranscript       = "transcript"
	EventFunctionCall     = "function_call"
	EventError            = "error"
)

// Function call phases reported in [FunctionEvent.Phase].
const (
	PhaseStarted   = "started"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// Event is an observer-facing notification. It is serialised as-is onto the
// observer WebSocket.
type Event struct {
	Type      string         `json:"type"`
	CallID    string         `json:"call_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Role      string         `json:"role,omitempty"`
	Text      string         `json:"text,omitempty"`
	Function  *FunctionEvent `json:"function,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FunctionEvent describes a function invocation lifecycle step.
type FunctionEvent struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Phase     string `json:"phase"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Invocation is a function call requested by the model.
type Invocation struct {
	CallID     string
	Name       string
	Arguments  string
	Generation uint64
}
