package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MrWong99/callrelay/internal/peer"
)

// Twilio Media Streams event names.
const (
	twilioConnected = "connected"
	twilioStart     = "start"
	twilioMedia     = "media"
	twilioMark      = "mark"
	twilioDTMF      = "dtmf"
	twilioStop      = "stop"
	twilioClear     = "clear"
)

// markName labels the mark sent after every outbound audio chunk.
const markName = "responsePart"

// inbound is one message received from Twilio. Only the block matching Event
// is populated.
type inbound struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`

	Start *startInfo `json:"start,omitempty"`
	Media *mediaInfo `json:"media,omitempty"`
	Mark  *markInfo  `json:"mark,omitempty"`
	DTMF  *dtmfInfo  `json:"dtmf,omitempty"`
	Stop  *stopInfo  `json:"stop,omitempty"`
}

// startInfo is the payload of the start event.
type startInfo struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// mediaInfo carries one inbound audio chunk. Twilio encodes the numeric
// fields as strings.
type mediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markInfo struct {
	Name string `json:"name"`
}

type dtmfInfo struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type stopInfo struct {
	CallSID string `json:"callSid,omitempty"`
}

// decodeInbound parses a telephony message. Messages without an event name
// and media messages without a payload are malformed.
func decodeInbound(data []byte) (inbound, error) {
	var m inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return inbound{}, err
	}
	switch m.Event {
	case "":
		return inbound{}, errors.New("missing event")
	case twilioStart:
		if m.Start == nil {
			return inbound{}, errors.New("start without payload")
		}
		if m.StreamSID == "" {
			m.StreamSID = m.Start.StreamSID
		}
	case twilioMedia:
		if m.Media == nil || m.Media.Payload == "" {
			return inbound{}, errors.New("media without payload")
		}
	}
	return m, nil
}

// timestamp returns the media timestamp in milliseconds, or 0 when absent.
func (m *mediaInfo) timestamp() (int64, error) {
	if m.Timestamp == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("media timestamp %q: %w", m.Timestamp, err)
	}
	return ts, nil
}

func (m *mediaInfo) chunk() uint64 {
	n, _ := strconv.ParseUint(m.Chunk, 10, 64)
	return n
}

// ── Outbound ───────────────────────────────────────────────────────────────────

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      markInfo `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func mediaMessage(streamSID, payload string) outboundMedia {
	return outboundMedia{Event: twilioMedia, StreamSID: streamSID, Media: mediaPayload{Payload: payload}}
}

func markMessage(streamSID string) outboundMark {
	return outboundMark{Event: twilioMark, StreamSID: streamSID, Mark: markInfo{Name: markName}}
}

func clearMessage(streamSID string) outboundClear {
	return outboundClear{Event: twilioClear, StreamSID: streamSID}
}

func sendJSON(ctx context.Context, h peer.Handle, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return h.Send(ctx, data)
}
