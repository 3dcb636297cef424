package realtime

import (
	"context"
	"net/http"
	"net/url"

	"github.com/MrWong99/callrelay/internal/peer"
)

const (
	// DefaultURL is the Realtime API WebSocket endpoint.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is the model requested when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
)

// Dialer opens a connection to the speech model.
type Dialer interface {
	Dial(ctx context.Context) (peer.Handle, error)
}

// WSDialer dials the Realtime API over WebSocket.
type WSDialer struct {
	URL    string
	Model  string
	APIKey string
}

var _ Dialer = (*WSDialer)(nil)

// Dial implements [Dialer]. Failures are *peer.ConnectError.
func (d *WSDialer) Dial(ctx context.Context) (peer.Handle, error) {
	target, err := d.target()
	if err != nil {
		return nil, &peer.ConnectError{Target: d.URL, Err: err}
	}
	h := http.Header{}
	if d.APIKey != "" {
		h.Set("Authorization", "Bearer "+d.APIKey)
	}
	h.Set("OpenAI-Beta", "realtime=v1")

	conn, err := peer.Dial(ctx, target, peer.DialOptions{Kind: peer.KindModel, Header: h})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *WSDialer) target() (string, error) {
	base := d.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	model := d.Model
	if model == "" {
		model = DefaultModel
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
