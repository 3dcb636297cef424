// Package server exposes the relay over HTTP.
//
// Routes:
//
//	GET  /            service banner
//	GET  /public-url  the configured public base URL
//	GET|POST /twiml   TwiML that connects a Twilio call to /ws/call
//	GET  /tools       function definitions offered to the model
//	GET  /sessions    snapshot of live calls
//	GET  /ws/call     Twilio Media Stream WebSocket
//	GET  /ws/logs     observer WebSocket; ?call_id= narrows to one call and
//	                  accepts session.update from the observer
//	GET  /healthz, /readyz, /metrics
//
// Every route is wrapped in [observe.Middleware].
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"text/template"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/internal/call"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/peer"
	"github.com/MrWong99/callrelay/internal/tools"
)

// Version is reported by the banner.
const Version = "1.0.0"

// CallPath is the path Twilio connects its media stream to.
const CallPath = "/ws/call"

const defaultStartTimeout = 10 * time.Second

var twimlTemplate = template.Must(template.New("twiml").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say>Connected</Say>
  <Connect>
    <Stream url="{{.StreamURL}}" />
  </Connect>
  <Say>Disconnected</Say>
</Response>
`))

// Option configures a [Server].
type Option func(*Server)

// WithPublicURL sets the externally reachable base URL. When empty the
// stream URL is derived from the request's Host header.
func WithPublicURL(u string) Option { return func(s *Server) { s.publicURL = u } }

// WithStartTimeout bounds the wait for Twilio's start event.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metricsHandler = h } }

// WithMetrics records HTTP metrics on m.
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithAcceptOptions overrides the WebSocket accept options, e.g. to allow
// cross-origin observer dashboards.
func WithAcceptOptions(o *websocket.AcceptOptions) Option { return func(s *Server) { s.accept = o } }

// Server holds the HTTP handlers. Create it with [New] and serve
// [Server.Handler].
type Server struct {
	calls *call.Registry
	tools *tools.Registry

	publicURL      string
	startTimeout   time.Duration
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	accept         *websocket.AcceptOptions
}

// New creates a Server. fns may be nil when no functions are configured.
func New(calls *call.Registry, fns *tools.Registry, opts ...Option) *Server {
	s := &Server{
		calls:        calls,
		tools:        fns,
		startTimeout: defaultStartTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /public-url", s.handlePublicURL)
	mux.HandleFunc("GET /twiml", s.handleTwiML)
	mux.HandleFunc("POST /twiml", s.handleTwiML)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET "+CallPath, s.handleCall)
	mux.HandleFunc("GET /ws/logs", s.handleLogs)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// ── Plain HTTP ────────────────────────────────────────────────────────────────

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "callrelay: Twilio to OpenAI Realtime relay",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) handlePublicURL(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicUrl": s.publicURL})
}

func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := twimlTemplate.Execute(&buf, struct{ StreamURL string }{s.streamURL(r)}); err != nil {
		observe.Logger(r.Context()).Error("server: render twiml", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(buf.Bytes())
}

// streamURL is the wss:// address of the media stream endpoint.
func (s *Server) streamURL(r *http.Request) string {
	host := r.Host
	if s.publicURL != "" {
		if u, err := url.Parse(s.publicURL); err == nil && u.Host != "" {
			host = u.Host
		}
	}
	return (&url.URL{Scheme: "wss", Host: host, Path: CallPath}).String()
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	defs := []tools.Definition{}
	if s.tools != nil {
		defs = s.tools.Definitions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     s.calls.Len(),
		"observers": s.calls.Observers(),
		"sessions":  s.calls.List(),
	})
}

// ── WebSockets ────────────────────────────────────────────────────────────────

// handleCall accepts a Twilio media stream and blocks until the call ends.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if err := s.calls.Check(r.Context()); err != nil {
		log.Warn("server: refusing call", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := peer.Accept(w, r, peer.KindTelephony, s.accept)
	if err != nil {
		log.Warn("server: telephony upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.startTimeout)
	sess, err := call.Accept(ctx, s.calls, conn)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, call.ErrStoppedBeforeStart):
			log.Info("server: stream stopped before start")
		default:
			log.Warn("server: call rejected", "err", err)
		}
		return
	}

	// Keep the request span open for the whole call.
	<-sess.Done()
}

// handleLogs attaches an observer. The handle is owned by the fanout once
// added. A per-call observer may steer its call with session.update
// messages; everything a global observer sends is discarded.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	callID := r.URL.Query().Get("call_id")

	var sess *call.Session
	if callID != "" {
		var err error
		if sess, err = s.calls.Get(callID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	conn, err := peer.Accept(w, r, peer.KindObserver, s.accept)
	if err != nil {
		log.Warn("server: observer upgrade failed", "err", err)
		return
	}

	var id string
	if sess != nil {
		id, err = sess.Watch(conn)
	} else {
		id, err = s.calls.Watch(conn)
	}
	if err != nil {
		log.Info("server: observer not attached", "call_id", callID, "err", err)
		_ = conn.Close()
		return
	}
	log.Info("server: observer attached", "observer", id, "call_id", callID)

	for {
		data, err := conn.Receive(r.Context())
		if err != nil {
			break
		}
		if sess == nil {
			continue
		}
		if err := sess.Control(r.Context(), data); err != nil {
			log.Warn("server: observer message rejected", "observer", id, "call_id", callID, "err", err)
		}
	}
	if sess != nil {
		sess.Unwatch(id)
	} else {
		s.calls.Unwatch(id)
	}
	log.Info("server: observer detached", "observer", id, "call_id", callID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
