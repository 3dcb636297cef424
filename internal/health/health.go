// Package health serves the liveness and readiness endpoints of the relay.
//
//   - /healthz reports that the process is serving, plus the live call count
//     when a [StatsFunc] is configured.
//   - /readyz returns 200 only when every [Checker] passes: the call registry
//     has capacity and no function circuit breaker is open.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	// Name is the key under "checks" in the response (e.g. "sessions",
	// "weather").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Stats is the call summary included in the liveness response.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	MaxSessions    int `json:"max_sessions,omitempty"`
}

// StatsFunc returns a fresh [Stats] snapshot.
type StatsFunc func() Stats

type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Stats  *Stats            `json:"sessions,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithChecker adds a readiness check.
func WithChecker(name string, check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.checkers = append(h.checkers, Checker{Name: name, Check: check})
	}
}

// WithStats adds a session summary to /healthz.
func WithStats(fn StatsFunc) Option {
	return func(h *Handler) { h.stats = fn }
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	stats    StatsFunc
	started  time.Time
	now      func() time.Time
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{now: time.Now}
	for _, o := range opts {
		o(h)
	}
	h.started = h.now()
	return h
}

// Healthz is the liveness probe. It always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{
		Status: "ok",
		Uptime: h.now().Sub(h.started).Truncate(time.Second).String(),
	}
	if h.stats != nil {
		st := h.stats()
		res.Stats = &st
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz runs every checker concurrently, each with a [checkTimeout]
// deadline, and returns 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
