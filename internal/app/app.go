// Package app wires the callrelay subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the function registry,
// the call registry and the HTTP surface from a [config.Config], Run serves
// until the context ends, and Shutdown tears everything down in order.
//
// For testing, inject a scripted speech-model dialer with [WithDialer] and
// serve [App.Handler] from an httptest server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/backoff"
	"github.com/MrWong99/callrelay/internal/call"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/realtime"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/server"
	"github.com/MrWong99/callrelay/internal/tools"
	"github.com/MrWong99/callrelay/internal/tools/weather"
)

// readHeaderTimeout bounds slow clients on the HTTP listener.
const readHeaderTimeout = 10 * time.Second

// App owns every subsystem lifetime.
type App struct {
	cfg *config.Config
	log *slog.Logger

	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	dialer         realtime.Dialer
	httpClient     *http.Client

	// Subsystems, initialised in New and torn down in Shutdown.
	tools    *tools.Registry
	breakers []*resilience.Breaker
	calls    *call.Registry
	health   *health.Handler
	handler  http.Handler
	http     *http.Server

	mu      sync.Mutex
	current *config.Config

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithDialer replaces the Realtime API dialer built from the config.
func WithDialer(d realtime.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics records all metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithHTTPClient sets the client used by built-in functions.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. Initialisation is synchronous: MCP servers are
// connected and their tools listed before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, current: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.httpClient == nil {
		a.httpClient = http.DefaultClient
	}

	// ── 1. Functions ─────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		_ = a.tools.Close()
		return nil, fmt.Errorf("app: init functions: %w", err)
	}

	// ── 2. Speech-model dialer ───────────────────────────────────────────
	if a.dialer == nil {
		a.dialer = &realtime.WSDialer{
			URL:    cfg.Realtime.URL,
			Model:  cfg.Realtime.Model,
			APIKey: cfg.Realtime.APIKey,
		}
	}

	// ── 3. Call registry ─────────────────────────────────────────────────
	a.calls = call.NewRegistry(a.dialer,
		call.WithInvoker(a.tools),
		call.WithSettings(SessionSettings(cfg, a.tools.Definitions())),
		call.WithMaxSessions(cfg.Server.MaxSessions),
		call.WithMetrics(a.metrics),
		call.WithLogger(a.log),
	)

	// ── 4. Health ────────────────────────────────────────────────────────
	hopts := []health.Option{
		health.WithChecker("sessions", a.calls.Check),
		health.WithStats(func() health.Stats {
			return health.Stats{ActiveSessions: a.calls.Len(), MaxSessions: a.calls.MaxSessions()}
		}),
	}
	for _, b := range a.breakers {
		hopts = append(hopts, health.WithChecker(b.Name(), b.Check))
	}
	a.health = health.New(hopts...)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.handler = server.New(a.calls, a.tools,
		server.WithPublicURL(cfg.Server.PublicURL),
		server.WithStartTimeout(cfg.Server.StartTimeout),
		server.WithHealth(a.health),
		server.WithMetricsHandler(a.metricsHandler),
		server.WithMetrics(a.metrics),
	).Handler()
	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTools registers the built-in functions and imports every configured
// MCP server concurrently.
func (a *App) initTools(ctx context.Context) error {
	a.tools = tools.New(tools.WithMetrics(a.metrics))

	if w := a.cfg.Functions.Weather; w.IsEnabled() {
		b := resilience.NewBreaker(resilience.Config{
			Name: "weather",
			OnStateChange: func(name string, from, to resilience.State) {
				a.log.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		})
		wopts := []weather.Option{
			weather.WithBreaker(b),
			weather.WithHTTPClient(a.httpClient),
			weather.WithTimeout(w.Timeout),
		}
		if w.BaseURL != "" {
			wopts = append(wopts, weather.WithBaseURL(w.BaseURL))
		}
		if err := a.tools.Register(weather.New(wopts...).Function()); err != nil {
			return err
		}
		a.breakers = append(a.breakers, b)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range a.cfg.Functions.MCPServers {
		g.Go(func() error {
			n, err := a.tools.ImportMCPServer(gctx, tools.ServerConfig{
				Name:      srv.Name,
				Transport: srv.Transport,
				Command:   srv.Command,
				Env:       srv.Env,
				URL:       srv.URL,
				Token:     srv.Token,
			})
			if err != nil {
				return err
			}
			a.log.Info("imported MCP server", "name", srv.Name, "functions", n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.log.Info("functions ready", "count", a.tools.Len())
	return nil
}

// SessionSettings converts the config into call defaults. defs are the
// functions offered to the model.
func SessionSettings(cfg *config.Config, defs []tools.Definition) call.Settings {
	sc := cfg.Session
	transcription := sc.TranscriptionModel
	if transcription == "none" {
		transcription = ""
	}
	return call.Settings{
		Session: realtime.SessionConfig{
			Modalities:              append([]string(nil), sc.Modalities...),
			Voice:                   sc.Voice,
			TurnDetection:           sc.TurnDetection,
			Temperature:             sc.Temperature,
			MaxResponseOutputTokens: sc.MaxResponseOutputTokens,
			Instructions:            sc.Instructions,
			InputAudioFormat:        sc.InputAudioFormat,
			OutputAudioFormat:       sc.OutputAudioFormat,
			TranscriptionModel:      transcription,
			Tools:                   defs,
		},
		Policy: backoff.Policy{
			Initial:     cfg.Reconnect.InitialDelay,
			Max:         cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.Attempts(),
		},
		AutoReconnect:    cfg.Reconnect.Enabled(),
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Calls returns the call registry.
func (a *App) Calls() *call.Registry { return a.calls }

// Tools returns the function registry.
func (a *App) Tools() *tools.Registry { return a.tools }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address, runs the idle sweeper and blocks
// until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.http.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.http.Serve(ln)
		}
		errCh <- err
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if a.cfg.Sweep.Interval > 0 && a.cfg.Sweep.MaxIdle > 0 {
		go a.calls.RunSweeper(sweepCtx, a.cfg.Sweep.Interval, a.cfg.Sweep.MaxIdle)
	}

	a.log.Info("app running", "addr", ln.Addr().String(), "functions", a.tools.Len())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between the running
// config and updated. Sections that need a restart are only logged.
func (a *App) ApplyConfig(updated *config.Config) {
	a.mu.Lock()
	old := a.current
	a.current = updated
	a.mu.Unlock()

	d := config.Diff(old, updated)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged || d.ReconnectChanged {
		a.calls.SetSettings(SessionSettings(updated, a.tools.Definitions()))
		a.log.Info("call defaults updated; running calls keep theirs",
			"session", d.SessionChanged, "reconnect", d.ReconnectChanged)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every call, stops the HTTP server and disconnects MCP
// servers. It respects the context deadline and is safe to call twice.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "calls", a.calls.Len())

		if err := a.calls.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("end calls: %w", err))
		}
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := a.tools.Close(); err != nil {
			a.log.Warn("closing functions", "err", err)
		}

		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
