// Command callrelay relays Twilio Media Streams to the OpenAI Realtime API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/callrelay/internal/app"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval; 0 disables reloading")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watcher, err := loadConfig(*configPath, *watch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		return 1
	}
	if watcher != nil {
		defer watcher.Stop()
	}
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("callrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"public_url", cfg.Server.PublicURL,
		"model", cfg.Realtime.Model,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithMetrics(provider.Metrics),
		app.WithMetricsHandler(provider.MetricsHandler()),
		app.WithLevelVar(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	if watcher != nil {
		watcher.OnChange(func(_, updated *config.Config) { application.ApplyConfig(updated) })
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads the config file and starts a watcher on it. A missing
// file at the default path falls back to defaults and environment variables.
func loadConfig(path string, interval time.Duration) (*config.Config, *config.Watcher, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if isFlagSet("config") {
			return nil, nil, fmt.Errorf("config file %q not found", path)
		}
		slog.Warn("no config file, using defaults and environment", "path", path)
		cfg := config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, nil, err
		}
		return cfg, nil, nil
	}

	if interval <= 0 {
		cfg, err := config.Load(path)
		return cfg, nil, err
	}
	w, err := config.NewWatcher(path, nil, config.WithInterval(interval))
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
