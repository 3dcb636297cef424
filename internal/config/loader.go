package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callrelay/internal/realtime"
	"github.com/MrWong99/callrelay/internal/tools"
)

// Environment variables consulted when the file leaves a value empty.
const (
	EnvAPIKey    = "OPENAI_API_KEY"
	EnvPublicURL = "PUBLIC_URL"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8081"
	DefaultStartTimeout     = 10 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxAttempts      = 10
	DefaultInitialDelay     = 2 * time.Second
	DefaultMaxDelay         = 60 * time.Second
	DefaultSweepInterval    = 5 * time.Minute
	DefaultMaxIdle          = 3 * time.Hour
	DefaultWeatherTimeout   = 5 * time.Second
	DefaultServiceName      = "callrelay"
)

// Valid value sets checked by [Validate].
var (
	ValidModalities   = []string{"text", "audio"}
	ValidAudioFormats = []string{"pcm16", "g711_ulaw", "g711_alaw"}
	ValidTurnModes    = []string{realtime.TurnDetectionServerVAD, realtime.TurnDetectionSemanticVAD, realtime.TurnDetectionNone}
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in environment
// fallbacks and defaults, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given, with
// environment fallbacks applied.
func Default() *Config {
	cfg := &Config{}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	return cfg
}

// ApplyEnv fills secrets and deployment values left empty in the file from
// the environment.
func ApplyEnv(cfg *Config) {
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv(EnvAPIKey)
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = os.Getenv(EnvPublicURL)
	}
}

// ApplyDefaults sets every zero value that has a default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.StartTimeout == 0 {
		s.StartTimeout = DefaultStartTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	rt := &cfg.Realtime
	if rt.URL == "" {
		rt.URL = realtime.DefaultURL
	}
	if rt.Model == "" {
		rt.Model = realtime.DefaultModel
	}
	if rt.HandshakeTimeout == 0 {
		rt.HandshakeTimeout = DefaultHandshakeTimeout
	}

	rc := &cfg.Reconnect
	if rc.MaxAttempts == nil {
		n := DefaultMaxAttempts
		rc.MaxAttempts = &n
	}
	if rc.InitialDelay == 0 {
		rc.InitialDelay = DefaultInitialDelay
	}
	if rc.MaxDelay == 0 {
		rc.MaxDelay = DefaultMaxDelay
	}

	def := realtime.DefaultSessionConfig()
	sc := &cfg.Session
	if sc.Voice == "" {
		sc.Voice = def.Voice
	}
	if len(sc.Modalities) == 0 {
		sc.Modalities = def.Modalities
	}
	if sc.TurnDetection == "" {
		sc.TurnDetection = def.TurnDetection
	}
	if sc.Temperature == 0 {
		sc.Temperature = def.Temperature
	}
	if sc.InputAudioFormat == "" {
		sc.InputAudioFormat = def.InputAudioFormat
	}
	if sc.OutputAudioFormat == "" {
		sc.OutputAudioFormat = def.OutputAudioFormat
	}
	if sc.TranscriptionModel == "" {
		sc.TranscriptionModel = def.TranscriptionModel
	}

	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = DefaultSweepInterval
	}
	if cfg.Sweep.MaxIdle == 0 {
		cfg.Sweep.MaxIdle = DefaultMaxIdle
	}

	if cfg.Functions.Weather.Timeout == 0 {
		cfg.Functions.Weather.Timeout = DefaultWeatherTimeout
	}
	for i := range cfg.Functions.MCPServers {
		if cfg.Functions.MCPServers[i].Transport == "" {
			cfg.Functions.MCPServers[i].Transport = tools.TransportStdio
		}
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q is not an absolute URL", cfg.Server.PublicURL))
		}
	} else {
		slog.Warn("server.public_url is empty; the TwiML stream URL will be derived from the request host")
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Realtime
	if u, err := url.Parse(cfg.Realtime.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("realtime.url %q must be a ws:// or wss:// URL", cfg.Realtime.URL))
	}
	if cfg.Realtime.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("realtime.handshake_timeout must not be negative"))
	}
	if cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty and " + EnvAPIKey + " is not set; the speech model will reject connections")
	}

	// Reconnect
	rc := cfg.Reconnect
	if rc.Attempts() < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must not be negative", rc.Attempts()))
	}
	if rc.InitialDelay < 0 || rc.MaxDelay < 0 {
		errs = append(errs, errors.New("reconnect delays must not be negative"))
	}
	if rc.MaxDelay > 0 && rc.InitialDelay > rc.MaxDelay {
		errs = append(errs, fmt.Errorf("reconnect.initial_delay %s exceeds reconnect.max_delay %s", rc.InitialDelay, rc.MaxDelay))
	}

	// Session
	errs = append(errs, validateSession(cfg.Session)...)

	// Sweep
	if cfg.Sweep.Interval < 0 || cfg.Sweep.MaxIdle < 0 {
		errs = append(errs, errors.New("sweep durations must not be negative"))
	}

	// Functions
	if w := cfg.Functions.Weather; w.IsEnabled() && w.BaseURL != "" {
		if u, err := url.Parse(w.BaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("functions.weather.base_url %q is not an absolute URL", w.BaseURL))
		}
	}
	seen := make(map[string]int, len(cfg.Functions.MCPServers))
	for i, srv := range cfg.Functions.MCPServers {
		prefix := fmt.Sprintf("functions.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of functions.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

func validateSession(sc SessionConfig) []error {
	var errs []error
	if sc.Voice != "" && !slices.Contains(realtime.Voices, sc.Voice) {
		errs = append(errs, fmt.Errorf("session.voice %q is invalid; valid values: %v", sc.Voice, realtime.Voices))
	}
	for _, m := range sc.Modalities {
		if !slices.Contains(ValidModalities, m) {
			errs = append(errs, fmt.Errorf("session.modalities contains unknown modality %q", m))
		}
	}
	if sc.TurnDetection != "" && !slices.Contains(ValidTurnModes, sc.TurnDetection) {
		errs = append(errs, fmt.Errorf("session.turn_detection %q is invalid; valid values: %v", sc.TurnDetection, ValidTurnModes))
	}
	if sc.Temperature != 0 && (sc.Temperature < 0.6 || sc.Temperature > 1.2) {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0.6, 1.2]", sc.Temperature))
	}
	if sc.MaxResponseOutputTokens < 0 || sc.MaxResponseOutputTokens > 4096 {
		errs = append(errs, fmt.Errorf("session.max_response_output_tokens %d is out of range [0, 4096]", sc.MaxResponseOutputTokens))
	}
	for _, f := range []struct{ field, v string }{
		{"input_audio_format", sc.InputAudioFormat},
		{"output_audio_format", sc.OutputAudioFormat},
	} {
		if f.v != "" && !slices.Contains(ValidAudioFormats, f.v) {
			errs = append(errs, fmt.Errorf("session.%s %q is invalid; valid values: %v", f.field, f.v, ValidAudioFormats))
		}
	}
	return errs
}
