// Package config provides the configuration schema, loader and hot-reload
// watcher for the callrelay server.
package config

import (
	"time"

	"github.com/MrWong99/callrelay/internal/tools"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Session   SessionConfig   `yaml:"session"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Functions FunctionsConfig `yaml:"functions"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8081").
	ListenAddr string `yaml:"listen_addr"`

	// PublicURL is the externally reachable base URL used in the TwiML
	// document (e.g., "https://relay.example.com"). Falls back to the
	// PUBLIC_URL environment variable.
	PublicURL string `yaml:"public_url"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxSessions limits concurrent calls. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// StartTimeout bounds the wait for the telephony start event.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RealtimeConfig selects the speech-model endpoint.
type RealtimeConfig struct {
	// URL is the WebSocket endpoint. The model is added as a query parameter.
	URL string `yaml:"url"`

	Model string `yaml:"model"`

	// APIKey authenticates against the endpoint. Falls back to the
	// OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// HandshakeTimeout bounds dialing and session configuration.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// ReconnectConfig is the retry policy for lost speech-model connections.
// Hot-reloadable for new calls.
type ReconnectConfig struct {
	// AutoReconnect enables reconnection. Defaults to true.
	AutoReconnect *bool `yaml:"auto_reconnect"`

	// MaxAttempts bounds consecutive failed attempts. An explicit 0 disables
	// retry; unset means DefaultMaxAttempts.
	MaxAttempts  *int          `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Enabled reports whether reconnection is on.
func (r ReconnectConfig) Enabled() bool {
	return r.AutoReconnect == nil || *r.AutoReconnect
}

// Attempts returns the configured attempt limit.
func (r ReconnectConfig) Attempts() int {
	if r.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *r.MaxAttempts
}

// SessionConfig holds the conversation defaults for new calls.
// Hot-reloadable for new calls.
type SessionConfig struct {
	Voice                   string   `yaml:"voice"`
	Modalities              []string `yaml:"modalities"`
	TurnDetection           string   `yaml:"turn_detection"`
	Temperature             float64  `yaml:"temperature"`
	MaxResponseOutputTokens int      `yaml:"max_response_output_tokens"`
	Instructions            string   `yaml:"instructions"`
	InputAudioFormat        string   `yaml:"input_audio_format"`
	OutputAudioFormat       string   `yaml:"output_audio_format"`

	// TranscriptionModel enables caller transcription. Set to "none" to
	// disable.
	TranscriptionModel string `yaml:"transcription_model"`
}

// SweepConfig controls the idle session sweeper.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxIdle  time.Duration `yaml:"max_idle"`
}

// FunctionsConfig declares the functions offered to the model.
type FunctionsConfig struct {
	Weather    WeatherConfig     `yaml:"weather"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// WeatherConfig configures the built-in weather function.
type WeatherConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// IsEnabled reports whether the weather function is registered.
func (w WeatherConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// MCPServerConfig describes an MCP server whose tools become functions.
type MCPServerConfig struct {
	// Name is a unique identifier used in logs.
	Name string `yaml:"name"`

	Transport tools.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched for the
	// stdio transport.
	Command string `yaml:"command"`

	// URL is the endpoint for the streamable-http transport.
	URL string `yaml:"url"`

	// Token is a static Bearer token for streamable-http servers.
	Token string `yaml:"token"`

	// Env holds additional environment variables for stdio subprocesses.
	Env map[string]string `yaml:"env"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of traces sampled, in [0, 1].
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
