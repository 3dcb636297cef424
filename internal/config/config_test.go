package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/realtime"
	"github.com/MrWong99/callrelay/internal/tools"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  public_url: https://relay.example.com
  log_level: debug
  max_sessions: 25

realtime:
  url: wss://realtime.example.com/v1/realtime
  model: gpt-4o-realtime-preview
  api_key: sk-test
  handshake_timeout: 5s

reconnect:
  auto_reconnect: false
  max_attempts: 4
  initial_delay: 500ms
  max_delay: 8s

session:
  voice: coral
  modalities: [audio, text]
  turn_detection: semantic_vad
  temperature: 0.9
  max_response_output_tokens: 1024
  instructions: You are a helpful receptionist.
  input_audio_format: g711_ulaw
  output_audio_format: g711_ulaw
  transcription_model: whisper-1

sweep:
  interval: 1m
  max_idle: 30m

functions:
  weather:
    enabled: true
    base_url: https://weather.example.com/v1/forecast
    timeout: 3s
  mcp_servers:
    - name: calendar
      transport: stdio
      command: /usr/local/bin/mcp-calendar --readonly
      env:
        CALENDAR_ID: front-desk
    - name: crm
      transport: streamable-http
      url: https://crm.example.com/mcp
      token: secret

telemetry:
  service_name: relay-eu
  trace_sample_ratio: 0.25
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func loadErr(t *testing.T, yaml string) error {
	t.Helper()
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	return err
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.MaxSessions != 25 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Realtime.HandshakeTimeout != 5*time.Second || cfg.Realtime.APIKey != "sk-test" {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	if cfg.Reconnect.Enabled() {
		t.Error("auto_reconnect: false was not honoured")
	}
	if cfg.Reconnect.Attempts() != 4 || cfg.Reconnect.InitialDelay != 500*time.Millisecond || cfg.Reconnect.MaxDelay != 8*time.Second {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Session.Voice != "coral" || cfg.Session.TurnDetection != realtime.TurnDetectionSemanticVAD {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Session.MaxResponseOutputTokens != 1024 || cfg.Session.Temperature != 0.9 {
		t.Errorf("session limits = %+v", cfg.Session)
	}
	if cfg.Sweep.Interval != time.Minute || cfg.Sweep.MaxIdle != 30*time.Minute {
		t.Errorf("sweep = %+v", cfg.Sweep)
	}
	if !cfg.Functions.Weather.IsEnabled() || cfg.Functions.Weather.Timeout != 3*time.Second {
		t.Errorf("weather = %+v", cfg.Functions.Weather)
	}
	if n := len(cfg.Functions.MCPServers); n != 2 {
		t.Fatalf("mcp_servers = %d, want 2", n)
	}
	if srv := cfg.Functions.MCPServers[1]; srv.Transport != tools.TransportStreamableHTTP || srv.Token != "secret" {
		t.Errorf("mcp_servers[1] = %+v", srv)
	}
	if cfg.Functions.MCPServers[0].Env["CALENDAR_ID"] != "front-desk" {
		t.Errorf("mcp_servers[0].env = %v", cfg.Functions.MCPServers[0].Env)
	}
	if cfg.Telemetry.ServiceName != "relay-eu" || cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFromReader_EmptyDocumentUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := load(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Realtime.URL != realtime.DefaultURL || cfg.Realtime.Model != realtime.DefaultModel {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	if !cfg.Reconnect.Enabled() || cfg.Reconnect.Attempts() != 10 ||
		cfg.Reconnect.InitialDelay != 2*time.Second || cfg.Reconnect.MaxDelay != 60*time.Second {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
	def := realtime.DefaultSessionConfig()
	if cfg.Session.Voice != def.Voice || cfg.Session.InputAudioFormat != "g711_ulaw" || cfg.Session.TranscriptionModel != "whisper-1" {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Sweep.Interval != 5*time.Minute || cfg.Sweep.MaxIdle != 3*time.Hour {
		t.Errorf("sweep = %+v", cfg.Sweep)
	}
	if !cfg.Functions.Weather.IsEnabled() {
		t.Error("weather should default to enabled")
	}
}

func TestLoadFromReader_MaxAttemptsZeroDisablesRetry(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want int
	}{
		{"explicit zero", "reconnect:\n  max_attempts: 0\n", 0},
		{"explicit value", "reconnect:\n  max_attempts: 3\n", 3},
		{"unset", "reconnect:\n  initial_delay: 1s\n", config.DefaultMaxAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := load(t, tt.yaml)
			if got := cfg.Reconnect.Attempts(); got != tt.want {
				t.Errorf("Attempts() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	err := loadErr(t, "server:\n  listen_port: 80\n")
	if !strings.Contains(err.Error(), "listen_port") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoadFromReader_MCPTransportDefaultsToStdio(t *testing.T) {
	t.Parallel()
	cfg := load(t, `
functions:
  mcp_servers:
    - name: local
      command: mcp-local
`)
	if got := cfg.Functions.MCPServers[0].Transport; got != tools.TransportStdio {
		t.Errorf("transport = %q, want stdio", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "sk-from-env")
	t.Setenv(config.EnvPublicURL, "https://env.example.com")

	cfg := load(t, "")
	if cfg.Realtime.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.Realtime.APIKey)
	}
	if cfg.Server.PublicURL != "https://env.example.com" {
		t.Errorf("public_url = %q", cfg.Server.PublicURL)
	}

	cfg = load(t, "realtime:\n  api_key: sk-file\n")
	if cfg.Realtime.APIKey != "sk-file" {
		t.Errorf("file value should win over env, got %q", cfg.Realtime.APIKey)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"negative max sessions", "server:\n  max_sessions: -1\n", "server.max_sessions"},
		{"relative public url", "server:\n  public_url: relay.local\n", "server.public_url"},
		{"tls half configured", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"http realtime url", "realtime:\n  url: https://api.openai.com/v1/realtime\n", "realtime.url"},
		{"negative attempts", "reconnect:\n  max_attempts: -2\n", "reconnect.max_attempts"},
		{"initial above max", "reconnect:\n  initial_delay: 2m\n  max_delay: 1m\n", "reconnect.initial_delay"},
		{"unknown voice", "session:\n  voice: robot\n", "session.voice"},
		{"unknown modality", "session:\n  modalities: [video]\n", "session.modalities"},
		{"turn detection", "session:\n  turn_detection: psychic\n", "session.turn_detection"},
		{"temperature", "session:\n  temperature: 1.5\n", "session.temperature"},
		{"max tokens", "session:\n  max_response_output_tokens: 5000\n", "session.max_response_output_tokens"},
		{"audio format", "session:\n  output_audio_format: mp3\n", "session.output_audio_format"},
		{"weather url", "functions:\n  weather:\n    base_url: nowhere\n", "functions.weather.base_url"},
		{"mcp name", "functions:\n  mcp_servers:\n    - command: x\n", "functions.mcp_servers[0].name"},
		{"mcp transport", "functions:\n  mcp_servers:\n    - name: a\n      transport: carrier-pigeon\n", "transport"},
		{"mcp stdio command", "functions:\n  mcp_servers:\n    - name: a\n      transport: stdio\n", "command is required"},
		{"mcp http url", "functions:\n  mcp_servers:\n    - name: a\n      transport: streamable-http\n", "url is required"},
		{"mcp duplicate", "functions:\n  mcp_servers:\n    - {name: a, command: x}\n    - {name: a, command: y}\n", "duplicate"},
		{"sample ratio", "telemetry:\n  trace_sample_ratio: 2\n", "telemetry.trace_sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := loadErr(t, tt.yaml)
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	err := loadErr(t, `
server:
  log_level: loud
session:
  voice: robot
  temperature: 3
`)
	for _, want := range []string{"server.log_level", "session.voice", "session.temperature"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q is missing %q", err, want)
		}
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if cfg.Server.ListenAddr == "" || cfg.Session.Voice == "" || cfg.Telemetry.ServiceName != config.DefaultServiceName {
		t.Errorf("Default() left zero values: %+v", cfg)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example config: %v", err)
	}
	if cfg.Session.Voice != "ash" || cfg.Reconnect.Attempts() != 10 {
		t.Errorf("example config = %+v", cfg)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(t.TempDir() + "/missing.yaml"); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
