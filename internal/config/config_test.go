// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
identity:
  user_id: "alice"
  display_name: "Alice"
  email: "alice@example.com"
  status: "away"

transport:
  kind: "nats"
  channel_prefix: "room-"
  nats:
    url: "nats://localhost:4222"
    subject_prefix: "chat"
    presence_bucket: "chat_presence"
    presence_ttl: "45s"

typing:
  ttl: "5s"
  sweep_interval: "500ms"
  idle_timeout: "1500ms"

ai:
  provider: "gateway"
  model: "claude"
  gateway_url: "http://localhost:8080"
  token: "tok"
  agent_id: "agent-1"

relay:
  addr: "0.0.0.0:9000"
  jwt_secret: "0123456789abcdef0123456789abcdef"
  events_per_second: 5
  burst: 10
  allowed_origins:
    - "https://chat.example.com"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Identity.UserID != "alice" {
		t.Errorf("Identity.UserID = %q, want %q", cfg.Identity.UserID, "alice")
	}
	if cfg.Identity.Status != "away" {
		t.Errorf("Identity.Status = %q, want %q", cfg.Identity.Status, "away")
	}
	if cfg.Transport.Kind != TransportNATS {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, TransportNATS)
	}
	if cfg.Transport.ChannelPrefix != "room-" {
		t.Errorf("Transport.ChannelPrefix = %q, want %q", cfg.Transport.ChannelPrefix, "room-")
	}
	if cfg.Transport.NATS.PresenceBucket != "chat_presence" {
		t.Errorf("Transport.NATS.PresenceBucket = %q, want %q", cfg.Transport.NATS.PresenceBucket, "chat_presence")
	}
	if cfg.Transport.NATS.PresenceTTL != 45*time.Second {
		t.Errorf("Transport.NATS.PresenceTTL = %v, want %v", cfg.Transport.NATS.PresenceTTL, 45*time.Second)
	}
	if cfg.Typing.SweepInterval != 500*time.Millisecond {
		t.Errorf("Typing.SweepInterval = %v, want %v", cfg.Typing.SweepInterval, 500*time.Millisecond)
	}
	if cfg.Typing.IdleTimeout != 1500*time.Millisecond {
		t.Errorf("Typing.IdleTimeout = %v, want %v", cfg.Typing.IdleTimeout, 1500*time.Millisecond)
	}
	if cfg.AI.Provider != ProviderGateway || cfg.AI.AgentID != "agent-1" {
		t.Errorf("AI = %+v, want gateway provider with agent-1", cfg.AI)
	}
	if cfg.Relay.EventsPerSecond != 5 || cfg.Relay.Burst != 10 {
		t.Errorf("Relay rate = %v/%d, want 5/10", cfg.Relay.EventsPerSecond, cfg.Relay.Burst)
	}
	if len(cfg.Relay.AllowedOrigins) != 1 || cfg.Relay.AllowedOrigins[0] != "https://chat.example.com" {
		t.Errorf("Relay.AllowedOrigins = %v", cfg.Relay.AllowedOrigins)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}

	if err := cfg.ValidateClient(); err != nil {
		t.Errorf("ValidateClient() error = %v", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay() error = %v", err)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[identity]
user_id = "bob"
display_name = "Bob"

[transport]
kind = "redis"

[transport.redis]
addr = "localhost:6379"
db = 2
presence_ttl = "1m"

[typing]
ttl = "4s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Identity.UserID != "bob" {
		t.Errorf("Identity.UserID = %q, want %q", cfg.Identity.UserID, "bob")
	}
	if cfg.Transport.Kind != TransportRedis {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, TransportRedis)
	}
	if cfg.Transport.Redis.DB != 2 {
		t.Errorf("Transport.Redis.DB = %d, want 2", cfg.Transport.Redis.DB)
	}
	if cfg.Transport.Redis.PresenceTTL != time.Minute {
		t.Errorf("Transport.Redis.PresenceTTL = %v, want %v", cfg.Transport.Redis.PresenceTTL, time.Minute)
	}
	if cfg.Typing.TTL != 4*time.Second {
		t.Errorf("Typing.TTL = %v, want %v", cfg.Typing.TTL, 4*time.Second)
	}
	// unset sections still receive defaults
	if cfg.Transport.Redis.KeyPrefix != "huddle" {
		t.Errorf("Transport.Redis.KeyPrefix = %q, want %q", cfg.Transport.Redis.KeyPrefix, "huddle")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
identity:
  user_id: "carol"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport.Kind != TransportMemory {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, TransportMemory)
	}
	if cfg.Transport.ChannelPrefix != "conversation-" {
		t.Errorf("Transport.ChannelPrefix = %q, want %q", cfg.Transport.ChannelPrefix, "conversation-")
	}
	if cfg.Typing.TTL != 3*time.Second {
		t.Errorf("Typing.TTL = %v, want %v", cfg.Typing.TTL, 3*time.Second)
	}
	if cfg.Typing.SweepInterval != time.Second {
		t.Errorf("Typing.SweepInterval = %v, want %v", cfg.Typing.SweepInterval, time.Second)
	}
	if cfg.Typing.IdleTimeout != 2*time.Second {
		t.Errorf("Typing.IdleTimeout = %v, want %v", cfg.Typing.IdleTimeout, 2*time.Second)
	}
	if cfg.AI.Provider != ProviderEcho {
		t.Errorf("AI.Provider = %q, want %q", cfg.AI.Provider, ProviderEcho)
	}
	if cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("AI.Model = %q, want %q", cfg.AI.Model, "gpt-4o-mini")
	}
	if cfg.Identity.Status != "online" {
		t.Errorf("Identity.Status = %q, want %q", cfg.Identity.Status, "online")
	}
	if cfg.Relay.MetricsPath != "/metrics" {
		t.Errorf("Relay.MetricsPath = %q, want %q", cfg.Relay.MetricsPath, "/metrics")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HUDDLE_USER", "dave")
	t.Setenv("TEST_HUDDLE_SECRET", "0123456789abcdef0123456789abcdef")

	configPath := writeConfig(t, "config.yaml", `
identity:
  user_id: "${TEST_HUDDLE_USER}"
relay:
  jwt_secret: "${TEST_HUDDLE_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Identity.UserID != "dave" {
		t.Errorf("Identity.UserID = %q, want %q", cfg.Identity.UserID, "dave")
	}
	if cfg.Relay.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Relay.JWTSecret = %q, want expanded value", cfg.Relay.JWTSecret)
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
identity:
  user_id: "${TEST_HUDDLE_UNSET_VAR_12345}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Identity.UserID != "" {
		t.Errorf("Identity.UserID = %q, want empty string for unset var", cfg.Identity.UserID)
	}
	if err := cfg.ValidateClient(); err == nil {
		t.Error("ValidateClient() expected error for empty user id")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
identity:
  user_id: [unclosed
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[identity
user_id = "x"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "invalid typing ttl",
			content: `
typing:
  ttl: "forever"
`,
			wantErr: "typing.ttl",
		},
		{
			name: "negative idle timeout",
			content: `
typing:
  idle_timeout: "-1s"
`,
			wantErr: "typing.idle_timeout",
		},
		{
			name: "invalid presence ttl",
			content: `
transport:
  nats:
    presence_ttl: "soon"
`,
			wantErr: "transport.nats.presence_ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", tt.content)

			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
			wantErr: "transport.kind",
		},
		{
			name:    "nats without url",
			mutate:  func(c *Config) { c.Transport.Kind = TransportNATS },
			wantErr: "transport.nats.url",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Transport.Kind = TransportRedis },
			wantErr: "transport.redis.addr",
		},
		{
			name: "websocket with http scheme",
			mutate: func(c *Config) {
				c.Transport.Kind = TransportWebSocket
				c.Transport.WebSocket.URL = "http://localhost:8090/ws"
			},
			wantErr: "ws or wss",
		},
		{
			name: "typing ttl shorter than sweep",
			mutate: func(c *Config) {
				c.Typing.TTL = time.Second
				c.Typing.SweepInterval = 2 * time.Second
			},
			wantErr: "typing.ttl",
		},
		{
			name:    "gateway without url",
			mutate:  func(c *Config) { c.AI.Provider = ProviderGateway },
			wantErr: "ai.gateway_url",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.AI.Provider = "oracle" },
			wantErr: "ai.provider",
		},
		{
			name:    "negative rate",
			mutate:  func(c *Config) { c.Relay.EventsPerSecond = -1 },
			wantErr: "relay.events_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateClient_ReservedUser(t *testing.T) {
	cfg := Default()
	cfg.Identity.UserID = "ai"
	if err := cfg.ValidateClient(); err == nil {
		t.Error("ValidateClient() expected error for reserved user id")
	}
}

func TestValidateRelay(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateRelay(); err == nil {
		t.Error("ValidateRelay() expected error for missing secret")
	}

	cfg.Relay.JWTSecret = "short"
	if err := cfg.ValidateRelay(); err == nil {
		t.Error("ValidateRelay() expected error for short secret")
	}

	cfg.Relay.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Transport.Kind = TransportWebSocket
	if err := cfg.ValidateRelay(); err == nil {
		t.Error("ValidateRelay() expected error for websocket backend")
	}

	cfg.Transport.Kind = TransportMemory
	if err := cfg.ValidateRelay(); err != nil {
		t.Errorf("ValidateRelay() error = %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HUDDLE_CONFIG", "/etc/huddle.toml")
	if got := DefaultPath(); got != "/etc/huddle.toml" {
		t.Errorf("DefaultPath() = %q, want %q", got, "/etc/huddle.toml")
	}

	t.Setenv("HUDDLE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	want := filepath.Join("/tmp/xdg", "huddle", "config.yaml")
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR_ONE", "value1")
	t.Setenv("TEST_VAR_TWO", "value2")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"single var", "${TEST_VAR_ONE}", "value1"},
		{"multiple vars", "${TEST_VAR_ONE}:${TEST_VAR_TWO}", "value1:value2"},
		{"embedded", "prefix-${TEST_VAR_ONE}-suffix", "prefix-value1-suffix"},
		{"unset var", "${TEST_VAR_NOT_SET_XYZ}", ""},
		{"no vars", "plain text", "plain text"},
		{"dollar without braces", "$TEST_VAR_ONE", "$TEST_VAR_ONE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
