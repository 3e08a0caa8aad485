// ABOUTME: Configuration loading and parsing for huddle and huddle-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportMemory    = "memory"
	TransportNATS      = "nats"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

// AI providers
const (
	ProviderEcho    = "echo"
	ProviderGateway = "gateway"
)

// Config represents the complete huddle configuration
type Config struct {
	Identity  IdentityConfig  `yaml:"identity" toml:"identity"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Typing    TypingConfig    `yaml:"typing" toml:"typing"`
	AI        AIConfig        `yaml:"ai" toml:"ai"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// IdentityConfig describes the local chat user
type IdentityConfig struct {
	UserID      string `yaml:"user_id" toml:"user_id"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
	Email       string `yaml:"email" toml:"email"`
	Status      string `yaml:"status" toml:"status"`
}

// TransportConfig selects and configures the realtime channel
type TransportConfig struct {
	Kind          string          `yaml:"kind" toml:"kind"`
	ChannelPrefix string          `yaml:"channel_prefix" toml:"channel_prefix"`
	NATS          NATSConfig      `yaml:"nats" toml:"nats"`
	Redis         RedisConfig     `yaml:"redis" toml:"redis"`
	WebSocket     WebSocketConfig `yaml:"websocket" toml:"websocket"`
}

// NATSConfig holds NATS connection and presence bucket settings
type NATSConfig struct {
	URL            string `yaml:"url" toml:"url"`
	SubjectPrefix  string `yaml:"subject_prefix" toml:"subject_prefix"`
	PresenceBucket string `yaml:"presence_bucket" toml:"presence_bucket"`

	PresenceTTL    time.Duration `yaml:"-" toml:"-"`
	PresenceTTLRaw string        `yaml:"presence_ttl" toml:"presence_ttl"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`

	PresenceTTL    time.Duration `yaml:"-" toml:"-"`
	PresenceTTLRaw string        `yaml:"presence_ttl" toml:"presence_ttl"`
}

// WebSocketConfig points a client at a huddle relay
type WebSocketConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Token string `yaml:"token" toml:"token"`
}

// TypingConfig holds typing indicator timing
type TypingConfig struct {
	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`
	IdleTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TTLRaw           string `yaml:"ttl" toml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// AIConfig selects the AI reply streamer
type AIConfig struct {
	Provider   string `yaml:"provider" toml:"provider"`
	Model      string `yaml:"model" toml:"model"`
	GatewayURL string `yaml:"gateway_url" toml:"gateway_url"`
	Token      string `yaml:"token" toml:"token"`
	AgentID    string `yaml:"agent_id" toml:"agent_id"`

	EchoDelay    time.Duration `yaml:"-" toml:"-"`
	EchoDelayRaw string        `yaml:"echo_delay" toml:"echo_delay"`
}

// RelayConfig holds huddle-relay server settings
type RelayConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	JWTSecret       string   `yaml:"jwt_secret" toml:"jwt_secret"`
	EventsPerSecond float64  `yaml:"events_per_second" toml:"events_per_second"`
	Burst           int      `yaml:"burst" toml:"burst"`
	AllowedOrigins  []string `yaml:"allowed_origins" toml:"allowed_origins"`
	MetricsPath     string   `yaml:"metrics_path" toml:"metrics_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultPath returns $HUDDLE_CONFIG, or huddle/config.yaml under the XDG
// config directory.
func DefaultPath() string {
	if p := os.Getenv("HUDDLE_CONFIG"); p != "" {
		return p
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "huddle.yaml")
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "huddle", "config.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Identity.Status == "" {
		c.Identity.Status = "online"
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportMemory
	}
	if c.Transport.ChannelPrefix == "" {
		c.Transport.ChannelPrefix = "conversation-"
	}
	if c.Transport.NATS.SubjectPrefix == "" {
		c.Transport.NATS.SubjectPrefix = "huddle"
	}
	if c.Transport.NATS.PresenceBucket == "" {
		c.Transport.NATS.PresenceBucket = "huddle_presence"
	}
	if c.Transport.NATS.PresenceTTL == 0 {
		c.Transport.NATS.PresenceTTL = 30 * time.Second
	}
	if c.Transport.Redis.KeyPrefix == "" {
		c.Transport.Redis.KeyPrefix = "huddle"
	}
	if c.Transport.Redis.PresenceTTL == 0 {
		c.Transport.Redis.PresenceTTL = 30 * time.Second
	}

	if c.Typing.TTL == 0 {
		c.Typing.TTL = 3 * time.Second
	}
	if c.Typing.SweepInterval == 0 {
		c.Typing.SweepInterval = time.Second
	}
	if c.Typing.IdleTimeout == 0 {
		c.Typing.IdleTimeout = 2 * time.Second
	}

	if c.AI.Provider == "" {
		c.AI.Provider = ProviderEcho
	}
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}

	if c.Relay.Addr == "" {
		c.Relay.Addr = "localhost:8090"
	}
	if c.Relay.EventsPerSecond == 0 {
		c.Relay.EventsPerSecond = 20
	}
	if c.Relay.Burst == 0 {
		c.Relay.Burst = 40
	}
	if c.Relay.MetricsPath == "" {
		c.Relay.MetricsPath = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that the configuration is internally consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportNATS:
		if c.Transport.NATS.URL == "" {
			return fmt.Errorf("transport.nats.url is required for the nats transport")
		}
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			return fmt.Errorf("transport.redis.addr is required for the redis transport")
		}
	case TransportWebSocket:
		if c.Transport.WebSocket.URL == "" {
			return fmt.Errorf("transport.websocket.url is required for the websocket transport")
		}
		u, err := url.Parse(c.Transport.WebSocket.URL)
		if err != nil {
			return fmt.Errorf("transport.websocket.url is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("transport.websocket.url must use ws or wss scheme")
		}
	default:
		return fmt.Errorf("transport.kind %q is not one of memory, nats, redis, websocket", c.Transport.Kind)
	}

	if c.Typing.TTL <= c.Typing.SweepInterval {
		return fmt.Errorf("typing.ttl must be longer than typing.sweep_interval")
	}

	switch c.AI.Provider {
	case ProviderEcho:
	case ProviderGateway:
		if c.AI.GatewayURL == "" {
			return fmt.Errorf("ai.gateway_url is required for the gateway provider")
		}
		u, err := url.Parse(c.AI.GatewayURL)
		if err != nil {
			return fmt.Errorf("ai.gateway_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("ai.gateway_url must use http or https scheme")
		}
	default:
		return fmt.Errorf("ai.provider %q is not one of echo, gateway", c.AI.Provider)
	}

	if c.Relay.EventsPerSecond < 0 || c.Relay.Burst < 0 {
		return fmt.Errorf("relay.events_per_second and relay.burst must not be negative")
	}

	return nil
}

// ValidateClient checks the fields the chat client needs.
func (c *Config) ValidateClient() error {
	if c.Identity.UserID == "" {
		return fmt.Errorf("identity.user_id is required")
	}
	if c.Identity.UserID == "ai" {
		return fmt.Errorf("identity.user_id %q is reserved", c.Identity.UserID)
	}
	return nil
}

// ValidateRelay checks the fields the relay server needs.
func (c *Config) ValidateRelay() error {
	if c.Relay.JWTSecret == "" {
		return fmt.Errorf("relay.jwt_secret is required")
	}
	if len(c.Relay.JWTSecret) < 32 {
		return fmt.Errorf("relay.jwt_secret must be at least 32 bytes")
	}
	if c.Transport.Kind == TransportWebSocket {
		return fmt.Errorf("transport.kind websocket cannot back the relay itself")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"transport.nats.presence_ttl", cfg.Transport.NATS.PresenceTTLRaw, &cfg.Transport.NATS.PresenceTTL},
		{"transport.redis.presence_ttl", cfg.Transport.Redis.PresenceTTLRaw, &cfg.Transport.Redis.PresenceTTL},
		{"typing.ttl", cfg.Typing.TTLRaw, &cfg.Typing.TTL},
		{"typing.sweep_interval", cfg.Typing.SweepIntervalRaw, &cfg.Typing.SweepInterval},
		{"typing.idle_timeout", cfg.Typing.IdleTimeoutRaw, &cfg.Typing.IdleTimeout},
		{"ai.echo_delay", cfg.AI.EchoDelayRaw, &cfg.AI.EchoDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
