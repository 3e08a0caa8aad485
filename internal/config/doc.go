// Package config handles configuration loading for huddle and huddle-relay.
//
// # Configuration File
//
// Default location:
//
//  1. Path from HUDDLE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/huddle/config.yaml (~/.config when unset)
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	relay:
//	  jwt_secret: "${HUDDLE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	identity:
//	  user_id: "alice"          # required by the client, "ai" is reserved
//	  display_name: "Alice"
//	  status: "online"
//
//	transport:
//	  kind: "memory"            # memory, nats, redis, websocket
//	  channel_prefix: "conversation-"
//	  nats:  { url: "nats://localhost:4222", presence_ttl: "30s" }
//	  redis: { addr: "localhost:6379", presence_ttl: "30s" }
//	  websocket: { url: "ws://localhost:8090/ws", token: "${HUDDLE_TOKEN}" }
//
//	typing:
//	  ttl: "3s"                 # remote indicator lifetime
//	  sweep_interval: "1s"
//	  idle_timeout: "2s"        # local typing-stop after this much quiet
//
//	ai:
//	  provider: "echo"          # echo, gateway
//	  model: "gpt-4o-mini"
//	  gateway_url: "http://localhost:8080"
//
//	relay:
//	  addr: "localhost:8090"
//	  jwt_secret: "${HUDDLE_JWT_SECRET}"   # at least 32 bytes
//	  events_per_second: 20
//	  burst: 40
//
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text, json
//
// # Validation
//
// Load applies defaults and calls Validate. Binaries additionally call
// ValidateClient or ValidateRelay for the fields only they need.
package config
