// ABOUTME: Builds the configured Transport for the huddle binaries
// ABOUTME: Returns a close function that releases whatever the transport owns

package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-huddle/internal/config"
)

// Open builds the transport selected by cfg.Kind.
func Open(ctx context.Context, cfg config.TransportConfig, logger *slog.Logger) (Transport, func() error, error) {
	switch cfg.Kind {
	case config.TransportMemory, "":
		hub := NewHub(logger)
		return hub, func() error { hub.Close(); return nil }, nil

	case config.TransportNATS:
		t, err := DialNATS(ctx, cfg.NATS.URL, NATSConfig{
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			PresenceBucket: cfg.NATS.PresenceBucket,
			PresenceTTL:    cfg.NATS.PresenceTTL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil

	case config.TransportRedis:
		t, err := DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, RedisConfig{
			KeyPrefix:   cfg.Redis.KeyPrefix,
			PresenceTTL: cfg.Redis.PresenceTTL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil

	case config.TransportWebSocket:
		t := NewWebSocketTransport(cfg.WebSocket.URL, cfg.WebSocket.Token, logger)
		return t, func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
