// ABOUTME: Redis transport: pub/sub for events, a hash per channel for presence
// ABOUTME: Membership changes publish a ping; subscribers re-read the hash on each ping

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-huddle/internal/event"
)

// RedisConfig configures the Redis transport.
type RedisConfig struct {
	KeyPrefix   string        // keys are <prefix>:events:<channel> and <prefix>:presence:<channel>
	PresenceTTL time.Duration // members not refreshed within this window are dropped
}

// RedisTransport implements Transport over Redis pub/sub.
type RedisTransport struct {
	rdb    *redis.Client
	cfg    RedisConfig
	owned  bool
	logger *slog.Logger
}

// DialRedis connects to addr and builds a transport that owns the client.
func DialRedis(ctx context.Context, addr, password string, db int, cfg RedisConfig, logger *slog.Logger) (*RedisTransport, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	t := NewRedisTransport(rdb, cfg, logger)
	t.owned = true
	return t, nil
}

// NewRedisTransport builds a transport on an existing client.
func NewRedisTransport(rdb *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "huddle"
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 30 * time.Second
	}
	return &RedisTransport{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With("component", "redis_transport"),
	}
}

func (t *RedisTransport) eventsKey(channel string) string {
	return t.cfg.KeyPrefix + ":events:" + channel
}

func (t *RedisTransport) presenceKey(channel string) string {
	return t.cfg.KeyPrefix + ":presence:" + channel
}

func (t *RedisTransport) pingKey(channel string) string {
	return t.cfg.KeyPrefix + ":presence:" + channel + ":changed"
}

// Subscribe joins channel, writes self into the presence hash and starts
// relaying events and roster changes.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string, self Member) (Subscription, error) {
	eventsKey, pingKey := t.eventsKey(channel), t.pingKey(channel)

	ps := t.rdb.Subscribe(ctx, eventsKey, pingKey)
	// Wait for both confirmations so no event published after return is missed.
	for range 2 {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", eventsKey, err)
		}
	}

	var field string
	st := newStream(func() error {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.rdb.HDel(leaveCtx, t.presenceKey(channel), field).Err(); err != nil {
			t.logger.Warn("failed to remove presence", "channel", channel, "user_id", self.UserID, "error", err)
		} else {
			t.notify(leaveCtx, channel)
		}
		return ps.Close()
	})

	field = presenceField(self.UserID, st.id)

	if err := t.announce(ctx, channel, field, self); err != nil {
		_ = st.Unsubscribe()
		return nil, err
	}
	t.notify(ctx, channel)

	go t.pump(st, ps, channel, eventsKey, pingKey)
	go t.heartbeat(st, channel, field, self)

	t.logger.Debug("subscribed", "channel", channel, "sub_id", st.id, "user_id", self.UserID)
	return st, nil
}

// Publish sends ev to every subscriber of channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	if err := t.rdb.Publish(ctx, t.eventsKey(channel), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.eventsKey(channel), err)
	}
	return nil
}

// Close closes the client when the transport owns it.
func (t *RedisTransport) Close() error {
	if t.owned {
		return t.rdb.Close()
	}
	return nil
}

// Members reads the roster of channel, dropping members whose heartbeat expired.
func (t *RedisTransport) Members(ctx context.Context, channel string) ([]Member, error) {
	raw, err := t.rdb.HGetAll(ctx, t.presenceKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	roster := make(map[string]Member, len(raw))
	var stale []string
	now := time.Now()
	for field, data := range raw {
		var m Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			t.logger.Warn("discarding malformed presence entry", "channel", channel, "field", field, "error", err)
			stale = append(stale, field)
			continue
		}
		roster[field] = m
	}
	for field, m := range roster {
		if now.Sub(m.LastSeen) > t.cfg.PresenceTTL {
			stale = append(stale, field)
			delete(roster, field)
		}
	}
	if len(stale) > 0 {
		if err := t.rdb.HDel(ctx, t.presenceKey(channel), stale...).Err(); err != nil {
			t.logger.Warn("failed to prune stale presence", "channel", channel, "error", err)
		}
	}

	return sortedMembers(roster), nil
}

// presenceField names one subscription's entry in the presence hash.
func presenceField(userID, subID string) string {
	return userID + "/" + subID
}

func (t *RedisTransport) announce(ctx context.Context, channel, field string, self Member) error {
	self.LastSeen = time.Now().UTC()
	data, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("failed to encode member: %w", err)
	}
	if err := t.rdb.HSet(ctx, t.presenceKey(channel), field, data).Err(); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}
	return nil
}

func (t *RedisTransport) notify(ctx context.Context, channel string) {
	if err := t.rdb.Publish(ctx, t.pingKey(channel), "1").Err(); err != nil {
		t.logger.Warn("failed to publish presence change", "channel", channel, "error", err)
	}
}

func (t *RedisTransport) pump(st *stream, ps *redis.PubSub, channel, eventsKey, pingKey string) {
	msgs := ps.Channel()
	for {
		select {
		case <-st.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				// The pubsub was closed under us; surface it as a lost connection.
				st.shut()
				return
			}
			switch msg.Channel {
			case eventsKey:
				ev, err := event.Decode([]byte(msg.Payload))
				if err != nil {
					t.logger.Warn("discarding malformed event", "channel", channel, "error", err)
					continue
				}
				if !st.deliver(ev) {
					t.logger.Debug("dropped event for slow subscriber", "channel", channel, "type", ev.Type())
				}
			case pingKey:
				t.refresh(st, channel)
			}
		}
	}
}

func (t *RedisTransport) refresh(st *stream, channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	members, err := t.Members(ctx, channel)
	if err != nil {
		t.logger.Warn("presence refresh failed", "channel", channel, "error", err)
		return
	}
	st.offerPresence(members)
}

// heartbeat refreshes self's entry and re-reads the roster so members that
// vanished without leaving age out.
func (t *RedisTransport) heartbeat(st *stream, channel, field string, self Member) {
	ticker := time.NewTicker(t.cfg.PresenceTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.announce(ctx, channel, field, self); err != nil {
				t.logger.Warn("presence heartbeat failed", "channel", channel, "error", err)
			}
			cancel()
			t.refresh(st, channel)
		}
	}
}
