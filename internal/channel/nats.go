// ABOUTME: NATS transport: core subjects for events, a JetStream KV bucket for presence
// ABOUTME: Presence keys are refreshed by heartbeat and expire by bucket TTL after a crash

package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/2389/coven-huddle/internal/event"
)

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	SubjectPrefix  string        // events publish on <prefix>.<channel>
	PresenceBucket string        // JetStream KV bucket for presence
	PresenceTTL    time.Duration // bucket TTL; heartbeats run at a third of it
}

// NATSTransport implements Transport over a NATS connection.
type NATSTransport struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	cfg    NATSConfig
	owned  bool
	logger *slog.Logger
}

// DialNATS connects to url and builds a transport that owns the connection.
func DialNATS(ctx context.Context, url string, cfg NATSConfig, logger *slog.Logger) (*NATSTransport, error) {
	nc, err := nats.Connect(url, nats.Name("coven-huddle"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t, err := NewNATSTransport(ctx, nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewNATSTransport builds a transport on an existing connection, creating the
// presence bucket if needed.
func NewNATSTransport(ctx context.Context, nc *nats.Conn, cfg NATSConfig, logger *slog.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "huddle"
	}
	if cfg.PresenceBucket == "" {
		cfg.PresenceBucket = "huddle_presence"
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 30 * time.Second
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.PresenceBucket,
		Description: "huddle channel presence",
		TTL:         cfg.PresenceTTL,
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create presence bucket %q: %w", cfg.PresenceBucket, err)
	}

	return &NATSTransport{
		nc:     nc,
		kv:     kv,
		cfg:    cfg,
		logger: logger.With("component", "nats_transport"),
	}, nil
}

// Subscribe joins channel, announces self in the presence bucket and starts
// watching the bucket for roster changes.
func (t *NATSTransport) Subscribe(ctx context.Context, channel string, self Member) (Subscription, error) {
	subject := t.subject(channel)

	var (
		key     string
		st      *stream
		natsSub *nats.Subscription
		watcher jetstream.KeyWatcher
	)
	watchCtx, stopWatch := context.WithCancel(context.Background())

	st = newStream(func() error {
		stopWatch()
		if watcher != nil {
			_ = watcher.Stop()
		}
		var err error
		if natsSub != nil {
			err = natsSub.Unsubscribe()
		}
		delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if delErr := t.kv.Delete(delCtx, key); delErr != nil {
			t.logger.Warn("failed to remove presence key", "key", key, "error", delErr)
		}
		return err
	})

	key = presenceKey(channel, self.UserID, st.id)

	fail := func(err error) (Subscription, error) {
		_ = st.Unsubscribe()
		return nil, err
	}

	var err error
	natsSub, err = t.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := event.Decode(msg.Data)
		if err != nil {
			t.logger.Warn("discarding malformed event", "subject", msg.Subject, "error", err)
			return
		}
		if !st.deliver(ev) {
			t.logger.Debug("dropped event for slow subscriber", "subject", msg.Subject, "type", ev.Type())
		}
	})
	if err != nil {
		return fail(fmt.Errorf("failed to subscribe to %s: %w", subject, err))
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return fail(fmt.Errorf("failed to flush subscription: %w", err))
	}

	if err := t.announce(ctx, key, self); err != nil {
		return fail(err)
	}

	watcher, err = t.kv.Watch(watchCtx, keyToken(channel)+".>")
	if err != nil {
		return fail(fmt.Errorf("failed to watch presence: %w", err))
	}

	go t.watchPresence(st, watcher)
	go t.heartbeat(st, key, self)

	t.logger.Debug("subscribed", "subject", subject, "sub_id", st.id, "user_id", self.UserID)
	return st, nil
}

// Publish sends ev on the channel subject and waits for the server to accept it.
func (t *NATSTransport) Publish(ctx context.Context, channel string, ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	if err := t.nc.Publish(t.subject(channel), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.subject(channel), err)
	}
	return t.nc.FlushWithContext(ctx)
}

// Close drains the connection when the transport owns it.
func (t *NATSTransport) Close() error {
	if t.owned {
		return t.nc.Drain()
	}
	return nil
}

func (t *NATSTransport) subject(channel string) string {
	return t.cfg.SubjectPrefix + "." + keyToken(channel)
}

func (t *NATSTransport) announce(ctx context.Context, key string, self Member) error {
	self.LastSeen = time.Now().UTC()
	data, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("failed to encode member: %w", err)
	}
	if _, err := t.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}
	return nil
}

// heartbeat re-puts the presence key so the bucket TTL only removes members
// whose process went away.
func (t *NATSTransport) heartbeat(st *stream, key string, self Member) {
	ticker := time.NewTicker(t.cfg.PresenceTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.announce(ctx, key, self); err != nil {
				t.logger.Warn("presence heartbeat failed", "key", key, "error", err)
			}
			cancel()
		}
	}
}

// watchPresence folds bucket updates into a roster and pushes snapshots. The
// initial values are batched until the watcher signals it is caught up. Keys
// aged out by the bucket TTL produce no delete marker, so stale members are
// pruned on a timer as well.
func (t *NATSTransport) watchPresence(st *stream, w jetstream.KeyWatcher) {
	roster := make(map[string]Member)
	var caughtUp bool

	prune := time.NewTicker(t.cfg.PresenceTTL / 3)
	defer prune.Stop()

	for {
		select {
		case <-st.done:
			return
		case <-prune.C:
			if caughtUp && pruneStale(roster, t.cfg.PresenceTTL, time.Now()) {
				st.offerPresence(sortedMembers(roster))
			}
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil {
				caughtUp = true
				st.offerPresence(sortedMembers(roster))
				continue
			}

			switch entry.Operation() {
			case jetstream.KeyValuePut:
				var m Member
				if err := json.Unmarshal(entry.Value(), &m); err != nil {
					t.logger.Warn("discarding malformed presence entry", "key", entry.Key(), "error", err)
					continue
				}
				if m.LastSeen.IsZero() {
					m.LastSeen = entry.Created()
				}
				roster[entry.Key()] = m
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				delete(roster, entry.Key())
			}

			if caughtUp {
				st.offerPresence(sortedMembers(roster))
			}
		}
	}
}

// presenceKey is <channel token>.<user token>.<subscription id>, one key per
// subscription so a user connected twice stays listed until both leave.
func presenceKey(channel, userID, subID string) string {
	return keyToken(channel) + "." + keyToken(userID) + "." + subID
}

// keyToken encodes s into the subject and key alphabet. The encoding is
// reversible, so distinct channels never share a subject.
func keyToken(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// sortedMembers lists each user once, keeping their freshest entry, ordered
// by user id. Heartbeats move LastSeen, so it cannot give a stable order here.
func sortedMembers(roster map[string]Member) []Member {
	byUser := make(map[string]Member, len(roster))
	for _, m := range roster {
		if prev, ok := byUser[m.UserID]; ok && !m.LastSeen.After(prev.LastSeen) {
			continue
		}
		byUser[m.UserID] = m
	}
	members := make([]Member, 0, len(byUser))
	for _, m := range byUser {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].UserID < members[j].UserID
	})
	return members
}

// pruneStale drops members whose heartbeat is older than ttl and reports
// whether anything was removed.
func pruneStale(roster map[string]Member, ttl time.Duration, now time.Time) bool {
	pruned := false
	for k, m := range roster {
		if now.Sub(m.LastSeen) > ttl {
			delete(roster, k)
			pruned = true
		}
	}
	return pruned
}
