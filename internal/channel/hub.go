// ABOUTME: In-memory fan-out transport with presence for a single process
// ABOUTME: Backs tests, the relay server and single-binary demos

package channel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-huddle/internal/event"
)

// hubMember is a subscription plus the member it announced.
type hubMember struct {
	stream *stream
	member Member
}

// Hub is an in-process Transport. Every subscriber of a channel, the
// publisher included, receives each published event. Membership changes push
// a fresh presence snapshot to all subscribers of the channel.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*hubMember // channel -> subID -> member
	closed   bool
	now      func() time.Time
	logger   *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[string]map[string]*hubMember),
		now:      time.Now,
		logger:   logger.With("component", "hub"),
	}
}

// Subscribe joins channel as self. The subscription is removed automatically
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, channel string, self Member) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var st *stream
	st = newStream(func() error {
		h.remove(channel, st.id)
		return nil
	})
	if self.LastSeen.IsZero() {
		self.LastSeen = h.now()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]*hubMember)
	}
	h.channels[channel][st.id] = &hubMember{stream: st, member: self}
	h.pushPresenceLocked(channel)
	h.mu.Unlock()

	h.logger.Debug("subscriber added",
		"channel", channel,
		"sub_id", st.id,
		"user_id", self.UserID)

	go func() {
		select {
		case <-ctx.Done():
			_ = st.Unsubscribe()
		case <-st.done:
		}
	}()

	return st, nil
}

// Publish delivers ev to every subscriber of channel. Subscribers whose
// buffers are full miss the event.
func (h *Hub) Publish(ctx context.Context, channel string, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	subs := h.channels[channel]
	targets := make([]*stream, 0, len(subs))
	for _, m := range subs {
		targets = append(targets, m.stream)
	}
	h.mu.RUnlock()

	for _, st := range targets {
		if !st.deliver(ev) {
			h.logger.Debug("dropped event for slow subscriber",
				"channel", channel,
				"sub_id", st.id,
				"type", ev.Type())
		}
	}
	return nil
}

// remove drops a subscription and notifies the remaining members.
func (h *Hub) remove(channel, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	m, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	m.stream.shut()

	if len(subs) == 0 {
		delete(h.channels, channel)
	} else {
		h.pushPresenceLocked(channel)
	}

	h.logger.Debug("subscriber removed",
		"channel", channel,
		"sub_id", subID)
}

// pushPresenceLocked sends the channel's member list to all its subscribers.
// Must be called with mu held.
func (h *Hub) pushPresenceLocked(channel string) {
	members := h.membersLocked(channel)
	for _, m := range h.channels[channel] {
		m.stream.offerPresence(members)
	}
}

// membersLocked returns one entry per user, earliest join first.
// Must be called with mu held.
func (h *Hub) membersLocked(channel string) []Member {
	byUser := make(map[string]Member)
	for _, m := range h.channels[channel] {
		if prev, ok := byUser[m.member.UserID]; ok && prev.LastSeen.Before(m.member.LastSeen) {
			continue
		}
		byUser[m.member.UserID] = m.member
	}

	members := make([]Member, 0, len(byUser))
	for _, m := range byUser {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].LastSeen.Equal(members[j].LastSeen) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].LastSeen.Before(members[j].LastSeen)
	})
	return members
}

// Members returns the current member list of channel.
func (h *Hub) Members(channel string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.membersLocked(channel)
}

// SubscriberCount returns the number of live subscriptions on channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close shuts down the hub and closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, subs := range h.channels {
		for id, m := range subs {
			m.stream.shut()
			delete(subs, id)
		}
		delete(h.channels, name)
	}
	h.closed = true

	h.logger.Debug("hub closed")
}
