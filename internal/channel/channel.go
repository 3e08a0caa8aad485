// ABOUTME: EventChannel port: per-conversation publish/subscribe with presence snapshots
// ABOUTME: Transports (memory hub, NATS, Redis, websocket relay) implement Transport

package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-huddle/internal/event"
)

const (
	// DefaultPrefix is prepended to conversation ids to form channel names.
	DefaultPrefix = "conversation-"

	// subscriberBufferSize is the event buffer for each subscription.
	subscriberBufferSize = 64
)

// Transport errors
var (
	ErrClosed            = errors.New("transport closed")
	ErrNotSubscribed     = errors.New("not subscribed to channel")
	ErrAlreadySubscribed = errors.New("already subscribed to channel")
)

// Name returns the channel name for a conversation.
func Name(prefix, conversationID string) string {
	return prefix + conversationID
}

// Member is one entry of a channel's presence list.
type Member struct {
	UserID   string         `json:"userId"`
	Metadata event.Metadata `json:"metadata"`
	LastSeen time.Time      `json:"lastSeen"`
}

// Subscription is one client's membership in a channel.
type Subscription interface {
	// ID identifies the subscription within its transport.
	ID() string
	// Events delivers inbound events in arrival order. Closed on unsubscribe
	// or when the transport loses the connection.
	Events() <-chan event.Event
	// Presence delivers full member lists; only the latest is retained.
	Presence() <-chan []Member
	// Unsubscribe leaves the channel. Safe to call more than once.
	Unsubscribe() error
}

// Transport is the realtime channel collaborator.
type Transport interface {
	Subscribe(ctx context.Context, channel string, self Member) (Subscription, error)
	Publish(ctx context.Context, channel string, ev event.Event) error
}

// stream is the Subscription implementation shared by every transport.
type stream struct {
	id       string
	mu       sync.Mutex
	events   chan event.Event
	presence chan []Member
	done     chan struct{}
	closed   bool
	once     sync.Once
	leave    func() error
	err      error
}

func newStream(leave func() error) *stream {
	return &stream{
		id:       uuid.New().String(),
		events:   make(chan event.Event, subscriberBufferSize),
		presence: make(chan []Member, 1),
		done:     make(chan struct{}),
		leave:    leave,
	}
}

func (s *stream) ID() string                 { return s.id }
func (s *stream) Events() <-chan event.Event { return s.events }
func (s *stream) Presence() <-chan []Member  { return s.presence }

// Unsubscribe runs the transport's leave hook once and closes the stream.
func (s *stream) Unsubscribe() error {
	s.once.Do(func() {
		if s.leave != nil {
			s.err = s.leave()
		}
		s.shut()
	})
	return s.err
}

// deliver queues ev without blocking. Returns false if the stream is closed
// or its buffer is full.
func (s *stream) deliver(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// offerPresence replaces any undelivered snapshot with members.
func (s *stream) offerPresence(members []Member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case <-s.presence:
	default:
	}
	s.presence <- append([]Member(nil), members...)
}

// shut closes the delivery channels. Idempotent.
func (s *stream) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.events)
	close(s.presence)
}
