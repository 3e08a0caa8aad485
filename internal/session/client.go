// ABOUTME: Client is the long-lived chat engine: state owners plus the active session
// ABOUTME: Switch tears down the old session before resetting state and opening the next

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-huddle/internal/aistream"
	"github.com/2389/coven-huddle/internal/channel"
	"github.com/2389/coven-huddle/internal/conversation"
	"github.com/2389/coven-huddle/internal/event"
	"github.com/2389/coven-huddle/internal/presence"
	"github.com/2389/coven-huddle/internal/typing"
)

// ErrNoConversation is returned when an operation needs an active conversation.
var ErrNoConversation = errors.New("no active conversation")

// Config configures a Client.
type Config struct {
	Self          event.Envelope
	Transport     channel.Transport
	Streamer      aistream.Streamer
	Model         string
	ChannelPrefix string
	TypingTTL     time.Duration
	SweepInterval time.Duration
	TypingIdle    time.Duration
	EchoTTL       time.Duration
	History       HistoryLoader
	Logger        *slog.Logger
}

// Client owns the conversation store, presence roster and typing roster, and
// at most one Session at a time.
type Client struct {
	cfg     Config
	store   *conversation.Store
	tracker *presence.Tracker
	typing  *typing.Manager
	replies *conversation.ReplyResolver

	mu      sync.Mutex
	session *Session

	updates chan struct{}
	logger  *slog.Logger
}

// NewClient creates a client with no active conversation.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Self.UserID == "" {
		return nil, errors.New("self user id is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store := conversation.NewStore(cfg.Logger)
	c := &Client{
		cfg:     cfg,
		store:   store,
		tracker: presence.NewTracker(),
		typing:  typing.NewManager(cfg.TypingTTL, cfg.SweepInterval, cfg.Logger),
		replies: conversation.NewReplyResolver(store),
		updates: make(chan struct{}, 1),
		logger:  cfg.Logger.With("component", "client"),
	}
	c.tracker.SetOnChange(c.notify)
	c.typing.SetOnChange(c.notify)
	return c, nil
}

// Switch makes conversationID the active conversation. The previous session
// is fully closed before state is reset, so at most one subscription and one
// typing sweep exist at any time. An empty id leaves the current conversation.
func (c *Client) Switch(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Warn("closing previous session", "error", err)
		}
		c.session = nil
	}

	c.store.Reset(conversationID)
	c.tracker.OnSnapshot(nil)
	c.typing.Reset()
	defer c.notify()

	if conversationID == "" {
		return nil
	}

	s, err := Open(ctx, State{Store: c.store, Tracker: c.tracker, Typing: c.typing}, Options{
		ConversationID: conversationID,
		ChannelPrefix:  c.cfg.ChannelPrefix,
		Self:           c.cfg.Self,
		Transport:      c.cfg.Transport,
		Streamer:       c.cfg.Streamer,
		Model:          c.cfg.Model,
		TypingIdle:     c.cfg.TypingIdle,
		EchoTTL:        c.cfg.EchoTTL,
		History:        c.cfg.History,
		OnChange:       c.notify,
		Logger:         c.cfg.Logger,
	})
	if err != nil {
		return err
	}
	c.session = s
	return nil
}

// Close leaves the active conversation.
func (c *Client) Close() error {
	return c.Switch(context.Background(), "")
}

func (c *Client) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Send posts a message in the active conversation and streams the AI reply.
func (c *Client) Send(ctx context.Context, content, parentMessageID string) (aistream.Turn, error) {
	s := c.current()
	if s == nil {
		return aistream.Turn{}, ErrNoConversation
	}
	return s.Send(ctx, content, parentMessageID)
}

// React toggles the local user's emoji on a message.
func (c *Client) React(messageID, emoji string) error {
	s := c.current()
	if s == nil {
		return ErrNoConversation
	}
	return s.React(messageID, emoji)
}

// InputChanged reports composer edits for typing indicators.
func (c *Client) InputChanged(text string) {
	if s := c.current(); s != nil {
		s.InputChanged(text)
	}
}

// ConversationID returns the active conversation, or "".
func (c *Client) ConversationID() string {
	return c.store.ConversationID()
}

// Realtime reports whether the active session is subscribed to its channel.
func (c *Client) Realtime() bool {
	s := c.current()
	return s != nil && s.Realtime()
}

// Messages returns the active conversation's messages in order.
func (c *Client) Messages() []conversation.Message { return c.store.Messages() }

// Message returns one message by id.
func (c *Client) Message(id string) (conversation.Message, bool) { return c.store.Message(id) }

// Reply resolves the reply preview for a parent message id.
func (c *Client) Reply(parentMessageID string) conversation.ReplyPreview {
	return c.replies.Resolve(parentMessageID)
}

// Roster returns the online users of the active conversation.
func (c *Client) Roster() []presence.OnlineUser { return c.tracker.Roster() }

// Typing returns the users currently typing, excluding stale entries.
func (c *Client) Typing() []typing.Entry { return c.typing.Active() }

// Loading reports whether an AI turn is in flight.
func (c *Client) Loading() bool {
	s := c.current()
	return s != nil && s.Loading()
}

// Streaming returns the partial AI reply being received.
func (c *Client) Streaming() (string, bool) {
	s := c.current()
	if s == nil {
		return "", false
	}
	return s.Streaming()
}

// Updates signals that visible state changed. Signals coalesce; receivers
// should re-read whatever they render.
func (c *Client) Updates() <-chan struct{} { return c.updates }

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
