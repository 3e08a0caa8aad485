// ABOUTME: Session binds one conversation to its channel subscription and background loops
// ABOUTME: Opened on join, closed on switch; owns dispatch, typing sweep and the outbound queue

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-huddle/internal/aistream"
	"github.com/2389/coven-huddle/internal/channel"
	"github.com/2389/coven-huddle/internal/conversation"
	"github.com/2389/coven-huddle/internal/dedupe"
	"github.com/2389/coven-huddle/internal/event"
	"github.com/2389/coven-huddle/internal/presence"
	"github.com/2389/coven-huddle/internal/typing"
)

const (
	// DefaultOutboundQueue bounds events waiting to be published.
	DefaultOutboundQueue = 256

	// DefaultEchoTTL is how long a local reaction waits for its echo.
	DefaultEchoTTL = 30 * time.Second

	echoCacheSize = 1024

	// closeGrace bounds how long Close waits for queued events to publish.
	closeGrace = 2 * time.Second
)

// Session errors
var (
	ErrUnknownMessage = errors.New("message not found in conversation")
	ErrClosed         = errors.New("session closed")
)

// HistoryLoader supplies earlier messages when a conversation is opened.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

// HistoryLoaderFunc adapts a function to HistoryLoader.
type HistoryLoaderFunc func(ctx context.Context, conversationID string) ([]conversation.Message, error)

func (f HistoryLoaderFunc) LoadHistory(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	return f(ctx, conversationID)
}

// State is the per-client state a session writes into. It outlives sessions
// and is reset between them.
type State struct {
	Store   *conversation.Store
	Tracker *presence.Tracker
	Typing  *typing.Manager
}

// Options configures a session.
type Options struct {
	ConversationID string
	ChannelPrefix  string
	Self           event.Envelope
	Transport      channel.Transport
	Streamer       aistream.Streamer
	Model          string
	TypingIdle     time.Duration
	EchoTTL        time.Duration
	OutboundQueue  int
	History        HistoryLoader
	OnChange       func()
	Logger         *slog.Logger
}

// Session is the live binding of one conversation.
type Session struct {
	conversationID string
	channelName    string
	self           event.Envelope
	state          State
	transport      channel.Transport
	sub            channel.Subscription // nil when running local-only
	emitter        *typing.Emitter
	ai             *aistream.Coordinator
	echoes         *dedupe.Cache
	notify         func()

	outMu    sync.Mutex
	outbound chan event.Event
	outDone  chan struct{}
	closed   bool

	reactMu       sync.Mutex
	lastReactedAt int64

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	logger    *slog.Logger
}

// Open loads history, subscribes to the conversation's channel and starts
// the session loops. A failed subscription leaves the session usable in
// local-only mode.
func Open(ctx context.Context, state State, opts Options) (*Session, error) {
	if opts.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if opts.Self.UserID == "" {
		return nil, fmt.Errorf("%w: self user id is empty", event.ErrInvalidEnvelope)
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = channel.DefaultPrefix
	}
	if opts.Streamer == nil {
		opts.Streamer = aistream.EchoStreamer{}
	}
	if opts.EchoTTL <= 0 {
		opts.EchoTTL = DefaultEchoTTL
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = DefaultOutboundQueue
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = typing.DefaultIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notify := opts.OnChange
	if notify == nil {
		notify = func() {}
	}

	s := &Session{
		conversationID: opts.ConversationID,
		channelName:    channel.Name(opts.ChannelPrefix, opts.ConversationID),
		self:           opts.Self,
		state:          state,
		transport:      opts.Transport,
		echoes:         dedupe.New(opts.EchoTTL, echoCacheSize),
		notify:         notify,
		outbound:       make(chan event.Event, opts.OutboundQueue),
		outDone:        make(chan struct{}),
		logger: logger.With(
			"component", "session",
			"conversation_id", opts.ConversationID),
	}

	if opts.History != nil {
		s.loadHistory(ctx, opts.History)
	}

	self := channel.Member{UserID: opts.Self.UserID, Metadata: opts.Self.Metadata}
	sub, err := opts.Transport.Subscribe(ctx, s.channelName, self)
	if err != nil {
		s.logger.Error("subscribe failed, continuing without realtime updates",
			"channel", s.channelName,
			"error", err)
	} else {
		s.sub = sub
	}

	s.emitter = typing.NewEmitter(opts.TypingIdle, func(p event.Payload) {
		s.enqueue(event.New(s.self, p))
	})
	s.ai = aistream.NewCoordinator(state.Store, opts.Streamer, aistream.Options{
		Self:     opts.Self,
		Model:    opts.Model,
		Publish:  s.enqueue,
		OnPosted: s.emitter.Flush,
		Logger:   logger,
	})
	s.ai.SetOnChange(notify)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	s.group = group

	group.Go(func() error { return s.dispatch(gctx) })
	group.Go(func() error { return state.Typing.Run(gctx) })
	group.Go(func() error { return s.writeOutbound(runCtx) })

	s.logger.Info("session opened", "channel", s.channelName, "realtime", s.sub != nil)
	return s, nil
}

func (s *Session) loadHistory(ctx context.Context, loader HistoryLoader) {
	msgs, err := loader.LoadHistory(ctx, s.conversationID)
	if err != nil {
		s.logger.Warn("failed to load history", "error", err)
		return
	}
	for _, m := range msgs {
		s.state.Store.AppendLocal(m)
	}
	s.logger.Debug("history loaded", "messages", len(msgs))
}

// ConversationID returns the conversation this session is bound to.
func (s *Session) ConversationID() string { return s.conversationID }

// ChannelName returns the channel the session publishes on.
func (s *Session) ChannelName() string { return s.channelName }

// Realtime reports whether the session holds a channel subscription.
func (s *Session) Realtime() bool { return s.sub != nil }

// dispatch applies inbound events and presence snapshots in arrival order.
func (s *Session) dispatch(ctx context.Context) error {
	if s.sub == nil {
		<-ctx.Done()
		return nil
	}

	events := s.sub.Events()
	members := s.sub.Presence()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				s.logger.Warn("channel closed, continuing without realtime updates", "channel", s.channelName)
				events, members = nil, nil
				continue
			}
			s.handle(ev)

		case ms, ok := <-members:
			if !ok {
				members = nil
				continue
			}
			s.state.Tracker.OnSnapshot(onlineUsers(ms))
		}
	}
}

func (s *Session) handle(ev event.Event) {
	switch p := ev.Payload.(type) {
	case event.TypingStart:
		if ev.UserID == s.self.UserID {
			return
		}
		s.state.Typing.Start(ev.UserID, ev.Metadata.DisplayName)

	case event.TypingStop:
		if ev.UserID == s.self.UserID {
			return
		}
		s.state.Typing.Stop(ev.UserID)

	case event.MessageReaction:
		if ev.UserID == s.self.UserID && s.echoes.Consume(reactionKey(ev.UserID, p)) {
			return
		}
		if s.state.Store.ApplyRemoteEvent(ev) == conversation.OutcomeApplied {
			s.notify()
		}

	case event.NewMessage:
		if s.state.Store.ApplyRemoteEvent(ev) == conversation.OutcomeApplied {
			s.notify()
		}
	}
}

// enqueue hands ev to the outbound writer without blocking.
func (s *Session) enqueue(ev event.Event) {
	if s.sub == nil {
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.outbound <- ev:
	default:
		s.logger.Warn("outbound queue full, dropping event", "type", ev.Type())
	}
}

// writeOutbound publishes queued events in order until the queue is closed.
func (s *Session) writeOutbound(ctx context.Context) error {
	defer close(s.outDone)

	for ev := range s.outbound {
		if err := s.transport.Publish(ctx, s.channelName, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("publish failed",
				"channel", s.channelName,
				"type", ev.Type(),
				"error", err)
		}
	}
	return nil
}

// Send posts content and streams the AI reply. Blocks for the whole turn.
func (s *Session) Send(ctx context.Context, content, parentMessageID string) (aistream.Turn, error) {
	if s.isClosed() {
		return aistream.Turn{}, ErrClosed
	}
	turn, err := s.ai.Send(ctx, content, parentMessageID)
	if errors.Is(err, aistream.ErrClosed) {
		return turn, ErrClosed
	}
	return turn, err
}

// React toggles the local user's emoji on messageID and broadcasts it.
func (s *Session) React(messageID, emoji string) error {
	if s.isClosed() {
		return ErrClosed
	}

	p := event.MessageReaction{
		MessageID: messageID,
		Emoji:     emoji,
		Timestamp: s.nextReactionTimestamp(),
	}
	ev := event.New(s.self, p)
	if err := ev.Validate(); err != nil {
		return err
	}

	switch s.state.Store.ApplyRemoteEvent(ev) {
	case conversation.OutcomeDropped:
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	case conversation.OutcomeApplied:
		s.notify()
	}

	if s.sub != nil {
		s.echoes.Mark(reactionKey(s.self.UserID, p))
	}
	s.enqueue(ev)
	return nil
}

// nextReactionTimestamp returns the current unix-ms time, bumped so no two
// local reactions share a timestamp and therefore an echo key.
func (s *Session) nextReactionTimestamp() int64 {
	s.reactMu.Lock()
	defer s.reactMu.Unlock()

	ts := event.Millis(time.Now())
	if ts <= s.lastReactedAt {
		ts = s.lastReactedAt + 1
	}
	s.lastReactedAt = ts
	return ts
}

// InputChanged feeds composer edits to the typing emitter.
func (s *Session) InputChanged(text string) {
	s.emitter.InputChanged(text)
}

// Loading reports whether an AI turn is in flight.
func (s *Session) Loading() bool { return s.ai.Loading() }

// Streaming returns the partial AI reply.
func (s *Session) Streaming() (string, bool) { return s.ai.Streaming() }

func (s *Session) isClosed() bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.closed
}

// Close cancels any AI turn, ends the typing burst, flushes queued events,
// stops the loops and leaves the channel. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.ai.Close()
		s.emitter.Close()

		s.outMu.Lock()
		s.closed = true
		close(s.outbound)
		s.outMu.Unlock()

		select {
		case <-s.outDone:
		case <-time.After(closeGrace):
			s.logger.Warn("outbound queue not drained before close")
		}

		s.cancel()
		if werr := s.group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}

		if s.sub != nil {
			if uerr := s.sub.Unsubscribe(); uerr != nil {
				s.logger.Warn("unsubscribe failed", "error", uerr)
			}
		}
		s.echoes.Close()

		s.logger.Info("session closed", "channel", s.channelName)
	})
	return err
}

// reactionKey identifies one reaction toggle for echo suppression.
func reactionKey(userID string, p event.MessageReaction) string {
	return userID + "|" + p.MessageID + "|" + p.Emoji + "|" + strconv.FormatInt(p.Timestamp, 10)
}

// onlineUsers converts channel members to roster entries.
func onlineUsers(members []channel.Member) []presence.OnlineUser {
	users := make([]presence.OnlineUser, 0, len(members))
	for _, m := range members {
		users = append(users, presence.NewOnlineUser(m.UserID, m.Metadata, m.LastSeen))
	}
	return users
}
