// ABOUTME: AIStreamCoordinator runs one prompt/response turn at a time
// ABOUTME: Partial output stays in a transient buffer; only complete replies reach the store

package aistream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-huddle/internal/conversation"
	"github.com/2389/coven-huddle/internal/event"
)

// ErrorNotice is the system message posted when a turn fails.
const ErrorNotice = "Sorry, there was an error processing your message. Please try again."

// Coordinator errors
var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrBusy        = errors.New("a response is already streaming")
	ErrCanceled    = errors.New("turn canceled")
	ErrStream      = errors.New("ai stream failed")
	ErrClosed      = errors.New("coordinator closed")
)

// Store is the part of the conversation store a turn writes to.
type Store interface {
	AppendLocal(msg conversation.Message) bool
	AppendSystemNotice(text string) conversation.Message
}

// Options configures a Coordinator.
type Options struct {
	Self     event.Envelope    // author of user messages
	Model    string            // defaults to DefaultModel
	Publish  func(event.Event) // non-blocking broadcast; nil disables
	OnPosted func()            // runs after the user message is published
	Logger   *slog.Logger
}

// Turn reports what a Send committed.
type Turn struct {
	User   conversation.Message
	Reply  *conversation.Message // nil unless the stream completed
	Notice *conversation.Message // nil unless the turn failed
}

// Coordinator owns the loading flag and streaming buffer for one conversation.
type Coordinator struct {
	store    Store
	streamer Streamer
	opts     Options
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	turn      uint64
	loading   bool
	closed    bool
	streaming bool
	buf       strings.Builder
	cancel    context.CancelFunc
	onChange  func()
}

// NewCoordinator creates a coordinator writing to store.
func NewCoordinator(store Store, streamer Streamer, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	return &Coordinator{
		store:    store,
		streamer: streamer,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With("component", "aistream"),
	}
}

// SetOnChange registers a callback fired when loading or the buffer changes.
func (c *Coordinator) SetOnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Send posts content as a user message and streams the AI reply. It blocks
// until the turn completes, fails or is canceled.
func (c *Coordinator) Send(ctx context.Context, content, parentMessageID string) (Turn, error) {
	if strings.TrimSpace(content) == "" {
		return Turn{}, ErrEmptyPrompt
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Turn{}, ErrClosed
	}
	if c.loading {
		c.mu.Unlock()
		return Turn{}, ErrBusy
	}
	c.turn++
	id := c.turn
	c.loading = true
	c.streaming = false
	c.buf.Reset()
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	c.changed()

	defer func() {
		cancel()
		c.mu.Lock()
		if c.turn == id {
			c.loading = false
			c.streaming = false
			c.buf.Reset()
			c.cancel = nil
		}
		c.mu.Unlock()
		c.changed()
	}()

	user, ok := c.postUserMessage(id, content, parentMessageID)
	turn := Turn{User: user}
	if !ok {
		return turn, ErrCanceled
	}

	err := c.streamer.StreamText(turnCtx, Request{Prompt: content, Model: c.opts.Model}, func(chunk string) {
		c.mu.Lock()
		if c.turn != id || !c.loading {
			c.mu.Unlock()
			return
		}
		c.buf.WriteString(chunk)
		c.streaming = true
		c.mu.Unlock()
		c.changed()
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn != id || turnCtx.Err() != nil {
		c.logger.Debug("turn canceled", "message_id", user.ID)
		return turn, ErrCanceled
	}

	text := c.buf.String()
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty response")
	}
	if err != nil {
		c.logger.Error("ai stream failed", "message_id", user.ID, "error", err)
		notice := c.store.AppendSystemNotice(ErrorNotice)
		turn.Notice = &notice
		return turn, fmt.Errorf("%w: %w", ErrStream, err)
	}

	reply := conversation.Message{
		ID:         "ai_" + uuid.New().String(),
		Kind:       event.KindAI,
		Content:    text,
		CreatedAt:  c.now().UTC(),
		AuthorID:   event.AIUserID,
		AuthorName: event.AIDisplayName,
	}
	c.store.AppendLocal(reply)
	c.publish(event.New(event.AIEnvelope(), event.NewMessage{
		ID:          reply.ID,
		MessageType: event.KindAI,
		Content:     reply.Content,
		Timestamp:   reply.CreatedAt,
	}))
	turn.Reply = &reply

	c.logger.Debug("turn complete", "message_id", user.ID, "reply_id", reply.ID, "bytes", len(text))
	return turn, nil
}

// postUserMessage commits and broadcasts the prompt unless turn id was
// canceled first.
func (c *Coordinator) postUserMessage(id uint64, content, parentMessageID string) (conversation.Message, bool) {
	self := c.opts.Self
	msg := conversation.Message{
		ID:              "msg_" + uuid.New().String(),
		Kind:            event.KindUser,
		Content:         content,
		CreatedAt:       c.now().UTC(),
		AuthorID:        self.UserID,
		AuthorName:      self.Metadata.DisplayName,
		AuthorEmail:     self.Metadata.Email,
		ParentMessageID: parentMessageID,
	}

	c.mu.Lock()
	if c.turn != id {
		c.mu.Unlock()
		return msg, false
	}
	c.store.AppendLocal(msg)
	c.publish(event.New(self, event.NewMessage{
		ID:              msg.ID,
		MessageType:     event.KindUser,
		Content:         msg.Content,
		Timestamp:       msg.CreatedAt,
		ParentMessageID: parentMessageID,
	}))
	c.mu.Unlock()

	if c.opts.OnPosted != nil {
		c.opts.OnPosted()
	}
	return msg, true
}

func (c *Coordinator) publish(ev event.Event) {
	if c.opts.Publish != nil {
		c.opts.Publish(ev)
	}
}

// Cancel abandons the in-flight turn, if any. Nothing from it is committed.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if !c.loading {
		c.mu.Unlock()
		return
	}
	c.turn++
	c.loading = false
	c.streaming = false
	c.buf.Reset()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.changed()
}

// Close cancels the in-flight turn and makes every later Send fail with
// ErrClosed, so nothing reaches the store once its conversation is gone.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Cancel()
}

// Loading reports whether a turn is in flight.
func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Streaming returns the partial reply and whether any chunk has arrived.
func (c *Coordinator) Streaming() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), c.streaming
}

func (c *Coordinator) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
