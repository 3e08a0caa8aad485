// ABOUTME: Wire contract for realtime conversation events as a closed tagged union
// ABOUTME: One payload type per event type, each carried in the shared sender envelope

package event

import (
	"fmt"
	"time"
)

// Type discriminates the event union on the wire.
type Type string

const (
	TypeNewMessage      Type = "new_message"
	TypeTypingStart     Type = "typing_start"
	TypeTypingStop      Type = "typing_stop"
	TypeMessageReaction Type = "message_reaction"
)

// Kind is the author class of a conversation message.
type Kind string

const (
	KindUser   Kind = "user"
	KindAI     Kind = "ai"
	KindSystem Kind = "system"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindAI, KindSystem:
		return true
	}
	return false
}

// AIUserID is the reserved sender id used when a client broadcasts an AI reply.
const AIUserID = "ai"

// AIDisplayName is the display name attached to broadcast AI replies.
const AIDisplayName = "AI Assistant"

// Metadata describes the sender of an event.
type Metadata struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Envelope is attached to every event and identifies who sent it.
type Envelope struct {
	UserID   string   `json:"userId"`
	Metadata Metadata `json:"metadata"`
}

// AIEnvelope returns the envelope used for AI replies.
func AIEnvelope() Envelope {
	return Envelope{UserID: AIUserID, Metadata: Metadata{DisplayName: AIDisplayName}}
}

// Payload is implemented only by the types in this package.
type Payload interface {
	Type() Type
	validate() error
}

// NewMessage announces a message appended to the conversation.
type NewMessage struct {
	ID              string    `json:"id"`
	MessageType     Kind      `json:"messageType"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
}

func (NewMessage) Type() Type { return TypeNewMessage }

func (p NewMessage) validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: new_message.id is empty", ErrInvalidPayload)
	}
	if !p.MessageType.Valid() {
		return fmt.Errorf("%w: new_message.messageType %q", ErrInvalidPayload, p.MessageType)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("%w: new_message.timestamp is zero", ErrInvalidPayload)
	}
	return nil
}

// TypingStart signals the sender began a typing burst.
type TypingStart struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

func (TypingStart) Type() Type { return TypeTypingStart }

func (p TypingStart) validate() error {
	if p.Timestamp <= 0 {
		return fmt.Errorf("%w: typing_start.timestamp is not set", ErrInvalidPayload)
	}
	return nil
}

// TypingStop signals the sender's typing burst ended.
type TypingStop struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

func (TypingStop) Type() Type { return TypeTypingStop }

func (p TypingStop) validate() error {
	if p.Timestamp <= 0 {
		return fmt.Errorf("%w: typing_stop.timestamp is not set", ErrInvalidPayload)
	}
	return nil
}

// MessageReaction toggles the sender's emoji reaction on a message.
type MessageReaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func (MessageReaction) Type() Type { return TypeMessageReaction }

func (p MessageReaction) validate() error {
	if p.MessageID == "" {
		return fmt.Errorf("%w: message_reaction.messageId is empty", ErrInvalidPayload)
	}
	if p.Emoji == "" {
		return fmt.Errorf("%w: message_reaction.emoji is empty", ErrInvalidPayload)
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("%w: message_reaction.timestamp is not set", ErrInvalidPayload)
	}
	return nil
}

// Event is one realtime event: a sender envelope plus exactly one payload.
type Event struct {
	Envelope
	Payload Payload
}

// New builds an event from an envelope and payload.
func New(env Envelope, p Payload) Event {
	return Event{Envelope: env, Payload: p}
}

// Type returns the discriminator of the carried payload, or "" when empty.
func (e Event) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// Validate checks the envelope and payload against the wire contract.
func (e Event) Validate() error {
	if e.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: userId is empty", ErrInvalidEnvelope)
	}
	return e.Payload.validate()
}

// Millis converts t to the unix-millisecond timestamps used by typing and
// reaction payloads.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
