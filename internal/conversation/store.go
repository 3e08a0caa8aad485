// ABOUTME: ConversationStateStore owns the ordered message sequence and reaction aggregates
// ABOUTME: Local optimistic inserts and remote events fold through the same id-keyed merge

package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-huddle/internal/event"
)

const (
	// fallbackReactorName is shown when a reaction event carries no display name.
	fallbackReactorName = "User"
)

// Outcome reports what ApplyRemoteEvent did with an event.
type Outcome int

const (
	// OutcomeApplied means the event changed the store.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means a message with the same id already existed.
	OutcomeDuplicate
	// OutcomeDropped means a reaction targeted a message not known locally.
	OutcomeDropped
	// OutcomeIgnored means the event type is not owned by the store.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDropped:
		return "dropped"
	case OutcomeIgnored:
		return "ignored"
	}
	return "unknown"
}

// ReactionUser is one member of a reaction aggregate.
type ReactionUser struct {
	UserID      string
	DisplayName string
}

// Reaction aggregates every user who reacted to a message with one emoji.
// Users is unique by UserID and never empty while the aggregate exists.
type Reaction struct {
	Emoji string
	Users []ReactionUser
}

// Count is the number of users in the aggregate.
func (r Reaction) Count() int {
	return len(r.Users)
}

// Has reports whether userID is part of the aggregate.
func (r Reaction) Has(userID string) bool {
	return r.indexOf(userID) >= 0
}

func (r Reaction) indexOf(userID string) int {
	for i, u := range r.Users {
		if u.UserID == userID {
			return i
		}
	}
	return -1
}

// Message is a conversation entry. Everything except Reactions is fixed at creation.
type Message struct {
	ID              string
	Kind            event.Kind
	Content         string
	CreatedAt       time.Time
	AuthorID        string
	AuthorName      string
	AuthorEmail     string
	ParentMessageID string
	Reactions       []Reaction
}

// Reaction returns the aggregate for emoji, if any.
func (m Message) Reaction(emoji string) (Reaction, bool) {
	for _, r := range m.Reactions {
		if r.Emoji == emoji {
			return r, true
		}
	}
	return Reaction{}, false
}

// clone returns a deep copy so callers never alias store-owned slices.
func (m *Message) clone() Message {
	out := *m
	if m.Reactions != nil {
		out.Reactions = make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			out.Reactions[i] = Reaction{Emoji: r.Emoji, Users: append([]ReactionUser(nil), r.Users...)}
		}
	}
	return out
}

// MessageFromEvent builds the Message described by a new_message event.
func MessageFromEvent(env event.Envelope, p event.NewMessage) Message {
	return Message{
		ID:              p.ID,
		Kind:            p.MessageType,
		Content:         p.Content,
		CreatedAt:       p.Timestamp,
		AuthorID:        env.UserID,
		AuthorName:      env.Metadata.DisplayName,
		AuthorEmail:     env.Metadata.Email,
		ParentMessageID: p.ParentMessageID,
	}
}

// Store is the client-side view of one conversation's messages.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	messages       []*Message
	byID           map[string]*Message
	logger         *slog.Logger
}

// NewStore creates an empty store. Pass nil logger for default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byID:   make(map[string]*Message),
		logger: logger.With("component", "conversation_store"),
	}
}

// Reset drops all state and binds the store to conversationID.
func (s *Store) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversationID = conversationID
	s.messages = nil
	s.byID = make(map[string]*Message)

	s.logger.Debug("store reset", "conversation_id", conversationID)
}

// ConversationID returns the conversation the store is bound to.
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// AppendLocal appends msg unless a message with the same id already exists.
// Returns true if the message was inserted.
func (s *Store) AppendLocal(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(msg)
}

// insertLocked is the single insert path. Must be called with mu held.
func (s *Store) insertLocked(msg Message) bool {
	if _, exists := s.byID[msg.ID]; exists {
		return false
	}
	m := msg.clone()
	s.messages = append(s.messages, &m)
	s.byID[m.ID] = &m
	return true
}

// ApplyRemoteEvent folds one inbound event into the store.
func (s *Store) ApplyRemoteEvent(ev event.Event) Outcome {
	switch p := ev.Payload.(type) {
	case event.NewMessage:
		s.mu.Lock()
		inserted := s.insertLocked(MessageFromEvent(ev.Envelope, p))
		s.mu.Unlock()
		if !inserted {
			s.logger.Debug("duplicate message ignored", "message_id", p.ID, "user_id", ev.UserID)
			return OutcomeDuplicate
		}
		return OutcomeApplied

	case event.MessageReaction:
		return s.toggleReaction(ev.Envelope, p)

	default:
		return OutcomeIgnored
	}
}

// toggleReaction flips the acting user's membership in the emoji aggregate.
func (s *Store) toggleReaction(env event.Envelope, p event.MessageReaction) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[p.MessageID]
	if !ok {
		s.logger.Debug("reaction for unknown message dropped",
			"message_id", p.MessageID,
			"emoji", p.Emoji,
			"user_id", env.UserID)
		return OutcomeDropped
	}

	name := env.Metadata.DisplayName
	if name == "" {
		name = fallbackReactorName
	}

	for i := range msg.Reactions {
		r := &msg.Reactions[i]
		if r.Emoji != p.Emoji {
			continue
		}
		if idx := r.indexOf(env.UserID); idx >= 0 {
			r.Users = append(r.Users[:idx:idx], r.Users[idx+1:]...)
			if len(r.Users) == 0 {
				msg.Reactions = append(msg.Reactions[:i:i], msg.Reactions[i+1:]...)
			}
			return OutcomeApplied
		}
		r.Users = append(r.Users, ReactionUser{UserID: env.UserID, DisplayName: name})
		return OutcomeApplied
	}

	msg.Reactions = append(msg.Reactions, Reaction{
		Emoji: p.Emoji,
		Users: []ReactionUser{{UserID: env.UserID, DisplayName: name}},
	})
	return OutcomeApplied
}

// AppendSystemNotice appends a local-only system message and returns it.
func (s *Store) AppendSystemNotice(text string) Message {
	msg := Message{
		ID:        "system_" + uuid.New().String(),
		Kind:      event.KindSystem,
		Content:   text,
		CreatedAt: time.Now(),
	}
	s.AppendLocal(msg)
	return msg
}

// Messages returns a copy of the sequence in insertion order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// Message returns a copy of the message with the given id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
