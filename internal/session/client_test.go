// ABOUTME: End-to-end tests for Client and Session over the in-memory hub
// ABOUTME: Covers echo handling, reactions, typing, presence, switching and local-only mode

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-huddle/internal/aistream"
	"github.com/2389/coven-huddle/internal/channel"
	"github.com/2389/coven-huddle/internal/conversation"
	"github.com/2389/coven-huddle/internal/event"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func envelope(id, name string) event.Envelope {
	return event.Envelope{UserID: id, Metadata: event.Metadata{DisplayName: name, Email: id + "@example.com"}}
}

func replyWith(text string) aistream.Streamer {
	return aistream.StreamerFunc(func(ctx context.Context, req aistream.Request, onChunk func(string)) error {
		onChunk(text)
		return nil
	})
}

func newClient(t *testing.T, tr channel.Transport, self event.Envelope, mods ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Self:          self,
		Transport:     tr,
		Streamer:      replyWith("beep"),
		TypingIdle:    50 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	}
	for _, m := range mods {
		m(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func joined(t *testing.T, hub *channel.Hub, conv string, clients ...*Client) {
	t.Helper()
	for _, c := range clients {
		require.NoError(t, c.Switch(t.Context(), conv))
	}
	name := channel.Name(channel.DefaultPrefix, conv)
	require.Eventually(t, func() bool { return hub.SubscriberCount(name) == len(clients) }, waitFor, tick)
}

func reactionCount(c *Client, messageID, emoji string) int {
	m, ok := c.Message(messageID)
	if !ok {
		return -1
	}
	r, ok := m.Reaction(emoji)
	if !ok {
		return 0
	}
	return r.Count()
}

func TestClient_NoConversation(t *testing.T) {
	c := newClient(t, channel.NewHub(nil), envelope("alice", "Alice"))

	_, err := c.Send(t.Context(), "hi", "")
	assert.ErrorIs(t, err, ErrNoConversation)
	assert.ErrorIs(t, c.React("m1", "👍"), ErrNoConversation)
	assert.False(t, c.Loading())
	c.InputChanged("no-op")
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Transport: channel.NewHub(nil)})
	assert.Error(t, err)
	_, err = NewClient(Config{Self: envelope("a", "A")})
	assert.Error(t, err)
}

func TestClient_SendIsBroadcastOnce(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))
	bob := newClient(t, hub, envelope("bob", "Bob"))
	joined(t, hub, "42", alice, bob)

	turn, err := alice.Send(t.Context(), "hello bob", "")
	require.NoError(t, err)
	require.NotNil(t, turn.Reply)

	require.Eventually(t, func() bool { return len(bob.Messages()) == 2 }, waitFor, tick)

	// Let alice's own echoes arrive; they must not duplicate anything.
	time.Sleep(50 * time.Millisecond)
	msgs := alice.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, turn.User.ID, msgs[0].ID)
	assert.Equal(t, turn.Reply.ID, msgs[1].ID)

	got := bob.Messages()
	assert.Equal(t, "hello bob", got[0].Content)
	assert.Equal(t, "Alice", got[0].AuthorName)
	assert.Equal(t, event.KindAI, got[1].Kind)
	assert.Equal(t, "beep", got[1].Content)
}

func TestClient_ReplyPreview(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))
	bob := newClient(t, hub, envelope("bob", "Bob"))
	joined(t, hub, "42", alice, bob)

	first, err := alice.Send(t.Context(), "original question", "")
	require.NoError(t, err)
	_, err = bob.Send(t.Context(), "follow up", first.User.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(alice.Messages()) == 4 }, waitFor, tick)

	var reply conversation.Message
	for _, m := range alice.Messages() {
		if m.Content == "follow up" {
			reply = m
		}
	}
	preview := alice.Reply(reply.ParentMessageID)
	assert.True(t, preview.Found)
	assert.Equal(t, "Alice", preview.Author)
	assert.Equal(t, "original question", preview.Snippet)

	missing := alice.Reply("msg_gone")
	assert.False(t, missing.Found)
	assert.Equal(t, conversation.UnavailablePlaceholder, missing.Snippet)
}

func TestClient_ReactionsToggleAcrossClients(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))
	bob := newClient(t, hub, envelope("bob", "Bob"))
	joined(t, hub, "42", alice, bob)

	turn, err := alice.Send(t.Context(), "react to me", "")
	require.NoError(t, err)
	id := turn.User.ID
	require.Eventually(t, func() bool { _, ok := bob.Message(id); return ok }, waitFor, tick)

	require.NoError(t, alice.React(id, "👍"))
	assert.Equal(t, 1, reactionCount(alice, id, "👍"), "applied locally before the echo")

	require.Eventually(t, func() bool { return reactionCount(bob, id, "👍") == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, reactionCount(alice, id, "👍"), "own echo is not applied twice")

	require.NoError(t, bob.React(id, "👍"))
	require.Eventually(t, func() bool { return reactionCount(alice, id, "👍") == 2 }, waitFor, tick)

	require.NoError(t, alice.React(id, "👍"))
	require.NoError(t, bob.React(id, "👍"))
	require.Eventually(t, func() bool {
		return reactionCount(alice, id, "👍") == 0 && reactionCount(bob, id, "👍") == 0
	}, waitFor, tick)

	m, _ := alice.Message(id)
	assert.Empty(t, m.Reactions, "no zero-count aggregates")
}

func TestClient_RapidReactionsStayInParity(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))
	bob := newClient(t, hub, envelope("bob", "Bob"))
	joined(t, hub, "42", alice, bob)

	turn, err := alice.Send(t.Context(), "spam", "")
	require.NoError(t, err)
	id := turn.User.ID
	require.Eventually(t, func() bool { _, ok := bob.Message(id); return ok }, waitFor, tick)

	for range 7 {
		require.NoError(t, alice.React(id, "🎉"))
	}

	require.Eventually(t, func() bool { return reactionCount(bob, id, "🎉") == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, reactionCount(alice, id, "🎉"))
	assert.Equal(t, 1, reactionCount(bob, id, "🎉"))
}

func TestClient_ReactUnknownMessage(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))
	joined(t, hub, "42", alice)

	err := alice.React("msg_missing", "👍")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestClient_TypingIndicators(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"), func(c *Config) { c.TypingIdle = 300 * time.Millisecond })
	bob := newClient(t, hub, envelope("bob", "Bob"))
	joined(t, hub, "42", alice, bob)

	alice.InputChanged("h")
	alice.InputChanged("he")

	require.Eventually(t, func() bool {
		typing := bob.Typing()
		return len(typing) == 1 && typing[0].UserID == "alice" && typing[0].DisplayName == "Alice"
	}, waitFor, tick)
	assert.Empty(t, alice.Typing(), "own typing is not shown")

	require.Eventually(t, func() bool { return len(bob.Typing()) == 0 }, waitFor, tick, "idle timeout sends typing_stop")
}

func TestClient_SendStopsTyping(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	slowIdle := func(c *Config) { c.TypingIdle = time.Minute }
	alice := newClient(t, hub, envelope("alice", "Alice"), slowIdle)
	bob := newClient(t, hub, envelope("bob", "Bob"))
	joined(t, hub, "42", alice, bob)

	alice.InputChanged("typing a question")
	require.Eventually(t, func() bool { return len(bob.Typing()) == 1 }, waitFor, tick)

	_, err := alice.Send(t.Context(), "typing a question", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(bob.Typing()) == 0 }, waitFor, tick)
}

func TestClient_Presence(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))
	bob := newClient(t, hub, envelope("bob", ""))
	joined(t, hub, "42", alice, bob)

	require.Eventually(t, func() bool { return len(alice.Roster()) == 2 }, waitFor, tick)

	var names []string
	for _, u := range alice.Roster() {
		names = append(names, u.DisplayName)
	}
	assert.ElementsMatch(t, []string{"Alice", "bob@example.com"}, names)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return len(alice.Roster()) == 1 }, waitFor, tick)
}

func TestClient_SwitchKeepsOneSubscriptionAndSweep(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))

	conversations := []string{"a", "b", "a", "c", "c"}
	for i, conv := range conversations {
		require.NoError(t, alice.Switch(t.Context(), conv))

		total := 0
		for _, other := range []string{"a", "b", "c"} {
			total += hub.SubscriberCount(channel.Name(channel.DefaultPrefix, other))
		}
		assert.Equal(t, 1, total, "switch %d: exactly one subscription", i)
		assert.Equal(t, 1, hub.SubscriberCount(channel.Name(channel.DefaultPrefix, conv)))
		require.Eventually(t, alice.typing.Sweeping, waitFor, tick, "switch %d: sweep running", i)
		assert.Equal(t, conv, alice.ConversationID())
	}

	require.NoError(t, alice.Close())
	assert.Equal(t, 0, hub.SubscriberCount(channel.Name(channel.DefaultPrefix, "c")))
	assert.False(t, alice.typing.Sweeping(), "sweep stops with the session")
	assert.Empty(t, alice.ConversationID())
}

func TestClient_SwitchResetsState(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))
	bob := newClient(t, hub, envelope("bob", "Bob"), func(c *Config) { c.TypingIdle = time.Minute })
	joined(t, hub, "one", alice, bob)

	_, err := alice.Send(t.Context(), "in one", "")
	require.NoError(t, err)
	bob.InputChanged("hmm")
	require.Eventually(t, func() bool { return len(alice.Typing()) == 1 && len(alice.Roster()) == 2 }, waitFor, tick)

	require.NoError(t, alice.Switch(t.Context(), "two"))

	assert.Empty(t, alice.Messages())
	assert.Empty(t, alice.Typing())
	require.Eventually(t, func() bool {
		r := alice.Roster()
		return len(r) == 1 && r[0].UserID == "alice"
	}, waitFor, tick)
}

func TestClient_SwitchCancelsStreamingTurn(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()

	started := make(chan struct{})
	blocking := aistream.StreamerFunc(func(ctx context.Context, req aistream.Request, onChunk func(string)) error {
		onChunk("partial")
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	alice := newClient(t, hub, envelope("alice", "Alice"), func(c *Config) { c.Streamer = blocking })
	joined(t, hub, "one", alice)

	done := make(chan error, 1)
	go func() {
		_, err := alice.Send(context.Background(), "long question", "")
		done <- err
	}()
	<-started
	assert.True(t, alice.Loading())

	require.NoError(t, alice.Switch(t.Context(), "two"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, aistream.ErrCanceled)
	case <-time.After(waitFor):
		t.Fatal("send did not return after switch")
	}
	assert.Empty(t, alice.Messages(), "nothing from the old turn leaks into the new conversation")
	assert.False(t, alice.Loading())
}

func TestClient_StaleSessionCannotCommitAfterSwitch(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()

	alice := newClient(t, hub, envelope("alice", "Alice"))
	joined(t, hub, "one", alice)
	old := alice.current()

	require.NoError(t, alice.Switch(t.Context(), "two"))

	_, err := old.Send(t.Context(), "late question", "")
	assert.ErrorIs(t, err, ErrClosed)

	// a turn that already passed the session check still stops at the coordinator
	_, err = old.ai.Send(t.Context(), "late question", "")
	assert.ErrorIs(t, err, aistream.ErrClosed)

	assert.Empty(t, alice.Messages(), "the new conversation stays empty")
	assert.False(t, alice.Loading())
}

type failingTransport struct{ channel.Transport }

func (failingTransport) Subscribe(context.Context, string, channel.Member) (channel.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestClient_LocalOnlyWhenSubscribeFails(t *testing.T) {
	alice := newClient(t, failingTransport{}, envelope("alice", "Alice"))

	require.NoError(t, alice.Switch(t.Context(), "42"))
	assert.False(t, alice.Realtime())

	turn, err := alice.Send(t.Context(), "anyone?", "")
	require.NoError(t, err)
	require.NotNil(t, turn.Reply)
	assert.Len(t, alice.Messages(), 2)

	require.NoError(t, alice.React(turn.User.ID, "👍"))
	assert.Equal(t, 1, reactionCount(alice, turn.User.ID, "👍"))
}

func TestClient_HistoryLoader(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()

	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	history := HistoryLoaderFunc(func(ctx context.Context, conversationID string) ([]conversation.Message, error) {
		if conversationID != "42" {
			return nil, errors.New("unknown conversation")
		}
		return []conversation.Message{
			{ID: "msg_1", Kind: event.KindUser, Content: "first", CreatedAt: created, AuthorID: "bob"},
			{ID: "msg_1", Kind: event.KindUser, Content: "first", CreatedAt: created, AuthorID: "bob"},
			{ID: "ai_1", Kind: event.KindAI, Content: "reply", CreatedAt: created, AuthorID: event.AIUserID},
		}, nil
	})
	alice := newClient(t, hub, envelope("alice", "Alice"), func(c *Config) { c.History = history })

	require.NoError(t, alice.Switch(t.Context(), "42"))
	msgs := alice.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg_1", msgs[0].ID)

	require.NoError(t, alice.Switch(t.Context(), "other"), "history failure is not fatal")
	assert.Empty(t, alice.Messages())
}

func TestClient_UpdatesCoalesce(t *testing.T) {
	hub := channel.NewHub(nil)
	defer hub.Close()
	alice := newClient(t, hub, envelope("alice", "Alice"))

	require.NoError(t, alice.Switch(t.Context(), "42"))
	_, err := alice.Send(t.Context(), "one", "")
	require.NoError(t, err)

	select {
	case <-alice.Updates():
	case <-time.After(waitFor):
		t.Fatal("no update signal")
	}
	assert.LessOrEqual(t, len(alice.Updates()), 1)
}
