// ABOUTME: Tests for NATS subject and presence key encoding
// ABOUTME: Also covers roster ordering, per-user dedupe and stale pruning

package channel

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-huddle/internal/event"
)

func TestKeyToken_DistinctChannelsNeverCollide(t *testing.T) {
	names := []string{
		Name(DefaultPrefix, "team.alpha"),
		Name(DefaultPrefix, "team_alpha"),
		Name(DefaultPrefix, "team alpha"),
		Name(DefaultPrefix, "team*alpha"),
		Name(DefaultPrefix, "日本"),
		Name(DefaultPrefix, "日本>"),
	}

	seen := make(map[string]string, len(names))
	for _, name := range names {
		tok := keyToken(name)
		assert.Regexp(t, `^[A-Za-z0-9_-]+$`, tok, "token for %q must be a single subject token", name)
		if prev, ok := seen[tok]; ok {
			t.Fatalf("%q and %q share token %q", prev, name, tok)
		}
		seen[tok] = name

		raw, err := base64.RawURLEncoding.DecodeString(tok)
		require.NoError(t, err)
		assert.Equal(t, name, string(raw))
	}
}

func TestNATSSubject_PerConversation(t *testing.T) {
	tr := &NATSTransport{cfg: NATSConfig{SubjectPrefix: "huddle"}}

	dotted := tr.subject(Name(DefaultPrefix, "team.alpha"))
	underscored := tr.subject(Name(DefaultPrefix, "team_alpha"))

	assert.NotEqual(t, dotted, underscored)
	assert.True(t, strings.HasPrefix(dotted, "huddle."))
	assert.Equal(t, 1, strings.Count(dotted, "."), "the channel stays one subject token")
}

func TestPresenceKey_OnePerSubscription(t *testing.T) {
	first := presenceKey("conversation-1", "user@example.com", "sub-1")
	second := presenceKey("conversation-1", "user@example.com", "sub-2")
	assert.NotEqual(t, first, second)

	parts := strings.Split(first, ".")
	require.Len(t, parts, 3)
	assert.Equal(t, keyToken("conversation-1"), parts[0])
	assert.Equal(t, "sub-1", parts[2])

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", string(raw))
}

func TestSortedMembers(t *testing.T) {
	roster := map[string]Member{
		"k3": {UserID: "carol"},
		"k1": {UserID: "alice"},
		"k2": {UserID: "bob"},
	}

	got := sortedMembers(roster)

	ids := make([]string, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.UserID)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
}

func TestSortedMembers_SameUserTwice(t *testing.T) {
	now := time.Now()
	roster := map[string]Member{
		"laptop": {UserID: "alice", Metadata: event.Metadata{Status: "away"}, LastSeen: now.Add(-time.Second)},
		"phone":  {UserID: "alice", Metadata: event.Metadata{Status: "online"}, LastSeen: now},
		"other":  {UserID: "bob", LastSeen: now},
	}

	got := sortedMembers(roster)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, "online", got[0].Metadata.Status, "the freshest entry wins")

	// one of alice's clients leaves; she stays listed
	delete(roster, "phone")
	got = sortedMembers(roster)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].UserID)
}

func TestPresenceField_OnePerSubscription(t *testing.T) {
	assert.NotEqual(t, presenceField("alice", "sub-1"), presenceField("alice", "sub-2"))
}

func TestPruneStale(t *testing.T) {
	now := time.Now()
	roster := map[string]Member{
		"fresh": {UserID: "a", LastSeen: now.Add(-time.Second)},
		"stale": {UserID: "b", LastSeen: now.Add(-time.Minute)},
	}

	assert.True(t, pruneStale(roster, 30*time.Second, now))
	assert.Len(t, roster, 1)
	assert.Contains(t, roster, "fresh")
	assert.False(t, pruneStale(roster, 30*time.Second, now))
}
