// ABOUTME: Tests for reply parent resolution and snippet rendering

package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-huddle/internal/event"
)

func TestReplyResolver_Found(t *testing.T) {
	s := NewStore(nil)
	s.AppendLocal(Message{ID: "p", Kind: event.KindUser, Content: "short parent", AuthorName: "Sarah"})

	preview := NewReplyResolver(s).Resolve("p")

	assert.True(t, preview.Found)
	assert.Equal(t, "Sarah", preview.Author)
	assert.Equal(t, "short parent", preview.Snippet)
}

func TestReplyResolver_Truncates(t *testing.T) {
	s := NewStore(nil)
	long := strings.Repeat("é", 150)
	s.AppendLocal(Message{ID: "p", Kind: event.KindAI, Content: long})

	preview := NewReplyResolver(s).Resolve("p")

	assert.Equal(t, "AI Assistant", preview.Author)
	assert.Equal(t, strings.Repeat("é", 100)+"...", preview.Snippet)
}

func TestReplyResolver_Dangling(t *testing.T) {
	s := NewStore(nil)

	preview := NewReplyResolver(s).Resolve("missing")

	assert.False(t, preview.Found)
	assert.Equal(t, "original message unavailable", preview.Snippet)
	assert.Equal(t, "missing", preview.ParentID)
}

func TestAuthorLabel(t *testing.T) {
	assert.Equal(t, "System", AuthorLabel(Message{Kind: event.KindSystem}))
	assert.Equal(t, "u9", AuthorLabel(Message{Kind: event.KindUser, AuthorID: "u9"}))
	assert.Equal(t, "Named", AuthorLabel(Message{Kind: event.KindAI, AuthorName: "Named"}))
}
