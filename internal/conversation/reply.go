// ABOUTME: ReplyThreadResolver turns a reply's parent id into a quotable preview
// ABOUTME: Dangling parents resolve to a placeholder instead of failing the render

package conversation

import (
	"github.com/2389/coven-huddle/internal/event"
)

const (
	// DefaultSnippetLength is the number of runes quoted from a parent message.
	DefaultSnippetLength = 100

	// UnavailablePlaceholder replaces the snippet when the parent is unknown.
	UnavailablePlaceholder = "original message unavailable"
)

// MessageLookup is what the resolver needs from the store.
type MessageLookup interface {
	Message(id string) (Message, bool)
}

// ReplyPreview is the rendered reference to a parent message.
type ReplyPreview struct {
	ParentID string
	Found    bool
	Author   string
	Snippet  string
}

// ReplyResolver resolves parent references against a MessageLookup.
type ReplyResolver struct {
	messages   MessageLookup
	snippetLen int
}

// NewReplyResolver creates a resolver quoting DefaultSnippetLength runes.
func NewReplyResolver(messages MessageLookup) *ReplyResolver {
	return &ReplyResolver{messages: messages, snippetLen: DefaultSnippetLength}
}

// Resolve looks up parentMessageID. It never fails: unknown parents yield
// a preview with Found=false and the placeholder snippet.
func (r *ReplyResolver) Resolve(parentMessageID string) ReplyPreview {
	preview := ReplyPreview{ParentID: parentMessageID}

	parent, ok := r.messages.Message(parentMessageID)
	if parentMessageID == "" || !ok {
		preview.Snippet = UnavailablePlaceholder
		return preview
	}

	preview.Found = true
	preview.Author = AuthorLabel(parent)
	preview.Snippet = Snippet(parent.Content, r.snippetLen)
	return preview
}

// AuthorLabel is the display label for a message's author.
func AuthorLabel(m Message) string {
	switch {
	case m.AuthorName != "":
		return m.AuthorName
	case m.Kind == event.KindAI:
		return event.AIDisplayName
	case m.Kind == event.KindSystem:
		return "System"
	default:
		return m.AuthorID
	}
}

// Snippet returns at most n runes of s, marking truncation with "...".
func Snippet(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
