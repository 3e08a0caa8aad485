// ABOUTME: Terminal rendering for the huddle CLI
// ABOUTME: Prints new messages, typing changes and AI status as client state updates

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-huddle/internal/conversation"
	"github.com/2389/coven-huddle/internal/event"
	"github.com/2389/coven-huddle/internal/presence"
	"github.com/2389/coven-huddle/internal/typing"
)

// chatState is the slice of session.Client the view reads.
type chatState interface {
	ConversationID() string
	Messages() []conversation.Message
	Reply(parentMessageID string) conversation.ReplyPreview
	Roster() []presence.OnlineUser
	Typing() []typing.Entry
	Loading() bool
}

var (
	gray   = color.New(color.FgHiBlack)
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	bold   = color.New(color.Bold)
)

type view struct {
	mu      sync.Mutex
	out     io.Writer
	state   chatState
	selfID  string
	convID  string
	printed map[string]bool
	typing  string
	loading bool
}

func newView(out io.Writer, state chatState, selfID string) *view {
	return &view{out: out, state: state, selfID: selfID, printed: make(map[string]bool)}
}

// refresh prints whatever changed since the last call.
func (v *view) refresh() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if id := v.state.ConversationID(); id != v.convID {
		v.convID = id
		v.printed = make(map[string]bool)
		v.typing = ""
		v.loading = false
	}

	for _, m := range v.state.Messages() {
		if v.printed[m.ID] {
			continue
		}
		v.printed[m.ID] = true
		v.writeMessage(m)
	}

	if line := typingLine(v.state.Typing(), v.selfID); line != v.typing {
		v.typing = line
		if line != "" {
			gray.Fprintf(v.out, "  %s\n", line)
		}
	}

	if loading := v.state.Loading(); loading != v.loading {
		v.loading = loading
		if loading {
			gray.Fprintln(v.out, "  AI is thinking...")
		}
	}
}

func (v *view) writeMessage(m conversation.Message) {
	if m.ParentMessageID != "" {
		p := v.state.Reply(m.ParentMessageID)
		if p.Found {
			gray.Fprintf(v.out, "  ↪ %s: %s\n", p.Author, conversation.Snippet(oneLine(p.Snippet), 60))
		} else {
			gray.Fprintf(v.out, "  ↪ %s\n", p.Snippet)
		}
	}

	ts := m.CreatedAt.Local().Format("15:04")
	switch m.Kind {
	case event.KindSystem:
		red.Fprintf(v.out, "%s * %s\n", ts, m.Content)
	case event.KindAI:
		fmt.Fprintf(v.out, "%s %s %s\n", gray.Sprint(ts), green.Sprint(conversation.AuthorLabel(m)+":"), m.Content)
	default:
		name := cyan.Sprint(conversation.AuthorLabel(m) + ":")
		if m.AuthorID == v.selfID {
			name = bold.Sprint(conversation.AuthorLabel(m) + ":")
		}
		fmt.Fprintf(v.out, "%s %s %s\n", gray.Sprint(ts), name, m.Content)
	}
}

// history prints the numbered message list with reactions.
func (v *view) history() {
	v.mu.Lock()
	defer v.mu.Unlock()

	msgs := v.state.Messages()
	if len(msgs) == 0 {
		fmt.Fprintln(v.out, "No messages yet")
		return
	}
	for i, m := range msgs {
		fmt.Fprintf(v.out, "%s %s: %s", gray.Sprintf("[%d]", i+1), conversation.AuthorLabel(m), conversation.Snippet(oneLine(m.Content), 80))
		if r := reactionSummary(m); r != "" {
			fmt.Fprintf(v.out, "  %s", yellow.Sprint(r))
		}
		fmt.Fprintln(v.out)
	}
}

// who prints the presence roster.
func (v *view) who() {
	v.mu.Lock()
	defer v.mu.Unlock()

	roster := v.state.Roster()
	if len(roster) == 0 {
		fmt.Fprintln(v.out, "Nobody online (local-only session)")
		return
	}
	fmt.Fprintf(v.out, "Online (%d):\n", len(roster))
	for _, u := range roster {
		line := fmt.Sprintf("  %s", u.DisplayName)
		if u.UserID == v.selfID {
			line += " (you)"
		}
		if u.Status != "" {
			line += gray.Sprintf(" [%s]", u.Status)
		}
		fmt.Fprintln(v.out, line)
	}
}

// printf writes a line while holding the view lock.
func (v *view) printf(c *color.Color, format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c == nil {
		fmt.Fprintf(v.out, format, args...)
		return
	}
	c.Fprintf(v.out, format, args...)
}

// resolveRef maps a /history index ("3") or a message id to a message id.
func resolveRef(msgs []conversation.Message, ref string) (string, bool) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(msgs) {
			return "", false
		}
		return msgs[n-1].ID, true
	}
	for _, m := range msgs {
		if m.ID == ref {
			return m.ID, true
		}
	}
	return "", false
}

func typingLine(entries []typing.Entry, selfID string) string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.UserID == selfID {
			continue
		}
		names = append(names, e.DisplayName)
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%d people are typing...", len(names))
	}
}

func reactionSummary(m conversation.Message) string {
	parts := make([]string, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		parts = append(parts, fmt.Sprintf("%s %d", r.Emoji, r.Count()))
	}
	return strings.Join(parts, " ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
