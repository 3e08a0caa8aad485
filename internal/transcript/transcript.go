// ABOUTME: Conversation transcript export as Markdown or HTML
// ABOUTME: HTML is rendered from the Markdown with goldmark; raw HTML in messages stays escaped

package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-huddle/internal/conversation"
	"github.com/2389/coven-huddle/internal/event"
)

// Format selects the transcript output.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// FormatForPath picks the format from a file extension, defaulting to Markdown.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return FormatHTML
	default:
		return FormatMarkdown
	}
}

// Options tweaks rendering.
type Options struct {
	Title string
	// Location for timestamps; UTC when nil.
	Location *time.Location
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
blockquote { color: #555; border-left: 3px solid #ccc; margin-left: 0; padding-left: 1rem; }
hr { border: 0; border-top: 1px solid #eee; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// Write renders msgs to w in the given format.
func Write(w io.Writer, format Format, msgs []conversation.Message, opts Options) error {
	switch format {
	case FormatMarkdown:
		_, err := io.WriteString(w, Markdown(msgs, opts))
		return err
	case FormatHTML:
		return HTML(w, msgs, opts)
	default:
		return fmt.Errorf("unknown transcript format %q", format)
	}
}

// HTML renders msgs as a standalone HTML page.
func HTML(w io.Writer, msgs []conversation.Message, opts Options) error {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(Markdown(msgs, opts)), &body); err != nil {
		return fmt.Errorf("converting markdown: %w", err)
	}

	data := struct {
		Title string
		Body  template.HTML
	}{
		Title: title(opts),
		Body:  template.HTML(body.String()),
	}
	if err := page.Execute(w, data); err != nil {
		return fmt.Errorf("rendering transcript: %w", err)
	}
	return nil
}

// Markdown renders msgs as a Markdown document.
func Markdown(msgs []conversation.Message, opts Options) string {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	resolver := conversation.NewReplyResolver(index(msgs))

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title(opts))

	if len(msgs) == 0 {
		b.WriteString("_No messages._\n")
		return b.String()
	}

	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}

		fmt.Fprintf(&b, "**%s**", escapeInline(conversation.AuthorLabel(m)))
		if m.Kind == event.KindAI {
			b.WriteString(" _(AI)_")
		}
		if !m.CreatedAt.IsZero() {
			fmt.Fprintf(&b, " · %s", m.CreatedAt.In(loc).Format("2006-01-02 15:04:05"))
		}
		b.WriteString("\n\n")

		if m.ParentMessageID != "" {
			p := resolver.Resolve(m.ParentMessageID)
			if p.Found {
				fmt.Fprintf(&b, "> ↪ **%s**: %s\n\n", escapeInline(p.Author), escapeInline(oneLine(p.Snippet)))
			} else {
				fmt.Fprintf(&b, "> ↪ _%s_\n\n", p.Snippet)
			}
		}

		if m.Kind == event.KindSystem {
			fmt.Fprintf(&b, "_%s_\n", escapeInline(oneLine(m.Content)))
		} else {
			b.WriteString(strings.TrimRight(m.Content, "\n"))
			b.WriteString("\n")
		}

		if len(m.Reactions) > 0 {
			parts := make([]string, 0, len(m.Reactions))
			for _, r := range m.Reactions {
				parts = append(parts, fmt.Sprintf("%s %d", r.Emoji, r.Count()))
			}
			fmt.Fprintf(&b, "\n%s\n", strings.Join(parts, " · "))
		}
	}

	return b.String()
}

func title(opts Options) string {
	if opts.Title != "" {
		return opts.Title
	}
	return "Conversation transcript"
}

type lookup map[string]conversation.Message

func (l lookup) Message(id string) (conversation.Message, bool) {
	m, ok := l[id]
	return m, ok
}

func index(msgs []conversation.Message) lookup {
	l := make(lookup, len(msgs))
	for _, m := range msgs {
		l[m.ID] = m
	}
	return l
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var inlineEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
	"]", `\]`,
	"<", `\<`,
	">", `\>`,
	"#", `\#`,
	"|", `\|`,
)

// escapeInline keeps names and quoted snippets from being read as Markdown.
func escapeInline(s string) string {
	return inlineEscaper.Replace(s)
}
