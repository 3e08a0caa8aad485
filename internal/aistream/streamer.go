// ABOUTME: Streamer port for AI text generation plus the offline echo streamer
// ABOUTME: Chunks arrive in order with arbitrary boundaries

package aistream

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultModel is requested when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Request is one generation request.
type Request struct {
	Prompt string
	Model  string
}

// Streamer produces a response for a prompt, calling onChunk for each piece
// of text. It returns nil once the response is complete.
type Streamer interface {
	StreamText(ctx context.Context, req Request, onChunk func(string)) error
}

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context, req Request, onChunk func(string)) error

func (f StreamerFunc) StreamText(ctx context.Context, req Request, onChunk func(string)) error {
	return f(ctx, req, onChunk)
}

// EchoStreamer answers every prompt with a formatted echo, streamed one word
// at a time. Used for demos and offline runs.
type EchoStreamer struct {
	Delay time.Duration // pause between chunks
}

func (e EchoStreamer) StreamText(ctx context.Context, req Request, onChunk func(string)) error {
	reply := echoReply(req.Prompt)

	for _, chunk := range splitChunks(reply) {
		if e.Delay > 0 {
			timer := time.NewTimer(e.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		onChunk(chunk)
	}
	return nil
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

// splitChunks cuts s after each run of whitespace so the chunks concatenate
// back to s exactly.
func splitChunks(s string) []string {
	var chunks []string
	start := 0
	inSpace := false
	for i, r := range s {
		space := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !space {
			chunks = append(chunks, s[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(s) {
		chunks = append(chunks, s[start:])
	}
	return chunks
}
