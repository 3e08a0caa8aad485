// ABOUTME: Streamer backed by a coven-gateway style HTTP endpoint
// ABOUTME: POSTs the prompt to /api/send and reads text/done/error server-sent events

package aistream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Gateway streaming errors
var (
	ErrGatewayStatus    = errors.New("gateway returned non-200 status")
	ErrGatewayFailed    = errors.New("gateway reported failure")
	ErrIncompleteStream = errors.New("stream ended before done event")
)

// sendRequest is the JSON body sent to POST /api/send.
type sendRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Sender   string `json:"sender"`
	Content  string `json:"content"`
	AgentID  string `json:"agent_id,omitempty"`
	Model    string `json:"model,omitempty"`
}

// GatewayStreamer streams responses from an agent gateway.
type GatewayStreamer struct {
	BaseURL  string // e.g. http://localhost:8080
	Token    string // bearer token, optional
	Sender   string
	AgentID  string
	ThreadID string
	Client   *http.Client
}

func (g *GatewayStreamer) StreamText(ctx context.Context, req Request, onChunk func(string)) error {
	bodyBytes, err := json.Marshal(sendRequest{
		ThreadID: g.ThreadID,
		Sender:   g.Sender,
		Content:  req.Prompt,
		AgentID:  g.AgentID,
		Model:    req.Model,
	})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(g.BaseURL, "/") + "/api/send"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if g.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.Token)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			var errResp map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
				if msg, ok := errResp["error"]; ok {
					return fmt.Errorf("%w %d: %s", ErrGatewayStatus, resp.StatusCode, msg)
				}
			}
		}
		return fmt.Errorf("%w %d", ErrGatewayStatus, resp.StatusCode)
	}

	return readSSE(ctx, resp.Body, onChunk)
}

// readSSE consumes the event stream until done, error or EOF.
func readSSE(ctx context.Context, body io.Reader, onChunk func(string)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				done, err := handleSSEEvent(eventType, strings.Join(dataLines, "\n"), onChunk)
				if err != nil || done {
					return err
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrIncompleteStream
}

// handleSSEEvent reports done=true when the stream finished cleanly.
func handleSSEEvent(eventType, data string, onChunk func(string)) (bool, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return false, fmt.Errorf("parsing event data: %w", err)
	}

	switch eventType {
	case "text":
		if text, ok := payload["text"].(string); ok {
			onChunk(text)
		}
	case "done":
		return true, nil
	case "error":
		msg, _ := payload["error"].(string)
		return false, fmt.Errorf("%w: %s", ErrGatewayFailed, msg)
	case "cancelled":
		reason, _ := payload["reason"].(string)
		return false, fmt.Errorf("%w: cancelled: %s", ErrGatewayFailed, reason)
	default:
		// thinking, tool and usage events carry nothing for the chat
	}
	return false, nil
}
