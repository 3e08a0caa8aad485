// ABOUTME: Websocket transport: one connection per channel to a huddle relay
// ABOUTME: Frames carry either an encoded event or a presence snapshot

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-huddle/internal/event"
)

// FrameKind discriminates relay frames.
type FrameKind string

const (
	FrameJoin     FrameKind = "join"     // client -> relay, first frame
	FrameEvent    FrameKind = "event"    // both directions
	FramePresence FrameKind = "presence" // relay -> client
	FrameError    FrameKind = "error"    // relay -> client
)

// Frame is the relay wire unit.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	Event   json.RawMessage `json:"event,omitempty"`
	Member  *Member         `json:"member,omitempty"`
	Members []Member        `json:"members,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	// WriteWait bounds a single frame write.
	WriteWait = 10 * time.Second
	// MaxFrameSize is the largest frame either side accepts.
	MaxFrameSize = 64 * 1024
)

// WebSocketTransport implements Transport against a relay endpoint such as
// ws://host:8090/ws. The channel is passed as a query parameter and the token
// as a bearer header.
type WebSocketTransport struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conns  map[string]*wsConn // channel -> connection
	logger *slog.Logger
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeFrame(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

// NewWebSocketTransport creates a transport for endpoint authenticating with token.
func NewWebSocketTransport(endpoint, token string, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		endpoint: endpoint,
		token:    token,
		dialer:   websocket.DefaultDialer,
		conns:    make(map[string]*wsConn),
		logger:   logger.With("component", "ws_transport"),
	}
}

// Subscribe dials the relay for channel and sends a join frame for self.
func (t *WebSocketTransport) Subscribe(ctx context.Context, channel string, self Member) (Subscription, error) {
	t.mu.Lock()
	if _, exists := t.conns[channel]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, channel)
	}
	t.mu.Unlock()

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay endpoint: %w", err)
	}
	q := u.Query()
	q.Set("channel", channel)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay dial failed: %w", err)
	}
	conn.SetReadLimit(MaxFrameSize)

	wc := &wsConn{conn: conn}
	if err := wc.writeFrame(ctx, Frame{Kind: FrameJoin, Member: &self}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send join frame: %w", err)
	}

	st := newStream(func() error {
		t.mu.Lock()
		if t.conns[channel] == wc {
			delete(t.conns, channel)
		}
		t.mu.Unlock()

		wc.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		wc.writeMu.Unlock()
		return conn.Close()
	})

	t.mu.Lock()
	t.conns[channel] = wc
	t.mu.Unlock()

	go t.readPump(st, wc, channel)

	t.logger.Debug("subscribed", "channel", channel, "sub_id", st.id)
	return st, nil
}

// Publish sends ev over the channel's connection. The relay echoes it back to
// every member, the sender included.
func (t *WebSocketTransport) Publish(ctx context.Context, channel string, ev event.Event) error {
	t.mu.Lock()
	wc, ok := t.conns[channel]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, channel)
	}

	data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	if err := wc.writeFrame(ctx, Frame{Kind: FrameEvent, Event: data}); err != nil {
		return fmt.Errorf("failed to write event frame: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) readPump(st *stream, wc *wsConn, channel string) {
	defer func() {
		t.mu.Lock()
		if t.conns[channel] == wc {
			delete(t.conns, channel)
		}
		t.mu.Unlock()
		st.shut()
	}()

	for {
		var f Frame
		if err := wc.conn.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
				select {
				case <-st.done:
				default:
					t.logger.Warn("relay connection lost", "channel", channel, "error", err)
				}
			}
			return
		}

		switch f.Kind {
		case FrameEvent:
			ev, err := event.Decode(f.Event)
			if err != nil {
				t.logger.Warn("discarding malformed event", "channel", channel, "error", err)
				continue
			}
			if !st.deliver(ev) {
				t.logger.Debug("dropped event for slow subscriber", "channel", channel, "type", ev.Type())
			}
		case FramePresence:
			st.offerPresence(f.Members)
		case FrameError:
			t.logger.Warn("relay reported error", "channel", channel, "error", f.Error)
		default:
			t.logger.Debug("ignoring unknown frame", "kind", f.Kind)
		}
	}
}
