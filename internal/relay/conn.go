// ABOUTME: One relay websocket client: join handshake, read pump and write pump
// ABOUTME: Inbound events are rate limited and checked against the token identity

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-huddle/internal/auth"
	"github.com/2389/coven-huddle/internal/channel"
	"github.com/2389/coven-huddle/internal/event"
)

const (
	// joinWait bounds the time between upgrade and the join frame.
	joinWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	errorQueueSize = 8
)

var (
	errJoinRequired   = errors.New("first frame must be a join frame")
	errSenderMismatch = errors.New("event sender does not match token subject")
)

type clientConn struct {
	srv      *Server
	conn     *websocket.Conn
	identity auth.Identity
	channel  string
	limiter  *rate.Limiter
	errs     chan string
	logger   *slog.Logger
}

func newClientConn(s *Server, conn *websocket.Conn, id auth.Identity, channelName string) *clientConn {
	return &clientConn{
		srv:      s,
		conn:     conn,
		identity: id,
		channel:  channelName,
		limiter:  rate.NewLimiter(rate.Limit(s.opts.EventsPerSecond), s.opts.Burst),
		errs:     make(chan string, errorQueueSize),
		logger:   s.logger.With("channel", channelName, "user_id", id.UserID),
	}
}

// serve runs the connection until either side goes away.
func (c *clientConn) serve(parent context.Context) {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(channel.MaxFrameSize)

	self, err := c.readJoin()
	if err != nil {
		c.logger.Debug("join failed", "error", err)
		c.srv.metrics.rejected.WithLabelValues(ReasonBadFrame).Inc()
		c.closeWith(websocket.ClosePolicyViolation, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sub, err := c.srv.backend.Subscribe(ctx, c.channel, self)
	if err != nil {
		c.logger.Error("backend subscribe failed", "error", err)
		c.closeWith(websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	c.logger.Info("client joined", "sub_id", sub.ID())

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(ctx, sub)
		// a failed write must also stop the read pump
		_ = c.conn.Close()
	}()

	c.readPump(ctx)
	cancel()
	<-writeDone

	c.logger.Info("client left")
}

// readJoin reads and validates the join frame. The member id always comes
// from the token; display name and email fall back to token claims.
func (c *clientConn) readJoin() (channel.Member, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(joinWait))

	var f channel.Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return channel.Member{}, fmt.Errorf("reading join frame: %w", err)
	}
	if f.Kind != channel.FrameJoin || f.Member == nil {
		return channel.Member{}, errJoinRequired
	}
	if f.Member.UserID != "" && f.Member.UserID != c.identity.UserID {
		return channel.Member{}, errSenderMismatch
	}

	m := *f.Member
	m.UserID = c.identity.UserID
	if m.Metadata.DisplayName == "" {
		m.Metadata.DisplayName = c.identity.DisplayName
	}
	if m.Metadata.DisplayName == "" {
		m.Metadata.DisplayName = c.identity.UserID
	}
	if m.Metadata.Email == "" {
		m.Metadata.Email = c.identity.Email
	}
	m.LastSeen = c.srv.now()
	return m, nil
}

func (c *clientConn) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f channel.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-ctx.Done():
				default:
					c.logger.Debug("read failed", "error", err)
				}
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if f.Kind != channel.FrameEvent {
			c.reject(ReasonBadFrame, fmt.Sprintf("unexpected %q frame", f.Kind))
			continue
		}
		if !c.limiter.Allow() {
			c.reject(ReasonRateLimited, "rate limit exceeded")
			continue
		}

		ev, err := event.Decode(f.Event)
		if err != nil {
			c.reject(ReasonInvalidEvent, err.Error())
			continue
		}
		if err := c.authorize(ev); err != nil {
			c.reject(ReasonSenderMismatch, err.Error())
			continue
		}

		if err := c.srv.backend.Publish(ctx, c.channel, ev); err != nil {
			c.logger.Warn("backend publish failed", "type", ev.Type(), "error", err)
			c.reject(ReasonPublishFailed, "publish failed")
			continue
		}
		c.srv.metrics.events.WithLabelValues(string(ev.Type())).Inc()
	}
}

// authorize allows events sent as the token subject, and AI replies relayed
// by a client under the reserved AI sender id.
func (c *clientConn) authorize(ev event.Event) error {
	if ev.UserID == c.identity.UserID {
		if msg, ok := ev.Payload.(event.NewMessage); ok && msg.MessageType != event.KindUser {
			return fmt.Errorf("%w: %s message from user", errSenderMismatch, msg.MessageType)
		}
		return nil
	}
	if ev.UserID == event.AIUserID {
		if msg, ok := ev.Payload.(event.NewMessage); ok && msg.MessageType == event.KindAI {
			return nil
		}
	}
	return errSenderMismatch
}

func (c *clientConn) reject(reason, msg string) {
	c.srv.metrics.rejected.WithLabelValues(reason).Inc()
	c.logger.Debug("rejected frame", "reason", reason, "detail", msg)
	select {
	case c.errs <- reason + ": " + msg:
	default:
	}
}

func (c *clientConn) writePump(ctx context.Context, sub channel.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var f channel.Frame
		select {
		case <-ctx.Done():
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				c.closeWith(websocket.CloseGoingAway, "channel closed")
				return
			}
			data, err := event.Encode(ev)
			if err != nil {
				c.logger.Warn("dropping unencodable event", "error", err)
				continue
			}
			f = channel.Frame{Kind: channel.FrameEvent, Event: data}
		case members, ok := <-sub.Presence():
			if !ok {
				c.closeWith(websocket.CloseGoingAway, "channel closed")
				return
			}
			f = channel.Frame{Kind: channel.FramePresence, Members: members}
		case msg := <-c.errs:
			f = channel.Frame{Kind: channel.FrameError, Error: msg}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(channel.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(channel.WriteWait))
		if err := c.conn.WriteJSON(f); err != nil {
			c.logger.Debug("write failed", "error", err)
			return
		}
	}
}

func (c *clientConn) closeWith(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
}
