// ABOUTME: Relay HTTP server: authenticated websocket fan-out for huddle clients
// ABOUTME: Wires /ws, /health and the metrics endpoint over a channel.Transport backend

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-huddle/internal/auth"
	"github.com/2389/coven-huddle/internal/channel"
)

// Options configures a relay Server.
type Options struct {
	// Backend fans events out between connections. A channel.Hub serves a
	// single relay; NATS or Redis let several relays share channels.
	Backend  channel.Transport
	Verifier auth.TokenVerifier

	EventsPerSecond float64
	Burst           int
	AllowedOrigins  []string
	MetricsPath     string

	Logger *slog.Logger
}

// Server accepts websocket clients and relays events between them.
type Server struct {
	backend  channel.Transport
	verifier auth.TokenVerifier
	opts     Options
	metrics  *Metrics
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	httpServer *http.Server
}

// NewServer creates a relay server.
func NewServer(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("relay backend is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("relay token verifier is required")
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		backend:  opts.Backend,
		verifier: opts.Verifier,
		opts:     opts,
		metrics:  NewMetrics(),
		logger:   logger.With("component", "relay"),
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET "+s.opts.MetricsPath, s.metrics.Handler())
	mux.Handle("GET /ws", auth.HTTPAuthMiddleware(s.verifier)(http.HandlerFunc(s.handleWS)))
	return mux
}

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Run listens on addr and serves until ctx is cancelled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on relay address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// the original context is already canceled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}

	channelName := r.URL.Query().Get("channel")
	if channelName == "" {
		http.Error(w, `{"error":"missing channel"}`, http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClientConn(s, conn, id, channelName)
	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()

	c.serve(r.Context())
}
