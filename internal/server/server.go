package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"ContextHub/internal/hub"
	"ContextHub/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Store is the part of the context store exposed over the admin routes.
type Store interface {
	Get(id string) (session.Context, bool)
	Delete(id string)
	Len() int
}

// Dispatcher runs one RPC method against a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage, sessionID string) (any, error)
}

// EventHandler answers frames received on a channel.
type EventHandler interface {
	Handle(ctx context.Context, ch hub.Channel, sessionID string, frame []byte)
}

// Metrics tracks channel lifecycles and serves the scrape endpoint.
type Metrics interface {
	ChannelOpened(transport string)
	ChannelClosed(transport string)
	InboundEvent(transport string)
	Handler() http.Handler
}

// ToolHealth reports the last known state of each checked tool provider.
type ToolHealth interface {
	Health() map[string]string
}

type nopMetrics struct{}

func (nopMetrics) ChannelOpened(string) {}
func (nopMetrics) ChannelClosed(string) {}
func (nopMetrics) InboundEvent(string)  {}

func (nopMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}

// Config holds the transport settings.
type Config struct {
	Listen         string
	MaxMessageSize int64 // read limit for inbound WebSocket frames
	ChannelBuffer  int   // outbound events queued per channel
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables channel metrics and the /metrics route.
func WithMetrics(m Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithToolHealth adds per-tool provider state to /health.
func WithToolHealth(h ToolHealth) Option {
	return func(s *Server) {
		s.tools = h
	}
}

// Server exposes the dispatcher and the session channels over HTTP.
type Server struct {
	cfg        Config
	store      Store
	registry   *hub.Registry
	dispatcher Dispatcher
	events     EventHandler
	logger     *slog.Logger
	metrics    Metrics
	tools      ToolHealth
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
}

// New wires the routes. store, registry, dispatcher and events are required.
func New(cfg Config, store Store, registry *hub.Registry, dispatcher Dispatcher, events EventHandler, opts ...Option) (*Server, error) {
	if store == nil || registry == nil || dispatcher == nil || events == nil {
		return nil, errors.New("store, registry, dispatcher and event handler are required")
	}
	if cfg.ChannelBuffer <= 0 {
		return nil, fmt.Errorf("channel buffer must be positive, got %d", cfg.ChannelBuffer)
	}

	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		events:     events,
		logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
		metrics:    nopMetrics{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /rpc", s.handleRPC)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully. Open channels see their request context cancelled and close.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down", "channels", s.registry.Len())
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
