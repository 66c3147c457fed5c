// Package gateway serves the deskpilot HTTP API: session management, poll
// and push delivery of live updates, desktop control, health and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/deskpilot/internal/desktop"
	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/internal/orchestrator"
	"github.com/haasonsaas/deskpilot/internal/sessions"
	"github.com/haasonsaas/deskpilot/internal/stream"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// SessionRunner creates and starts sessions.
type SessionRunner interface {
	Submit(ctx context.Context, req orchestrator.CreateRequest) (*models.Session, error)
}

// Desktop controls the remote desktop services.
type Desktop interface {
	Status(ctx context.Context) (*desktop.Status, error)
	EnsureRunning(ctx context.Context) error
	Stop(ctx context.Context) ([]string, error)
}

// Config configures the HTTP listener.
type Config struct {
	Host string
	Port int

	// AllowedOrigins lists CORS origins. "*" allows any origin.
	AllowedOrigins []string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Dependencies are the collaborators behind the API.
type Dependencies struct {
	Sessions SessionRunner
	Store    sessions.Store

	// Broker serves the push endpoints. Nil disables them.
	Broker *stream.Broker

	// Desktop serves the /vnc endpoints. Nil disables them.
	Desktop Desktop

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the HTTP front end.
type Server struct {
	config Config
	deps   Dependencies
	poller *stream.Poller
	logger *observability.Logger

	// streams is cancelled on Shutdown so push connections let go.
	streams     context.Context
	stopStreams context.CancelFunc

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New validates deps and builds a server.
func New(config Config, deps Dependencies) (*Server, error) {
	if deps.Sessions == nil {
		return nil, errors.New("gateway: session runner is required")
	}
	if deps.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	streams, stopStreams := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		deps:        deps,
		poller:      stream.NewPoller(deps.Store),
		logger:      deps.Logger,
		streams:     streams,
		stopStreams: stopStreams,
	}, nil
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/status", s.handleSessionStatus)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("POST /api/messages", s.handleCreateMessage)

	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWebSocket)

	mux.HandleFunc("GET /vnc/status", s.handleVNCStatus)
	mux.HandleFunc("POST /vnc/start", s.handleVNCStart)
	mux.HandleFunc("POST /vnc/stop", s.handleVNCStop)

	return chain(mux,
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		MetricsMiddleware(s.deps.Metrics),
		CORSMiddleware(s.config.AllowedOrigins),
	)
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.httpServer = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()
	s.logger.Info(ctx, "starting http server", "addr", listener.Addr().String())
	return nil
}

// Serve runs the server until ctx is cancelled, then shuts it down.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown ends push connections, stops accepting requests and waits for
// in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopStreams()
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "http server shutdown error", "error", err)
		return err
	}
	return nil
}

// streamContext is cancelled when the client leaves or the server shuts down.
func (s *Server) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
