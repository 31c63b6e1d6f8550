// Package server wires the chat registry, transports, token API and
// metrics into a runnable server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/omochice/broadcast-chat/internal/auth"
	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/omochice/broadcast-chat/internal/config"
	"github.com/omochice/broadcast-chat/internal/metrics"
	"github.com/omochice/broadcast-chat/internal/ratelimit"
	"github.com/omochice/broadcast-chat/internal/transport"
	"github.com/omochice/broadcast-chat/internal/transport/netws"
	"github.com/omochice/broadcast-chat/internal/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
)

// Server runs the chat service on the transport selected by the config:
// an echo application with the WebSocket endpoint and token API, or a raw
// listener upgraded with gobwas/ws.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	registry    *chat.Registry
	issuer      *auth.Issuer
	metrics     *metrics.ChatMetrics
	httpMetrics *metrics.HTTPMetrics
	metricsReg  *prometheus.Registry

	echo      *echo.Echo
	wsHandler *ws.Handler
	netServer *netws.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// Option customises a Server.
type Option func(*options)

type options struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

// WithClock sets the clock driving liveness notices and admission limits.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds a server from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	o := options{clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	issuer, err := auth.NewIssuer(cfg.TokenSecret, o.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	metricsReg := metrics.NewRegistry()
	chatMetrics := metrics.NewChatMetrics(metricsReg)

	registry := chat.NewRegistry(
		chat.WithErrorThreshold(cfg.ErrorThreshold),
		chat.WithRegistryObserver(chatMetrics),
		chat.WithRegistryLogger(o.logger),
	)

	gate := &transport.Gate{
		Limits: ratelimit.New(ratelimit.Config{
			MaxConnections:       int64(cfg.MaxConnections),
			MaxConnectionsPerIP:  cfg.MaxConnectionsPerIP,
			ConnectionsPerSecond: cfg.ConnectionsPerSecond,
			Burst:                cfg.ConnectionBurst,
		}, o.clock),
		Recorder: chatMetrics,
	}
	if cfg.AuthEnabled() {
		gate.Verifier = issuer
	}

	session := chat.SessionConfig{
		MessageLengthLimit: cfg.MessageLengthLimit,
		SendBuffer:         cfg.SendBuffer,
		WriteTimeout:       cfg.WriteTimeout,
		Liveness:           cfg.Liveness(),
		Clock:              o.clock,
		Observer:           chatMetrics,
		Logger:             o.logger,
	}

	s := &Server{
		cfg:        cfg,
		logger:     o.logger,
		registry:   registry,
		issuer:     issuer,
		metrics:    chatMetrics,
		metricsReg: metricsReg,
		ready:      make(chan struct{}),
	}

	switch cfg.Transport {
	case config.TransportNet:
		s.netServer = netws.New(cfg.Addr, registry, netws.Options{
			Session:   session,
			Gate:      gate,
			ReadLimit: cfg.MaxReadBytes,
			Logger:    o.logger,
		})
	default:
		s.wsHandler = ws.NewHandler(registry, ws.Options{
			Session:   session,
			Gate:      gate,
			ReadLimit: cfg.MaxReadBytes,
			Logger:    o.logger,
		})
		s.httpMetrics = metrics.NewHTTPMetrics(metricsReg)
		s.echo = echo.New()
		s.echo.HideBanner = true
		s.echo.HidePort = true
		s.registerRoutes()
	}

	return s, nil
}

// Start listens on the configured address and serves until Stop. It blocks.
func (s *Server) Start() error {
	s.logger.Info("Starting server", "addr", s.cfg.Addr, "transport", s.cfg.Transport, "auth", s.cfg.AuthEnabled())

	if s.netServer != nil {
		go func() {
			<-s.netServer.Ready()
			close(s.ready)
		}()
		return s.netServer.Start()
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.echo.Listener = listener
	close(s.ready)

	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop closes every session with a going-away status, then stops the
// listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.netServer != nil {
		return s.netServer.Stop(ctx)
	}

	var errs []error
	if err := s.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown server: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.netServer != nil {
		return s.netServer.Addr()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of open sessions.
func (s *Server) ClientCount() int {
	return s.registry.Len()
}

// Issuer returns the token issuer behind the token API.
func (s *Server) Issuer() *auth.Issuer {
	return s.issuer
}
