package netws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/omochice/broadcast-chat/internal/auth"
	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/omochice/broadcast-chat/internal/ratelimit"
	"github.com/omochice/broadcast-chat/internal/transport"
	"github.com/omochice/broadcast-chat/pkg/protocol"
)

const handshakeTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	Session chat.SessionConfig
	Gate    *transport.Gate
	// ReadLimit caps a whole inbound message in bytes, fragments included.
	// Zero means no limit.
	ReadLimit int64
	Logger    *slog.Logger
}

// Server accepts raw TCP connections, upgrades them to WebSocket and runs
// a chat session on each.
type Server struct {
	address  string
	registry *chat.Registry
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a server listening on address whose sessions join registry.
func New(address string, registry *chat.Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address:  address,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger,
		ready:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
}

// Start listens and accepts connections until Stop. It blocks.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		listener.Close()
		return nil
	default:
	}
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("WebSocket server started", "addr", listener.Addr().String(), "transport", "net")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("Failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop closes the listener, closes every session with a going-away status
// and waits for them to finish or ctx to end.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.quit:
		return nil
	default:
		close(s.quit)
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop server: %w", ctx.Err())
	}
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remoteAddr := conn.RemoteAddr().String()
	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	hs, err := s.upgrader(remoteAddr, &release).Upgrade(conn)
	if err != nil {
		s.logger.Info("Handshake failed", "remote_addr", remoteAddr, "error", err)
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	session := chat.NewSession(NewConn(conn, hs.Protocol, s.opts.ReadLimit), s.registry, s.opts.Session)
	if err := session.Run(s.ctx); err != nil {
		s.logger.Warn("Session ended with error", "session_id", session.ID(), "error", err)
	}
}

// upgrader builds a per-connection upgrader that collects the token from
// the query string or the Authorization header and runs the gate before
// the upgrade response is written. release is set on admission.
func (s *Server) upgrader(remoteAddr string, release *func()) ws.Upgrader {
	var token string
	return ws.Upgrader{
		Protocol: func(p []byte) bool {
			for _, name := range protocol.Subprotocols {
				if string(p) == name {
					return true
				}
			}
			return false
		},
		OnRequest: func(uri []byte) error {
			u, err := url.ParseRequestURI(string(uri))
			if err != nil {
				return ws.RejectConnectionError(ws.RejectionStatus(http.StatusBadRequest), ws.RejectionReason("bad request uri"))
			}
			token = u.Query().Get("token")
			return nil
		},
		OnHeader: func(key, value []byte) error {
			if bytes.EqualFold(key, []byte("Authorization")) {
				if t := auth.TokenFromHeader(string(value)); t != "" {
					token = t
				}
			}
			return nil
		},
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			select {
			case <-s.quit:
				return nil, ws.RejectConnectionError(ws.RejectionStatus(http.StatusServiceUnavailable), ws.RejectionReason("server is shutting down"))
			default:
			}
			rel, rej := s.opts.Gate.Admit(ratelimit.HostIP(remoteAddr), token)
			if rej != nil {
				s.logger.Info("Connection rejected", "remote_addr", remoteAddr, "reason", rej.Reason)
				return nil, ws.RejectConnectionError(ws.RejectionStatus(rej.Status), ws.RejectionReason(rej.Message))
			}
			*release = rel
			return ws.HandshakeHeaderString(""), nil
		},
	}
}
