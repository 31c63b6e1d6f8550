package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/omochice/broadcast-chat/internal/auth"
	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/omochice/broadcast-chat/internal/ratelimit"
	"github.com/omochice/broadcast-chat/internal/transport"
	"github.com/omochice/broadcast-chat/pkg/protocol"
	"nhooyr.io/websocket"
)

// ErrShuttingDown is returned by Shutdown when sessions outlive its context.
var ErrShuttingDown = errors.New("sessions still running after shutdown deadline")

// Options configures a Handler.
type Options struct {
	Session chat.SessionConfig
	Gate    *transport.Gate
	// ReadLimit caps a single inbound frame in bytes. Zero keeps the
	// library default.
	ReadLimit int64
	// OriginPatterns lists extra host patterns allowed for cross-origin
	// browser handshakes.
	OriginPatterns []string
	Logger         *slog.Logger
}

// Handler upgrades HTTP requests to WebSocket and runs a chat session on
// each, in the request goroutine.
type Handler struct {
	registry *chat.Registry
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewHandler creates a Handler whose sessions join registry.
func NewHandler(registry *chat.Registry, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		registry: registry,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	release, rej := h.opts.Gate.Admit(ratelimit.HostIP(r.RemoteAddr), auth.BearerToken(r))
	if rej != nil {
		h.logger.Info("Connection rejected", "remote_addr", r.RemoteAddr, "reason", rej.Reason)
		writeRejection(w, rej)
		return
	}
	defer release()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   protocol.Subprotocols,
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	if h.opts.ReadLimit > 0 {
		wsConn.SetReadLimit(h.opts.ReadLimit)
	}

	session := chat.NewSession(NewConnWithAddr(wsConn, r.RemoteAddr), h.registry, h.opts.Session)
	if err := session.Run(h.ctx); err != nil {
		h.logger.Warn("Session ended with error", "session_id", session.ID(), "error", err)
	}
}

// Shutdown stops accepting upgrades, closes every session with a
// going-away status and waits for them to finish or ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrShuttingDown
	}
}

func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return false
	}
	h.wg.Add(1)
	return true
}

// writeRejection answers a refused handshake with a JSON body shaped like
// the token API responses.
func writeRejection(w http.ResponseWriter, rej *transport.Rejection) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rej.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": rej.Message,
		"status":  rej.Status,
	})
}
