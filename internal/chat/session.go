package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/omochice/broadcast-chat/pkg/protocol"
)

const (
	// DefaultMessageLengthLimit is the longest accepted text, in characters.
	DefaultMessageLengthLimit = 1000

	defaultSendBuffer   = 16
	defaultWriteTimeout = 5 * time.Second
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SessionConfig holds the per-connection limits. Zero values take defaults.
type SessionConfig struct {
	MessageLengthLimit int
	// SendBuffer is the outbound queue length. Send never blocks, so records
	// that arrive while the queue is full are dropped for this session only;
	// size it for the largest burst a healthy client must absorb.
	SendBuffer   int
	WriteTimeout time.Duration
	Liveness     Liveness
	Clock        clockwork.Clock
	Observer     Observer
	Logger       *slog.Logger
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MessageLengthLimit <= 0 {
		c.MessageLengthLimit = DefaultMessageLengthLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Liveness.Min <= 0 {
		c.Liveness = StandardLiveness
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session runs one client connection: welcome, message exchange, liveness
// notices, length enforcement and teardown.
//
// Records bound for the client, including broadcasts from other sessions,
// go through a bounded queue drained by a single writer goroutine.
type Session struct {
	id       string
	conn     Conn
	codec    protocol.Codec
	registry *Registry
	cfg      SessionConfig
	logger   *slog.Logger

	state atomic.Int32

	outMu     sync.RWMutex
	outClosed bool
	outgoing  chan protocol.Message

	closeOnce    sync.Once
	closeCode    CloseCode
	closeReason  string
	stopLiveness context.CancelFunc
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewSession creates a session for conn. It does nothing until Run.
func NewSession(conn Conn, registry *Registry, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		codec:    protocol.CodecFor(conn.Subprotocol()),
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger.With("session_id", id, "remote_addr", conn.RemoteAddr()),
		outgoing: make(chan protocol.Message, cfg.SendBuffer),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address used as the sender identity.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Send queues msg for delivery to this session's client without blocking.
// It returns ErrSendBufferFull and drops msg when the queue is full.
func (s *Session) Send(msg protocol.Message) error {
	s.outMu.RLock()
	defer s.outMu.RUnlock()

	if s.outClosed {
		return ErrSessionClosed
	}
	select {
	case s.outgoing <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Run drives the session until the connection closes, the error threshold is
// reached or ctx is cancelled. It returns once every resource is released.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return ErrSessionStarted
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.wg.Add(1)
	go s.writeLoop(ctx)

	// Queued before registering so no broadcast can overtake it.
	s.reply(protocol.Welcome())

	if err := s.registry.Register(s); err != nil {
		s.logger.Error("Failed to register session", "error", err)
		s.close(CloseInternalError, ReasonRegistrationFailed)
		s.wg.Wait()
		s.state.Store(int32(StateClosed))
		return err
	}
	s.cfg.Observer.SessionOpened()
	s.logger.Info("Client connected", "clients", s.registry.Len())

	livenessCtx, stopLiveness := context.WithCancel(ctx)
	s.stopLiveness = stopLiveness
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runLiveness(livenessCtx, s.cfg.Clock, s.cfg.Liveness, func() {
			s.reply(protocol.StillConnected())
		})
	}()

	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			s.handleReadError(parent, err)
			break
		}
		if s.handleInbound(data) {
			break
		}
	}

	s.wg.Wait()
	s.state.Store(int32(StateClosed))
	s.logger.Info("Client disconnected", "reason", s.closeReason, "clients", s.registry.Len())
	return nil
}

// handleInbound processes one payload and reports whether the session is
// now closing.
func (s *Session) handleInbound(data []byte) bool {
	msg, err := s.codec.Decode(data)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		s.logger.Debug("Rejected malformed message", "error", err)
		s.cfg.Observer.ValidationFailed(FailureMalformed)
		s.reply(protocol.InvalidFormat())
		return false
	}

	if utf8.RuneCountInString(msg.Text) > s.cfg.MessageLengthLimit {
		s.cfg.Observer.ValidationFailed(FailureTooLong)
		count := s.registry.RecordError(s)
		s.logger.Warn("Message length exceeds limit",
			"length", utf8.RuneCountInString(msg.Text),
			"limit", s.cfg.MessageLengthLimit,
			"error_count", count,
		)
		if s.registry.ErrorThresholdReached(count) {
			s.reply(protocol.ThresholdExceeded())
			s.close(ClosePolicyViolation, ReasonThreshold)
			return true
		}
		s.reply(protocol.TooLong(s.cfg.MessageLengthLimit))
		return false
	}

	recipients := s.registry.Broadcast(protocol.Chat(msg.Text, s.conn.RemoteAddr()), s)
	s.cfg.Observer.MessageBroadcast(recipients)
	return false
}

func (s *Session) handleReadError(parent context.Context, err error) {
	switch {
	case errors.Is(err, ErrPeerClosed):
		s.close(CloseNormal, ReasonPeerClosed)
	case parent.Err() != nil:
		s.close(CloseGoingAway, ReasonShutdown)
	default:
		s.logger.Warn("Transport error", "error", err)
		s.cfg.Observer.ValidationFailed(FailureTransport)
		if count := s.registry.RecordError(s); s.registry.ErrorThresholdReached(count) {
			s.reply(protocol.ThresholdExceeded())
		}
		s.close(CloseInternalError, ReasonTransportError)
	}
}

// close moves the session to CLOSING exactly once: it stops the liveness
// timer, deregisters and lets the writer flush what is queued before it
// closes the transport.
func (s *Session) close(code CloseCode, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.closeCode = code
		s.closeReason = reason

		if s.stopLiveness != nil {
			s.stopLiveness()
		}
		s.registry.Deregister(s)

		s.outMu.Lock()
		s.outClosed = true
		close(s.outgoing)
		s.outMu.Unlock()

		s.cfg.Observer.SessionClosed(reason)
	})
}

// writeLoop drains the outbound queue until close, then closes the transport.
// After a failed write the remaining records are discarded and the reader is
// unblocked so the session can close.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	failed := false
	for msg := range s.outgoing {
		if failed {
			continue
		}
		if err := s.write(ctx, msg); err != nil {
			s.logger.Debug("Failed to write to client", "error", err)
			failed = true
			s.cancel()
		}
	}

	if err := s.conn.Close(s.closeCode, s.closeReason); err != nil {
		s.logger.Debug("Failed to close connection", "error", err)
	}
}

func (s *Session) write(ctx context.Context, msg protocol.Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, data)
}

// reply queues a record for this session's own client.
func (s *Session) reply(msg protocol.Message) {
	if err := s.Send(msg); err != nil {
		s.logger.Warn("Dropped reply", "type", msg.Type, "error", err)
	}
}
