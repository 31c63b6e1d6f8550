// Package client implements a chat client that keeps its connection alive,
// reconnecting with backoff after the connection drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/omochice/broadcast-chat/pkg/protocol"
)

var (
	ErrNotConnected       = errors.New("not connected to server")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrMessageTooLong     = errors.New("message too long")
	ErrThresholdExceeded  = errors.New("error threshold exceeded")
	ErrReconnectExhausted = errors.New("max reconnect attempts reached")
)

const (
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithToken sends the token as a bearer credential during the handshake.
func WithToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMessageLimit sets the local length guard and how many rejected
// messages the client tolerates before it disconnects itself.
func WithMessageLimit(limit, threshold int) Option {
	return func(c *Client) {
		c.limit = limit
		c.threshold = threshold
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client is a WebSocket chat client.
type Client struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	backoff   Backoff
	clock     clockwork.Clock
	logger    *slog.Logger
	limit     int
	threshold int

	messages chan protocol.Message
	errs     chan error

	mu        sync.Mutex
	conn      *websocket.Conn
	stop      chan struct{}
	manual    bool
	attempts  int
	errCount  int
	reconnect clockwork.Timer

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a Client for the given ws:// or wss:// URL.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:       url,
		header:    http.Header{},
		dialer:    &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		backoff:   DefaultBackoff(),
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		limit:     chat.DefaultMessageLengthLimit,
		threshold: chat.DefaultErrorThreshold,
		messages:  make(chan protocol.Message, 64),
		errs:      make(chan error, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server. It also resets the reconnect budget, so it is
// the way back after ErrReconnectExhausted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	c.attempts = 0
	c.stopReconnectLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect closes the connection normally and cancels any pending
// reconnect. The client can be connected again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.stopReconnectLocked()
	conn := c.detachLocked()
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
	c.wg.Wait()
}

// IsConnected reports whether a connection is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send submits a chat message. Empty and over-long texts are rejected
// locally without reaching the server.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if text == "" {
		c.mu.Unlock()
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > c.limit {
		c.errCount++
		count := c.errCount
		c.mu.Unlock()
		if count >= c.threshold {
			c.Disconnect()
			return fmt.Errorf("%w: %d/%d", ErrThresholdExceeded, count, c.threshold)
		}
		return fmt.Errorf("%w: maximum length is %d characters, error count %d/%d",
			ErrMessageTooLong, c.limit, count, c.threshold)
	}
	c.mu.Unlock()

	data, err := protocol.JSONCodec{}.Encode(protocol.Message{Text: text})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Messages returns the channel of records received from the server.
func (c *Client) Messages() <-chan protocol.Message {
	return c.messages
}

// Errors returns connection-level errors: drops, failed reconnects and
// ErrReconnectExhausted. Errors are discarded when nobody is reading.
func (c *Client) Errors() <-chan error {
	return c.errs
}

func (c *Client) dial(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to server: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual {
		_ = conn.Close()
		return ErrNotConnected
	}
	if old := c.detachLocked(); old != nil {
		_ = old.Close()
	}
	c.conn = conn
	c.stop = make(chan struct{})
	c.attempts = 0
	c.errCount = 0

	c.wg.Add(1)
	go c.readLoop(conn, c.stop)

	c.logger.Info("connected", "url", c.url)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()

	codec := protocol.JSONCodec{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		msg, err := codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable record", "error", err)
			continue
		}

		select {
		case c.messages <- msg:
		case <-stop:
			return
		}
	}
}

// connectionLost handles the end of a connection the client did not close
// itself. Only an unclean close schedules a reconnect.
func (c *Client) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.detachLocked()
	_ = conn.Close()
	c.emit(err)

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		c.logger.Info("connection closed by server", "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Warn("connection lost", "error", err)
	c.scheduleLocked()
}

// scheduleLocked arms the next reconnect attempt. The caller must hold c.mu.
func (c *Client) scheduleLocked() {
	if c.manual {
		return
	}
	if c.attempts >= c.backoff.MaxAttempts {
		c.attempts = 0
		c.logger.Warn("giving up reconnecting", "attempts", c.backoff.MaxAttempts)
		c.emit(ErrReconnectExhausted)
		return
	}
	c.attempts++
	delay := c.backoff.Delay(c.attempts)
	c.logger.Info("reconnecting", "attempt", c.attempts, "delay", delay)

	c.wg.Add(1)
	c.reconnect = c.clock.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.retry()
	})
}

func (c *Client) retry() {
	c.mu.Lock()
	c.reconnect = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	err := c.dial(ctx)
	if err == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual {
		return
	}
	c.logger.Warn("reconnect failed", "attempt", c.attempts, "error", err)
	c.emit(err)
	c.scheduleLocked()
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil && c.reconnect.Stop() {
		c.wg.Done()
	}
	c.reconnect = nil
}

// detachLocked forgets the current connection and releases its reader.
func (c *Client) detachLocked() *websocket.Conn {
	conn := c.conn
	if conn == nil {
		return nil
	}
	close(c.stop)
	c.conn, c.stop = nil, nil
	return conn
}

func (c *Client) emit(err error) {
	select {
	case c.errs <- err:
	default:
	}
}
