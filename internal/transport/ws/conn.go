// Package ws provides the nhooyr.io/websocket transport for chat sessions.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/omochice/broadcast-chat/pkg/protocol"
	"nhooyr.io/websocket"
)

// Conn adapts nhooyr.io/websocket to chat.Conn interface.
type Conn struct {
	conn        *websocket.Conn
	remoteAddr  string
	subprotocol string
	msgType     websocket.MessageType
}

// closeGrace bounds how long a shutdown waits for the peer to answer the
// going-away close frame before the socket is dropped.
const closeGrace = 250 * time.Millisecond

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
// Frames are binary when the negotiated subprotocol uses a binary codec.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	sub := conn.Subprotocol()
	msgType := websocket.MessageText
	if protocol.CodecFor(sub).Binary() {
		msgType = websocket.MessageBinary
	}
	return &Conn{conn: conn, remoteAddr: addr, subprotocol: sub, msgType: msgType}
}

// Read implements chat.Conn.
//
// nhooyr closes the connection with a policy violation when a read context
// expires, so the read itself runs on a detached context. Cancellation of
// ctx starts a going-away close and, if the peer has not answered within
// closeGrace, cancels the detached read so the socket is dropped instead of
// waiting out the close handshake.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	readCtx, cancelRead := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRead()

	stop := context.AfterFunc(ctx, func() {
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			_ = c.conn.Close(websocket.StatusGoingAway, "shutdown")
		}()
		select {
		case <-closed:
		case <-time.After(closeGrace):
			cancelRead()
		}
	})
	defer stop()

	_, data, err := c.conn.Read(readCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", chat.ErrPeerClosed, err)
		}
		return nil, err
	}
	return data, nil
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, c.msgType, data)
}

// Close implements chat.Conn.
func (c *Conn) Close(code chat.CloseCode, reason string) error {
	return c.conn.Close(statusCode(code), reason)
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Subprotocol implements chat.Conn.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

func statusCode(code chat.CloseCode) websocket.StatusCode {
	switch code {
	case chat.CloseGoingAway:
		return websocket.StatusGoingAway
	case chat.ClosePolicyViolation:
		return websocket.StatusPolicyViolation
	case chat.CloseInternalError:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}

var _ chat.Conn = (*Conn)(nil)
