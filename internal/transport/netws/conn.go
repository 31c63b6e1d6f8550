// Package netws serves chat sessions over WebSocket on a raw TCP listener,
// upgrading connections with github.com/gobwas/ws.
package netws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/broadcast-chat/internal/chat"
	"github.com/omochice/broadcast-chat/pkg/protocol"
)

// ErrMessageTooLarge is returned by Read when a message, summed over all of
// its fragments, is longer than the read limit.
var ErrMessageTooLarge = errors.New("message exceeds read limit")

// Conn adapts an upgraded net.Conn to chat.Conn.
type Conn struct {
	conn        net.Conn
	subprotocol string
	op          ws.OpCode
	readLimit   int64

	// writeMu serialises frames from the session writer and control
	// replies sent while reading.
	writeMu sync.Mutex
	reader  *wsutil.Reader
	control wsutil.FrameHandlerFunc

	peerClosed atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// NewConn wraps conn after a completed server-side handshake. A positive
// readLimit caps the size of a single inbound message, fragments included.
func NewConn(conn net.Conn, subprotocol string, readLimit int64) *Conn {
	c := &Conn{
		conn:        conn,
		subprotocol: subprotocol,
		op:          ws.OpText,
		readLimit:   readLimit,
	}
	if protocol.CodecFor(subprotocol).Binary() {
		c.op = ws.OpBinary
	}
	c.control = wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateServerSide)
	c.reader = &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   readLimit,
		OnIntermediate: c.control,
	}
	return c
}

// Read implements chat.Conn.
// Control frames are answered in place; a close frame from the peer is
// reported as chat.ErrPeerClosed.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := c.readData()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			// The control handler has already answered with a close frame.
			c.peerClosed.Store(true)
		}
		if c.peerClosed.Load() || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", chat.ErrPeerClosed, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *Conn) readData() ([]byte, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, err
			}
			continue
		}
		if c.readLimit <= 0 {
			return io.ReadAll(c.reader)
		}
		// The reader follows continuation frames, so MaxFrameSize alone
		// does not bound the whole message.
		data, err := io.ReadAll(io.LimitReader(c.reader, c.readLimit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > c.readLimit {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, c.readLimit)
		}
		return data, nil
	}
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, c.op, data)
}

// Close implements chat.Conn.
// It sends a close frame with the mapped status, unless the peer closed
// first, and closes the socket.
func (c *Conn) Close(code chat.CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		if !c.peerClosed.Load() {
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			frame := ws.NewCloseFrame(ws.NewCloseFrameBody(statusCode(code), reason))
			if err := ws.WriteFrame(c.conn, frame); err != nil && !errors.Is(err, net.ErrClosed) {
				c.closeErr = err
			}
			c.writeMu.Unlock()
		}

		if err := c.conn.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Subprotocol implements chat.Conn.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

func statusCode(code chat.CloseCode) ws.StatusCode {
	switch code {
	case chat.CloseGoingAway:
		return ws.StatusGoingAway
	case chat.ClosePolicyViolation:
		return ws.StatusPolicyViolation
	case chat.CloseInternalError:
		return ws.StatusInternalServerError
	default:
		return ws.StatusNormalClosure
	}
}

// lockedWriter lets the control frame handler share the write lock.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

var _ chat.Conn = (*Conn)(nil)
