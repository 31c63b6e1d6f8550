// Package chat provides the connection registry and the per-connection
// session state machine shared by all transports.
package chat

import (
	"context"
	"errors"
)

// Conn abstracts a bidirectional message connection.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read reads a single message frame.
	// Returns an error wrapping ErrPeerClosed when the peer closed the connection.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection, telling the peer why when the transport can.
	Close(code CloseCode, reason string) error

	// RemoteAddr returns the remote address of the peer.
	RemoteAddr() string

	// Subprotocol returns the negotiated subprotocol, or "" if none.
	Subprotocol() string
}

// CloseCode is a transport-neutral close status.
type CloseCode int

const (
	CloseNormal CloseCode = iota
	CloseGoingAway
	ClosePolicyViolation
	CloseInternalError
)

// String returns the string representation of CloseCode
func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

var (
	// ErrPeerClosed is wrapped by Conn.Read when the remote end closed cleanly.
	ErrPeerClosed = errors.New("connection closed by peer")

	// ErrDuplicateRegistration is returned when a member is registered twice.
	ErrDuplicateRegistration = errors.New("member already registered")

	// ErrSessionClosed is returned when sending to a session that is closing.
	ErrSessionClosed = errors.New("session closed")

	// ErrSendBufferFull is returned when a session's outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrSessionStarted is returned when Run is called more than once.
	ErrSessionStarted = errors.New("session already started")
)
