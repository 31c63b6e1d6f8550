// Package transport holds the connection admission shared by the WebSocket
// transports.
package transport

import (
	"errors"
	"net/http"

	"github.com/omochice/broadcast-chat/internal/auth"
	"github.com/omochice/broadcast-chat/internal/ratelimit"
)

// ReasonUnauthorized labels connections refused by the token gate.
const ReasonUnauthorized = "unauthorized"

// TokenVerifier checks a bearer token presented on the handshake.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// RejectionRecorder is told about every refused connection.
type RejectionRecorder interface {
	ConnectionRejected(reason string)
}

// Rejection describes why a handshake was refused.
type Rejection struct {
	Status  int
	Reason  string
	Message string
}

// Gate decides whether a handshake may be upgraded. A nil Verifier disables
// the token check and nil Limits disables admission limits.
type Gate struct {
	Verifier TokenVerifier
	Limits   *ratelimit.ConnectionLimits
	Recorder RejectionRecorder
}

// Admit checks the token and reserves an admission slot for ip. On success
// the returned release func must be called once the connection ends.
func (g *Gate) Admit(ip, token string) (func(), *Rejection) {
	if g == nil {
		return func() {}, nil
	}

	if g.Verifier != nil {
		if _, err := g.Verifier.Verify(token); err != nil {
			msg := "Invalid token"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "No token provided"
			}
			return nil, g.reject(http.StatusUnauthorized, ReasonUnauthorized, msg)
		}
	}

	if g.Limits == nil {
		return func() {}, nil
	}
	if ok, reason := g.Limits.Acquire(ip); !ok {
		return nil, g.reject(http.StatusTooManyRequests, string(reason), "Too many connections")
	}
	return func() { g.Limits.Release(ip) }, nil
}

func (g *Gate) reject(status int, reason, msg string) *Rejection {
	if g.Recorder != nil {
		g.Recorder.ConnectionRejected(reason)
	}
	return &Rejection{Status: status, Reason: reason, Message: msg}
}
