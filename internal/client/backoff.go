package client

import (
	"math"
	"time"
)

// Backoff describes how long the client waits before each reconnect attempt.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultBackoff waits 2s * 1.2^attempt and gives up after five attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Factor: 1.2, MaxAttempts: 5}
}

// Delay returns the wait before the given attempt, counted from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(b.Base) * math.Pow(b.Factor, float64(attempt)))
}
