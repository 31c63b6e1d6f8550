// Package ratelimit decides whether a new chat connection may be admitted.
package ratelimit

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Reason describes why a connection was refused.
type Reason string

const (
	ReasonGlobal Reason = "global_limit"
	ReasonPerIP  Reason = "per_ip_limit"
	ReasonRate   Reason = "rate_limit"
)

const (
	idleLimiterTTL  = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// Config holds the admission limits.
type Config struct {
	MaxConnections       int64
	MaxConnectionsPerIP  int
	ConnectionsPerSecond float64
	Burst                int
}

// ConnectionLimits combines a global cap, a per-IP cap and a per-IP
// token bucket for new connections.
type ConnectionLimits struct {
	clock clockwork.Clock

	current atomic.Int64
	max     int64

	ipMu   sync.Mutex
	ips    map[string]int
	maxPer int

	rateMu    sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	cleanupAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates connection limits. A nil clock uses the real clock.
func New(cfg Config, clock clockwork.Clock) *ConnectionLimits {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionLimits{
		clock:     clock,
		max:       cfg.MaxConnections,
		ips:       make(map[string]int),
		maxPer:    cfg.MaxConnectionsPerIP,
		buckets:   make(map[string]*bucket),
		limit:     rate.Limit(cfg.ConnectionsPerSecond),
		burst:     cfg.Burst,
		cleanupAt: clock.Now().Add(cleanupInterval),
	}
}

// Acquire reserves a slot for ip. On success the caller must Release it.
func (l *ConnectionLimits) Acquire(ip string) (bool, Reason) {
	// Rate first: it is the cheapest check and needs no rollback.
	if !l.allow(ip) {
		return false, ReasonRate
	}
	if !l.acquireGlobal() {
		return false, ReasonGlobal
	}
	if !l.acquireIP(ip) {
		l.current.Add(-1)
		return false, ReasonPerIP
	}
	return true, ""
}

// Release frees the slot taken by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.ipMu.Lock()
	if count := l.ips[ip]; count > 1 {
		l.ips[ip] = count - 1
	} else {
		delete(l.ips, ip)
	}
	l.ipMu.Unlock()

	l.current.Add(-1)
}

// Current returns the number of admitted connections.
func (l *ConnectionLimits) Current() int64 {
	return l.current.Load()
}

// Count returns the number of admitted connections from ip.
func (l *ConnectionLimits) Count(ip string) int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	return l.ips[ip]
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *ConnectionLimits) acquireIP(ip string) bool {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ConnectionLimits) allow(ip string) bool {
	l.rateMu.Lock()
	defer l.rateMu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		cutoff := now.Add(-idleLimiterTTL)
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.cleanupAt = now.Add(cleanupInterval)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// trackedIPs returns the number of per-IP token buckets held.
func (l *ConnectionLimits) trackedIPs() int {
	l.rateMu.Lock()
	defer l.rateMu.Unlock()
	return len(l.buckets)
}

// HostIP strips the port from a remote address, returning it unchanged
// when it has none.
func HostIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
