package chat

import (
	"log/slog"
	"sync"

	"github.com/omochice/broadcast-chat/pkg/protocol"
)

// DefaultErrorThreshold is the number of validation failures after which a
// connection is closed by the server.
const DefaultErrorThreshold = 5

// Member is anything the registry can deliver records to.
// Send must not block.
type Member interface {
	Send(msg protocol.Message) error
}

// Registry tracks every open session and its validation error count.
// All transports share a single Registry instance.
type Registry struct {
	mu          sync.RWMutex
	members     map[Member]struct{}
	errorCounts map[Member]int
	threshold   int
	observer    Observer
	logger      *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithErrorThreshold overrides DefaultErrorThreshold.
func WithErrorThreshold(n int) RegistryOption {
	return func(r *Registry) { r.threshold = n }
}

// WithRegistryObserver reports dropped deliveries to o.
func WithRegistryObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithRegistryLogger sets the logger used for delivery failures.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		members:     make(map[Member]struct{}),
		errorCounts: make(map[Member]int),
		threshold:   DefaultErrorThreshold,
		observer:    NopObserver{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a member with an error count of zero.
func (r *Registry) Register(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[m]; exists {
		return ErrDuplicateRegistration
	}
	r.members[m] = struct{}{}
	r.errorCounts[m] = 0
	return nil
}

// Deregister removes a member. Removing an absent member is a no-op, since
// the peer-close and server-close paths may both clean up.
func (r *Registry) Deregister(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, m)
	delete(r.errorCounts, m)
}

// Broadcast queues msg for every member except exclude and returns how many
// members accepted it. A member that fails to accept is skipped.
func (r *Registry) Broadcast(msg protocol.Message, exclude Member) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for m := range r.members {
		if m == exclude {
			continue
		}
		if err := m.Send(msg); err != nil {
			r.logger.Debug("Skipping member during broadcast", "error", err)
			r.observer.DeliveryDropped()
			continue
		}
		delivered++
	}
	return delivered
}

// RecordError increments and returns the member's error count.
// Unregistered members report 0 and nothing is stored.
func (r *Registry) RecordError(m Member) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, exists := r.errorCounts[m]
	if !exists {
		return 0
	}
	count++
	r.errorCounts[m] = count
	return count
}

// ErrorCount returns the member's current error count.
func (r *Registry) ErrorCount(m Member) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errorCounts[m]
}

// ErrorThresholdReached reports whether count warrants disconnection.
func (r *Registry) ErrorThresholdReached(count int) bool {
	return count >= r.threshold
}

// Len returns the number of registered members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
