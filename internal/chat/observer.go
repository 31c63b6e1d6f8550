package chat

// Close reasons reported to observers and logs.
const (
	ReasonThreshold          = "error_threshold"
	ReasonPeerClosed         = "peer_closed"
	ReasonTransportError     = "transport_error"
	ReasonShutdown           = "shutdown"
	ReasonRegistrationFailed = "registration_failed"
)

// Validation failure reasons.
const (
	FailureMalformed = "malformed"
	FailureTooLong   = "too_long"
	FailureTransport = "transport"
)

// Observer receives session lifecycle events, typically to feed metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	SessionOpened()
	SessionClosed(reason string)
	MessageBroadcast(recipients int)
	ValidationFailed(reason string)
	DeliveryDropped()
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) SessionOpened()          {}
func (NopObserver) SessionClosed(string)    {}
func (NopObserver) MessageBroadcast(int)    {}
func (NopObserver) ValidationFailed(string) {}
func (NopObserver) DeliveryDropped()        {}
