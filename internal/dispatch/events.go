package dispatch

// Event types published on the bus.
const (
	EventSessionStarted  = "session.started"
	EventSessionStopped  = "session.stopped"
	EventDeliveryFailed  = "delivery.failed"
	EventCapabilityState = "capability.state"
)

// SessionEvent is the payload for session.started and session.stopped.
type SessionEvent struct {
	ID       string
	Targets  int
	Messages int
}

// DeliveryFailure is the payload for delivery.failed.
type DeliveryFailure struct {
	ID     string
	Target string
	Err    string
}

// CapabilityState is the payload for capability.state, forwarded from
// capabilities that surface lifecycle events.
type CapabilityState struct {
	ID     string
	Kind   string
	Reason string
}
