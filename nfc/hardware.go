package nfc

// Hardware is the vendor plugin surface used by the route table and the
// dispatcher. Route and unroute calls are staged by the controller and only
// take effect on CommitRouting.
//
// Implementations are called from the daemon's single worker goroutine and
// need not be safe for concurrent use by the daemon itself.
type Hardware interface {
	RouteAID(aid string, se SEType, power uint32) error
	UnrouteAID(aid string) error
	CommitRouting() error
	SendResponseAPDU(handle uint32, apdu []byte) error
}

// EventSource is optionally implemented by Hardware that reports card
// emulation events.
type EventSource interface {
	// Events returns a channel that delivers events in radio order.
	Events() <-chan Event
}

// EventType is the kind of card emulation event reported by the radio.
type EventType int

const (
	EventActivated EventType = iota
	EventDeactivated
	EventData
)

func (t EventType) String() string {
	switch t {
	case EventActivated:
		return "activated"
	case EventDeactivated:
		return "deactivated"
	case EventData:
		return "data"
	default:
		return "unknown"
	}
}

// Event is one card emulation notification. Handle is the opaque value the
// response for a Data event must be sent back with.
type Event struct {
	Type   EventType
	Handle uint32
	Data   []byte
}
