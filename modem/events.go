package modem

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventSMSReceived
	EventRing
	EventCallEnded
	EventBearerUp
	EventBearerDown
	EventGPSReady
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventSMSReceived:
		return "sms"
	case EventRing:
		return "ring"
	case EventCallEnded:
		return "call-ended"
	case EventBearerUp:
		return "bearer-up"
	case EventBearerDown:
		return "bearer-down"
	case EventGPSReady:
		return "gps-ready"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is a notification derived from an unsolicited result code.
type Event struct {
	Kind EventKind `json:"kind"`
	// State is set for EventStateChanged.
	State State `json:"state"`
	// Index is the storage index for EventSMSReceived.
	Index int `json:"index,omitempty"`
}

// Events returns a read-only channel of modem notifications. The channel is
// buffered, but events are dropped if it is not consumed fast enough.
func (m *Modem) Events() <-chan Event {
	return m.events
}

func (m *Modem) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.logger.Warn("Event channel full, dropping event", "kind", e.Kind)
	}
}
