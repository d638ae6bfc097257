package modem

import (
	"strings"
	"sync"
)

// State is the modem lifecycle state as tracked from URCs and command replies.
// States are ordered: a modem that is Ready has passed through Booting.
type State int

const (
	// StateUnknown is never a session state. In URC rules it means "no
	// transition".
	StateUnknown State = iota
	StateOff
	StateBooting
	StateAskPin
	StateWaitNetwork
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateOff:
		return "off"
	case StateBooting:
		return "booting"
	case StateAskPin:
		return "ask-pin"
	case StateWaitNetwork:
		return "wait-network"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// Flags is a set of capability bits.
type Flags uint16

const (
	FlagHwFlow Flags = 1 << iota
	FlagSimInserted
	FlagGpsReady
	FlagGprsReady
	FlagCall
	FlagIncomingCall
	FlagTcpEnabled
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagHwFlow, "hw-flow"},
	{FlagSimInserted, "sim-inserted"},
	{FlagGpsReady, "gps-ready"},
	{FlagGprsReady, "gprs-ready"},
	{FlagCall, "call"},
	{FlagIncomingCall, "incoming-call"},
	{FlagTcpEnabled, "tcp-enabled"},
}

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// CFUN is the modem functionality level reported by +CFUN.
type CFUN int

const (
	CFUNMinimum CFUN = iota
	CFUNFull
)

func (c CFUN) String() string {
	if c == CFUNFull {
		return "full"
	}
	return "minimum"
}

// Snapshot is a copy of the session taken under its lock.
type Snapshot struct {
	State        State  `json:"state"`
	Flags        Flags  `json:"flags"`
	CFUN         CFUN   `json:"cfun"`
	Operator     string `json:"operator,omitempty"`
	APN          string `json:"apn,omitempty"`
	LastSMSIndex int    `json:"last_sms_index"`
}

type session struct {
	mu       sync.Mutex
	state    State
	flags    Flags
	cfun     CFUN
	operator string
	apn      string
	lastSMS  int
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:        s.state,
		Flags:        s.flags,
		CFUN:         s.cfun,
		Operator:     s.operator,
		APN:          s.apn,
		LastSMSIndex: s.lastSMS,
	}
}

// Snapshot returns a copy of the current session.
func (m *Modem) Snapshot() Snapshot {
	return m.session.snapshot()
}

// State returns the current modem state.
func (m *Modem) State() State {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.session.state
}

// Flags returns the current capability flags.
func (m *Modem) Flags() Flags {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.session.flags
}

func (m *Modem) setState(s State) {
	m.session.mu.Lock()
	prev := m.session.state
	m.session.state = s
	m.session.mu.Unlock()

	if prev != s {
		m.logger.Info("Modem state changed", "from", prev, "to", s)
		m.emit(Event{Kind: EventStateChanged, State: s})
	}
}

func (m *Modem) setFlags(f Flags) {
	m.session.mu.Lock()
	m.session.flags |= f
	m.session.mu.Unlock()
}

func (m *Modem) clearFlags(f Flags) {
	m.session.mu.Lock()
	m.session.flags &^= f
	m.session.mu.Unlock()
}

// powerDown records that the modem is electrically off.
func (m *Modem) powerDown() {
	m.session.mu.Lock()
	m.session.flags = 0
	m.session.mu.Unlock()
	m.dropSockets()
	m.setState(StateOff)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (f Flags) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (c CFUN) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
