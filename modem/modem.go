package modem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// eventBuffer is the capacity of the Events channel.
const eventBuffer = 32

// Modem represents a SIM908-class cellular modem that communicates via AT
// commands. It provides goroutine-safe command execution, tracks the modem
// state from unsolicited result codes and lends the raw serial link to
// callers that need to move unframed bytes.
type Modem struct {
	// transport provides the physical connection to the modem
	transport Transport
	// link adjusts host baud rate and flow control, when supported
	link Link
	// board drives the power key and supply rail
	board Board
	// gate decides who reads the link: the dispatcher or a raw owner
	gate *Gate
	// config contains the modem configuration settings
	config Config
	logger *slog.Logger

	// cmdMu keeps a single command in flight
	cmdMu sync.Mutex
	// powerMu serializes power sequencing
	powerMu sync.Mutex
	// httpMu serializes use of the modem's HTTP service
	httpMu sync.Mutex
	// tcpMu serializes bringing the IP stack up and down and dialing
	tcpMu sync.Mutex
	// sockMu guards sockets
	sockMu  sync.Mutex
	sockets [MaxSockets]*Socket

	// replies carries the final result of the command in flight
	replies chan reply
	// events receives notifications derived from URCs
	events chan Event
	// rules is the URC table consulted by the dispatcher
	rules   []urcRule
	session session

	// closed indicates if the modem has been shut down
	closed atomic.Bool
	// done is closed by Close to stop the dispatcher
	done chan struct{}
	// dispatched is closed when the dispatcher has returned
	dispatched chan struct{}
}

// New creates a Modem with the given configuration. It establishes the
// transport connection, switches on the supply rail and starts the URC
// dispatcher. The modem itself is not powered on; call SetPower.
//
// Returns an error if the configuration is invalid or the transport
// connection fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := &Modem{
		transport:  transport,
		board:      config.Board,
		gate:       newGate(transport),
		config:     config,
		logger:     config.Logger,
		replies:    make(chan reply, 1),
		events:     make(chan Event, eventBuffer),
		rules:      urcRules,
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	if l, ok := transport.(Link); ok {
		m.link = l
	}
	m.session.state = StateOff
	m.session.apn = config.APN

	if m.board != nil {
		m.board.SetSupply(true)
	}

	go m.dispatch()
	return m, nil
}

// Gate returns the serial arbitration gate. Callers that hold it in raw
// mode must pass the returned context to every modem call they make until
// they release it.
func (m *Modem) Gate() *Gate {
	return m.gate
}

// Close stops the dispatcher and closes the transport connection. It does
// not power off the modem. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	close(m.done)
	err := m.transport.Close()
	<-m.dispatched
	m.dropSockets()
	return err
}
