package modem

import (
	"io"
	"sync"
)

// TestPort is a test helper that simulates a serial port using channels.
// Reads block until data is queued with SendData, like a real serial port
// would. Everything written to it is recorded and echoed on Writes.
type TestPort struct {
	mu       sync.Mutex
	readChan chan []byte
	pending  []byte
	closed   bool
	written  []string
	writes   chan string
	resets   int
	baud     []int
	flow     []bool
}

var (
	_ Port = (*TestPort)(nil)
	_ Link = (*TestPort)(nil)
)

// NewTestPort creates a new test port for testing.
// Exported for use in tests.
func NewTestPort() *TestPort {
	return &TestPort{
		readChan: make(chan []byte, 64),
		writes:   make(chan string, 64),
	}
}

func (t *TestPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	t.written = append(t.written, string(p))
	select {
	case t.writes <- string(p):
	default:
	}
	return len(p), nil
}

func (t *TestPort) Read(p []byte) (n int, err error) {
	if len(t.pending) == 0 {
		data, ok := <-t.readChan
		if !ok {
			return 0, io.EOF
		}
		t.pending = data
	}
	n = copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *TestPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

func (t *TestPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets++
	return nil
}

func (t *TestPort) SetBaudRate(bps int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baud = append(t.baud, bps)
	return nil
}

func (t *TestPort) SetHardwareFlowControl(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flow = append(t.flow, enabled)
	return nil
}

// SendData queues data to be read from the port.
// This simulates receiving data from the modem.
func (t *TestPort) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Writes returns a channel receiving every write.
func (t *TestPort) Writes() <-chan string {
	return t.writes
}

// Written returns all writes so far.
func (t *TestPort) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

// Resets returns how often the input buffer was reset.
func (t *TestPort) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// FlowControl returns every flow control change requested so far.
func (t *TestPort) FlowControl() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.flow...)
}

// BaudRates returns every baud rate change requested so far.
func (t *TestPort) BaudRates() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.baud...)
}
