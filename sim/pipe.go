package sim

import (
	"net"
	"sync"
)

// HostPort is the host end of an in-memory serial line. It satisfies the
// port and link interfaces of the modem package.
type HostPort struct {
	net.Conn

	mu     sync.Mutex
	baud   int
	flow   bool
	resets int
}

// Pipe connects a simulated modem to an in-memory serial line and returns
// both ends. Start the modem with Run.
func Pipe(cfg Config) (*Modem, *HostPort) {
	host, device := net.Pipe()
	return New(device, cfg), &HostPort{Conn: host}
}

// ResetInputBuffer is a no-op: the pipe holds no buffered input.
func (p *HostPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *HostPort) SetBaudRate(bps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baud = bps
	return nil
}

func (p *HostPort) SetHardwareFlowControl(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flow = enabled
	return nil
}

// FlowControl reports whether hardware flow control was last enabled.
func (p *HostPort) FlowControl() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flow
}

// BaudRate returns the host baud rate last set.
func (p *HostPort) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}
