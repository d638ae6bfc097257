package modem

import (
	"errors"
	"io"
	"sync"
	"time"
)

const (
	// LineBufferSize is the longest line the transport returns in one piece.
	LineBufferSize = 256

	// maxPending caps unread input. The oldest bytes are dropped beyond it.
	maxPending = 16 * 1024
)

// LineTransport implements Transport on top of a Port. A pump goroutine
// moves port input into a queue so reads can time out and be interrupted
// by ResetInputBuffer.
type LineTransport struct {
	port Port

	mu      sync.Mutex
	pending []byte
	line    []byte
	reset   chan struct{}
	notify  chan struct{}
	done    chan struct{}
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var (
	_ Transport = (*LineTransport)(nil)
	_ Link      = (*LineTransport)(nil)
)

// NewLineTransport starts reading from port.
func NewLineTransport(port Port) *LineTransport {
	t := &LineTransport{
		port:   port,
		reset:  make(chan struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go t.pump()
	return t
}

func (t *LineTransport) pump() {
	buf := make([]byte, LineBufferSize)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.pending = append(t.pending, buf[:n]...)
			if over := len(t.pending) - maxPending; over > 0 {
				t.pending = t.pending[over:]
			}
			t.mu.Unlock()

			select {
			case t.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			t.shutdown()
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
	}
}

func (t *LineTransport) shutdown() {
	t.closeOnce.Do(func() { close(t.done) })
}

// NextByte returns the next received byte.
func (t *LineTransport) NextByte(timeout time.Duration) (byte, error) {
	t.mu.Lock()
	reset := t.reset
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			b := t.pending[0]
			t.pending = t.pending[1:]
			t.mu.Unlock()
			return b, nil
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-reset:
			return 0, ErrReset
		case <-t.done:
			return 0, ErrClosed
		case <-timer.C:
			return 0, ErrTimeout
		}
	}
}

// ReadLine returns the next line. CR bytes are dropped.
func (t *LineTransport) ReadLine(timeout time.Duration) (string, error) {
	for {
		b, err := t.NextByte(timeout)
		if err != nil {
			if errors.Is(err, ErrReset) {
				t.mu.Lock()
				t.line = t.line[:0]
				t.mu.Unlock()
			}
			return "", err
		}

		t.mu.Lock()
		switch {
		case b == '\r':
		case b == '\n':
			line := string(t.line)
			t.line = t.line[:0]
			t.mu.Unlock()
			return line, nil
		default:
			t.line = append(t.line, b)
			if len(t.line) >= LineBufferSize {
				line := string(t.line)
				t.line = t.line[:0]
				t.mu.Unlock()
				return line, nil
			}
		}
		t.mu.Unlock()
	}
}

func (t *LineTransport) Write(p []byte) (int, error) {
	select {
	case <-t.done:
		return 0, ErrClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.port.Write(p)
}

// ResetInputBuffer drops queued input and wakes any blocked reader with ErrReset.
func (t *LineTransport) ResetInputBuffer() error {
	t.mu.Lock()
	t.pending = t.pending[:0]
	t.line = t.line[:0]
	close(t.reset)
	t.reset = make(chan struct{})
	t.mu.Unlock()
	return t.port.ResetInputBuffer()
}

// Err returns the error that stopped the port reader, if any. io.EOF is
// reported as nil.
func (t *LineTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if errors.Is(t.readErr, io.EOF) {
		return nil
	}
	return t.readErr
}

func (t *LineTransport) Close() error {
	t.shutdown()
	return t.port.Close()
}

// SetBaudRate changes the host baud rate when the port supports it.
func (t *LineTransport) SetBaudRate(bps int) error {
	if l, ok := t.port.(Link); ok {
		return l.SetBaudRate(bps)
	}
	return nil
}

// SetHardwareFlowControl switches host RTS/CTS when the port supports it.
func (t *LineTransport) SetHardwareFlowControl(enabled bool) error {
	if l, ok := t.port.(Link); ok {
		return l.SetHardwareFlowControl(enabled)
	}
	return nil
}
