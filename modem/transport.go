package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/warthog618/modem/trace"
	"go.bug.st/serial"
)

//go:generate go tool mockgen -source=transport.go -destination=mock_transport_test.go -package=modem

// Transport is an established line-oriented byte stream to a GSM modem.
//
// A Transport is assumed to be already connected and ready for use. Exactly
// one goroutine reads from it at a time: the URC dispatcher, or the caller
// holding the serial Gate in raw mode. ResetInputBuffer may be called from
// any goroutine and makes a blocked read return ErrReset.
type Transport interface {
	// NextByte returns the next received byte, waiting at most timeout.
	// It returns ErrTimeout, ErrReset or ErrClosed.
	NextByte(timeout time.Duration) (byte, error)
	// ReadLine returns the next line without its line ending. A line that
	// is not complete when timeout expires is kept for the next call. Lines
	// longer than the line buffer are split.
	ReadLine(timeout time.Duration) (string, error)
	// Write transmits p.
	Write(p []byte) (int, error)
	// ResetInputBuffer discards pending input and any partial line.
	ResetInputBuffer() error
	// Close releases the underlying port.
	Close() error
}

// Dialer opens a Transport to a GSM modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, a pseudo-terminal served by a simulator, or a test double)
// and is used during modem construction only.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// Link adjusts the host side of the serial line. It is implemented by
// transports whose port supports it.
type Link interface {
	SetBaudRate(bps int) error
	SetHardwareFlowControl(enabled bool) error
}

// Port is the raw byte device beneath a LineTransport.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

const (
	// DefaultBaudRate is the fixed rate the modem is programmed to.
	DefaultBaudRate = 115200

	// portReadTimeout bounds a single port read so the transport notices Close.
	portReadTimeout = 100 * time.Millisecond
)

// PortDialer hands out a LineTransport over an already open Port.
type PortDialer struct {
	Port Port
}

func (d PortDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewLineTransport(d.Port), nil
}

// SerialDialer opens a GSM modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, for example /dev/ttyUSB0.
	PortName string
	// Mode overrides the port settings. When nil, 8N1 at BaudRate is used.
	Mode *serial.Mode
	// BaudRate is used when Mode is nil. Zero means DefaultBaudRate.
	BaudRate int
	// Trace, when set, receives every byte read from and written to the port.
	Trace *slog.Logger
}

// Dial opens the serial port and wraps it in a LineTransport.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = DefaultBaudRate
		}
		mode = &serial.Mode{
			BaudRate: baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	p, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}
	if err := p.SetReadTimeout(portReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", d.PortName, err)
	}

	sp := &serialPort{port: p, rw: p, mode: *mode}
	if d.Trace != nil {
		logger := slog.NewLogLogger(d.Trace.Handler(), slog.LevelDebug)
		sp.rw = trace.New(p, trace.WithLogger(logger), trace.WithReadFormat("r: %v"))
	}
	return NewLineTransport(sp), nil
}

// serialPort adapts a go.bug.st serial port to Port and Link.
type serialPort struct {
	port serial.Port
	rw   io.ReadWriter
	mode serial.Mode
}

func (s *serialPort) Read(p []byte) (int, error)  { return s.rw.Read(p) }
func (s *serialPort) Write(p []byte) (int, error) { return s.rw.Write(p) }
func (s *serialPort) Close() error                { return s.port.Close() }
func (s *serialPort) ResetInputBuffer() error     { return s.port.ResetInputBuffer() }

func (s *serialPort) SetBaudRate(bps int) error {
	s.mode.BaudRate = bps
	return s.port.SetMode(&s.mode)
}

// SetHardwareFlowControl keeps RTS asserted while the modem is allowed to
// send. The driver has no RTS/CTS handshake mode of its own.
func (s *serialPort) SetHardwareFlowControl(enabled bool) error {
	if !enabled {
		return nil
	}
	return s.port.SetRTS(true)
}
