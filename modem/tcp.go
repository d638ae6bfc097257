package modem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"i4.energy/across/tracker/at"
)

const (
	// MaxSockets is the number of connections the modem's IP stack
	// multiplexes.
	MaxSockets = 8
	// maxSendSize is the largest payload one AT+CIPSEND accepts.
	maxSendSize = 1460
)

// localIPPattern matches the address AT+CIFSR answers with instead of OK.
const localIPPattern = `\d+\.\d+\.\d+\.\d+`

var (
	receiveRe      = regexp.MustCompile(`^\+RECEIVE,(\d),(\d+):`)
	socketClosedRe = regexp.MustCompile(`^(\d), CLOSED`)
)

// Socket is a TCP or UDP connection opened through the modem's IP stack.
// Received data is buffered by the dispatcher until read.
type Socket struct {
	m       *Modem
	id      int
	network string
	addr    string

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	// data is signalled when buf grows or the socket closes
	data chan struct{}
}

// EnableTCP brings up the modem's IP stack in multi connection mode. It
// waits for network registration first and returns at once if the stack is
// already up.
func (m *Modem) EnableTCP(ctx context.Context) error {
	m.tcpMu.Lock()
	defer m.tcpMu.Unlock()
	return m.enableTCP(ctx)
}

func (m *Modem) enableTCP(ctx context.Context) error {
	if m.Flags().Has(FlagTcpEnabled) {
		return nil
	}
	if err := m.waitReady(ctx); err != nil {
		return fmt.Errorf("enable TCP: %w", err)
	}

	setup := []string{
		at.CmdIPMux,
		at.CmdIPSendPrompt,
		at.CmdAttachStatus,
		fmt.Sprintf(`AT+CSTT="%s"`, m.Snapshot().APN),
	}
	for _, cmd := range setup {
		if err := m.Send(ctx, cmd); err != nil {
			m.shutTCP(ctx)
			return fmt.Errorf("TCP setup: %w", err)
		}
	}
	if err := m.SendTimeout(ctx, at.CmdIPBringUp, m.config.HTTPTimeout, 0); err != nil {
		m.shutTCP(ctx)
		return fmt.Errorf("bring up wireless connection: %w", err)
	}
	if err := m.SendWait(ctx, at.CmdLocalIP, localIPPattern, m.config.ATTimeout); err != nil {
		m.shutTCP(ctx)
		return fmt.Errorf("local address: %w", err)
	}

	m.setFlags(FlagTcpEnabled)
	m.logger.Info("TCP stack enabled")
	return nil
}

// DisableTCP shuts the IP stack down. Open sockets are closed.
func (m *Modem) DisableTCP(ctx context.Context) error {
	m.tcpMu.Lock()
	defer m.tcpMu.Unlock()
	if err := m.shutTCP(ctx); err != nil {
		return fmt.Errorf("disable TCP: %w", err)
	}
	return nil
}

func (m *Modem) shutTCP(ctx context.Context) error {
	err := m.SendWait(ctx, at.CmdIPShut, "SHUT OK", m.config.HTTPTimeout)
	m.clearFlags(FlagTcpEnabled)
	m.dropSockets()
	if err != nil {
		m.logger.Warn("Failed to shut TCP stack", "error", err)
	}
	return err
}

// DialTCP connects to host:port over network, which is "tcp" or "udp",
// enabling the IP stack if needed.
func (m *Modem) DialTCP(ctx context.Context, network, host string, port int) (*Socket, error) {
	network = strings.ToUpper(network)
	if network != "TCP" && network != "UDP" {
		return nil, fmt.Errorf("dial: unsupported network %q", network)
	}

	m.tcpMu.Lock()
	defer m.tcpMu.Unlock()

	if err := m.enableTCP(ctx); err != nil {
		return nil, err
	}

	s, err := m.allocSocket(network, fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	if err := m.connect(ctx, s, host, port); err != nil {
		m.freeSocket(s)
		return nil, fmt.Errorf("dial %s %s: %w", network, s.addr, err)
	}
	m.logger.Info("Socket connected", "socket", s.id, "network", network, "address", s.addr)
	return s, nil
}

// connect starts the connection and waits for its outcome in raw mode, so
// the dispatcher cannot swallow the result line.
func (m *Modem) connect(ctx context.Context, s *Socket, host string, port int) error {
	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer hold.Release()

	cmd := fmt.Sprintf(`AT+CIPSTART=%d,"%s","%s",%d`, s.id, s.network, host, port)
	if err := m.Send(ctx, cmd); err != nil {
		return err
	}
	line, err := m.WaitForCopy(ctx, `^\d, (CONNECT OK|CONNECT FAIL|ALREADY CONNECT)`, 2*m.config.HTTPTimeout)
	if err != nil {
		return err
	}
	if strings.Contains(line, "CONNECT FAIL") {
		return &ReplyError{Command: cmd, Reply: at.ReplyFail, Line: line}
	}
	return nil
}

func (m *Modem) allocSocket(network, addr string) (*Socket, error) {
	m.sockMu.Lock()
	defer m.sockMu.Unlock()
	for id, s := range m.sockets {
		if s == nil {
			s = &Socket{m: m, id: id, network: network, addr: addr, data: make(chan struct{}, 1)}
			m.sockets[id] = s
			return s, nil
		}
	}
	return nil, ErrNoSocket
}

// freeSocket releases the slot of s and marks it closed.
func (m *Modem) freeSocket(s *Socket) {
	m.sockMu.Lock()
	if m.sockets[s.id] == s {
		m.sockets[s.id] = nil
	}
	m.sockMu.Unlock()
	s.markClosed()
}

func (m *Modem) socket(id int) *Socket {
	m.sockMu.Lock()
	defer m.sockMu.Unlock()
	if id < 0 || id >= MaxSockets {
		return nil
	}
	return m.sockets[id]
}

// dropSockets closes every socket locally, after the stack went down.
func (m *Modem) dropSockets() {
	m.sockMu.Lock()
	sockets := m.sockets
	m.sockets = [MaxSockets]*Socket{}
	m.sockMu.Unlock()
	for _, s := range sockets {
		if s != nil {
			s.markClosed()
		}
	}
}

// ID returns the connection number used by the modem.
func (s *Socket) ID() int {
	return s.id
}

// RemoteAddr returns the host:port the socket was dialed to.
func (s *Socket) RemoteAddr() string {
	return s.addr
}

// Closed reports whether either end has closed the socket.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Write sends p, split into chunks the modem accepts.
func (s *Socket) Write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		n := min(len(p), maxSendSize)
		if err := s.send(ctx, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *Socket) send(ctx context.Context, p []byte) error {
	if s.Closed() {
		return ErrSocketClosed
	}
	m := s.m

	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer hold.Release()

	if err := m.SendWaitf(ctx, `^>`, m.config.ATTimeout, "AT+CIPSEND=%d,%d", s.id, len(p)); err != nil {
		return fmt.Errorf("socket %d send: %w", s.id, err)
	}
	if err := m.WriteRaw(ctx, p); err != nil {
		return err
	}
	line, err := m.WaitForCopy(ctx, `^\d, SEND (OK|FAIL)`, m.config.HTTPTimeout)
	if err != nil {
		return fmt.Errorf("socket %d send: %w", s.id, err)
	}
	if strings.Contains(line, "SEND FAIL") {
		return &ReplyError{Command: "AT+CIPSEND", Reply: at.ReplyFail, Line: line}
	}
	return nil
}

// Read copies received data into p. It blocks until data arrives, the
// socket closes or ctx ends. Buffered data is still returned after the
// socket closed; then Read returns io.EOF.
func (s *Socket) Read(ctx context.Context, p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return 0, io.EOF
		}

		select {
		case <-s.data:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close closes the connection and frees its slot. Closing a socket the
// peer already closed only frees the slot.
func (s *Socket) Close(ctx context.Context) error {
	m := s.m
	defer m.freeSocket(s)
	if s.Closed() {
		return nil
	}
	if err := m.SendWaitf(ctx, "CLOSE OK", m.config.ATTimeout, "AT+CIPCLOSE=%d,0", s.id); err != nil {
		return fmt.Errorf("socket %d close: %w", s.id, err)
	}
	return nil
}

func (s *Socket) deliver(p []byte) {
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()
	s.signal()
}

func (s *Socket) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Socket) signal() {
	select {
	case s.data <- struct{}{}:
	default:
	}
}

// handleReceive reads the payload announced by +RECEIVE,<id>,<length>:
// straight from the link. The dispatcher is still the reader here.
func handleReceive(m *Modem, line string) {
	match := receiveRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	id, _ := strconv.Atoi(match[1])
	length, _ := strconv.Atoi(match[2])

	if !m.gate.beginRead() {
		m.logger.Warn("Dropped socket data, link is in raw mode", "socket", id, "length", length)
		return
	}
	payload := make([]byte, 0, length)
	for len(payload) < length {
		b, err := m.transport.NextByte(m.config.ATTimeout)
		if err != nil {
			m.logger.Warn("Short socket read", "socket", id, "want", length, "got", len(payload), "error", err)
			break
		}
		payload = append(payload, b)
	}
	m.gate.endRead()

	s := m.socket(id)
	if s == nil {
		m.logger.Warn("Data for unknown socket", "socket", id, "length", len(payload))
		return
	}
	s.deliver(payload)
}

func handleSocketClosed(m *Modem, line string) {
	match := socketClosedRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	id, _ := strconv.Atoi(match[1])
	if s := m.socket(id); s != nil {
		m.logger.Info("Socket closed by peer", "socket", id)
		s.markClosed()
	}
}
