// Package sim simulates a SIM908 cellular modem on the far end of a serial
// line. It answers the AT commands the tracker uses, emits the usual boot
// and network URCs and behaves like the real power key and status pin.
package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"i4.energy/across/tracker/at"
)

// HTTPRequest is a request made through the simulated HTTP service.
type HTTPRequest struct {
	Method      string
	URL         string
	ContentType string
	Body        []byte
}

// HTTPHandler answers simulated HTTP requests.
type HTTPHandler func(req HTTPRequest) (status int, body []byte)

// SMS is a message stored in or sent by the simulated modem.
type SMS struct {
	Index  int
	Peer   string
	Time   string
	Text   string
	Unread bool
}

// Config shapes the simulated modem.
type Config struct {
	// Autobaud makes the modem boot silently until it has been programmed
	// with AT+IPR and power-cycled.
	Autobaud bool
	// PIN locks the SIM until AT+CPIN=<PIN> is sent.
	PIN string
	// NoSIM reports a missing SIM card.
	NoSIM    bool
	Operator string

	// BootDelay is the time from power on to the boot banner.
	BootDelay time.Duration
	// NetworkDelay is the time from SIM ready to network registration.
	NetworkDelay time.Duration
	// ActionDelay is the time an HTTP action or a TCP connect takes.
	ActionDelay time.Duration

	HTTP HTTPHandler
	// TCP answers data sent over simulated sockets.
	TCP TCPHandler
	// RefuseTCP makes every connection attempt fail.
	RefuseTCP bool
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Operator == "" {
		c.Operator = "Sim Network"
	}
	if c.BootDelay == 0 {
		c.BootDelay = 20 * time.Millisecond
	}
	if c.NetworkDelay == 0 {
		c.NetworkDelay = 20 * time.Millisecond
	}
	if c.ActionDelay == 0 {
		c.ActionDelay = 20 * time.Millisecond
	}
	if c.HTTP == nil {
		c.HTTP = func(HTTPRequest) (int, []byte) { return 200, nil }
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

type httpSession struct {
	active      bool
	url         string
	contentType string
	data        []byte
	response    []byte
}

// Modem is a simulated SIM908. Its SetPowerKey, SetSupply and ModemStatus
// methods make it usable as the modem's power board.
type Modem struct {
	cfg    Config
	rw     io.ReadWriter
	logger *slog.Logger

	mu         sync.Mutex
	supply     bool
	powered    bool
	keyPressed bool
	epoch      int
	fixedBaud  int
	synced     bool
	echo       bool
	pinLocked  bool
	registered bool
	bearerUp   bool
	gpsOn      bool
	apn        string
	caller     string
	commands   []string
	inbox      map[int]*SMS
	nextIndex  int
	outbox     []SMS
	requests   []HTTPRequest
	http       httpSession
	tcp        tcpStack
	segments   []Segment

	// Touched by the Run goroutine only.
	smsTo    string
	smsMode  bool
	smsText  []string
	dataLen  int
	dataSink func([]byte)

	wmu sync.Mutex
}

// New creates a simulated modem talking over rw. The supply rail is on and
// the modem is off.
func New(rw io.ReadWriter, cfg Config) *Modem {
	cfg.setDefaults()
	return &Modem{
		cfg:       cfg,
		rw:        rw,
		logger:    cfg.Logger,
		supply:    true,
		inbox:     make(map[int]*SMS),
		nextIndex: 1,
	}
}

// Run serves commands until ctx is cancelled or the line is closed.
func (s *Modem) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if c, ok := s.rw.(io.Closer); ok {
			c.Close()
		}
	})
	defer stop()

	scanner := bufio.NewScanner(s.rw)
	scanner.Split(s.split)
	for scanner.Scan() {
		s.handle(scanner.Text())
	}

	err := scanner.Err()
	if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// split hands raw request bodies through in one piece and tokenizes
// everything else as commands.
func (s *Modem) split(data []byte, atEOF bool) (int, []byte, error) {
	if n := s.dataLen; n > 0 {
		// Drop the LF left over from the CRLF ending the command.
		if len(data) > 0 && data[0] == '\n' {
			return 1, nil, nil
		}
		if len(data) >= n {
			return n, data[:n], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	return at.CommandSplitter(data, atEOF)
}

// ModemStatus reports the status pin.
func (s *Modem) ModemStatus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered
}

// SetSupply switches the supply rail. Cutting it drops the modem at once.
func (s *Modem) SetSupply(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supply = on
	if !on && s.powered {
		s.powered = false
		s.epoch++
	}
}

// SetPowerKey presses or releases PWRKEY. A press and release toggles power.
func (s *Modem) SetPowerKey(pressed bool) {
	s.mu.Lock()
	if pressed || !s.keyPressed {
		s.keyPressed = pressed
		s.mu.Unlock()
		return
	}
	s.keyPressed = false
	if !s.supply {
		s.mu.Unlock()
		return
	}
	if s.powered {
		s.mu.Unlock()
		s.send(at.UrcPowerDown)
		s.mu.Lock()
		s.powered = false
		s.epoch++
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.PowerOn()
}

// PowerOn switches the modem on and starts the boot sequence.
func (s *Modem) PowerOn() {
	s.mu.Lock()
	s.powered = true
	s.epoch++
	epoch := s.epoch
	s.echo = true
	s.synced = false
	s.registered = false
	s.bearerUp = false
	s.gpsOn = false
	s.http = httpSession{}
	s.tcp = tcpStack{}
	s.pinLocked = s.cfg.PIN != ""
	silent := s.cfg.Autobaud && s.fixedBaud == 0
	s.mu.Unlock()

	s.logger.Debug("Simulated modem powered on", "autobaud", silent)
	if silent {
		return
	}
	s.after(epoch, s.cfg.BootDelay, func() {
		s.send(at.UrcReady, "+CFUN: 1")
		s.reportSIM(epoch)
	})
}

func (s *Modem) reportSIM(epoch int) {
	s.mu.Lock()
	locked := s.pinLocked
	s.mu.Unlock()

	switch {
	case s.cfg.NoSIM:
		s.send("+CPIN: NOT INSERTED")
	case locked:
		s.send("+CPIN: SIM PIN")
	default:
		s.send("+CPIN: READY")
		s.after(epoch, s.cfg.NetworkDelay, func() {
			s.mu.Lock()
			s.registered = true
			s.gpsOn = true
			s.mu.Unlock()
			s.send(at.UrcCallReady, at.UrcGpsReady)
		})
	}
}

// after runs f unless the modem was power-cycled in the meantime.
func (s *Modem) after(epoch int, d time.Duration, f func()) {
	time.AfterFunc(d, func() {
		s.mu.Lock()
		live := s.powered && s.epoch == epoch
		s.mu.Unlock()
		if live {
			f()
		}
	})
}

// Inject sends an unsolicited line to the host.
func (s *Modem) Inject(line string) {
	if s.ModemStatus() {
		s.send(line)
	}
}

// Deliver stores an incoming SMS and announces it with +CMTI.
func (s *Modem) Deliver(sender, text string) int {
	s.mu.Lock()
	index := s.nextIndex
	s.nextIndex++
	s.inbox[index] = &SMS{
		Index:  index,
		Peer:   sender,
		Time:   time.Now().Format("06/01/02,15:04:05+00"),
		Text:   text,
		Unread: true,
	}
	s.mu.Unlock()

	s.Inject(fmt.Sprintf(`+CMTI: "SM",%d`, index))
	return index
}

// Ring announces an incoming call from caller.
func (s *Modem) Ring(caller string) {
	s.mu.Lock()
	s.caller = caller
	s.mu.Unlock()
	s.Inject(at.UrcCall)
}

// HangUp ends the current call.
func (s *Modem) HangUp() {
	s.mu.Lock()
	s.caller = ""
	s.mu.Unlock()
	s.Inject(at.NoCarrier)
}

// SetGPS switches the GPS engine without announcing it, as if it had been
// left running by an earlier session.
func (s *Modem) SetGPS(on bool) {
	s.mu.Lock()
	s.gpsOn = on
	s.mu.Unlock()
}

// DropBearer simulates the network tearing down the packet data context.
func (s *Modem) DropBearer() {
	s.mu.Lock()
	s.bearerUp = false
	s.mu.Unlock()
	s.Inject(at.UrcPdpDeact)
}

// Commands returns every command received while powered.
func (s *Modem) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Outbox returns the messages sent by the host.
func (s *Modem) Outbox() []SMS {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SMS(nil), s.outbox...)
}

// Inbox returns the number of stored messages.
func (s *Modem) Inbox() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// Requests returns the HTTP requests made so far.
func (s *Modem) Requests() []HTTPRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HTTPRequest(nil), s.requests...)
}

// BaudRate returns the rate set with AT+IPR, zero while autobauding.
func (s *Modem) BaudRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fixedBaud
}

// APN returns the access point name configured for the bearer.
func (s *Modem) APN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apn
}

// send writes lines framed the way the modem frames responses.
func (s *Modem) send(lines ...string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(at.CRLF + l + at.CRLF)
	}
	s.write(b.String())
}

func (s *Modem) write(p string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := io.WriteString(s.rw, p); err != nil {
		s.logger.Debug("Simulated modem write failed", "error", err)
	}
}

func (s *Modem) handle(tok string) {
	s.mu.Lock()
	powered := s.powered
	waiting := s.cfg.Autobaud && s.fixedBaud == 0 && !s.synced
	echo := s.echo
	s.mu.Unlock()

	if !powered {
		s.expectData(0, nil)
		s.smsMode = false
		return
	}

	if s.dataLen > 0 {
		sink := s.dataSink
		s.expectData(0, nil)
		sink([]byte(tok))
		return
	}
	if s.smsMode {
		s.smsInput(tok)
		return
	}

	cmd := strings.TrimSpace(tok)
	if cmd == "" {
		return
	}
	if waiting {
		// The first AT only trains the baud rate detector.
		if strings.EqualFold(cmd, at.CmdAt) {
			s.mu.Lock()
			s.synced = true
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	if echo {
		s.write(cmd + at.CRLF)
	}
	s.command(cmd)
}

func (s *Modem) ok(lines ...string) {
	s.send(append(lines, at.OK)...)
}

func (s *Modem) fail() {
	s.send(at.ERROR)
}

func (s *Modem) command(cmd string) {
	upper := strings.ToUpper(cmd)
	name, arg, _ := strings.Cut(upper, "=")
	_, rawArg, _ := strings.Cut(cmd, "=")

	switch name {
	case "AT", "AT+IFC", "AT+CSCLK", "AT+CMEE", "AT+CMGF":
		s.ok()
	case "ATE0":
		s.setEcho(false)
		s.ok()
	case "ATE1":
		s.setEcho(true)
		s.ok()
	case "AT+IPR":
		baud, err := strconv.Atoi(arg)
		if err != nil {
			s.fail()
			return
		}
		s.mu.Lock()
		s.fixedBaud = baud
		s.mu.Unlock()
		s.ok()
	case "AT+CPIN?":
		s.mu.Lock()
		locked := s.pinLocked
		s.mu.Unlock()
		switch {
		case s.cfg.NoSIM:
			s.ok("+CPIN: NOT INSERTED")
		case locked:
			s.ok("+CPIN: SIM PIN")
		default:
			s.ok("+CPIN: READY")
		}
	case "AT+CPIN":
		s.enterPIN(strings.Trim(rawArg, `"`))
	case "AT+CFUN?":
		s.ok("+CFUN: 1")
	case "AT+COPS?":
		s.mu.Lock()
		registered := s.registered
		s.mu.Unlock()
		if registered {
			s.ok(fmt.Sprintf(`+COPS: 0,0,"%s"`, s.cfg.Operator))
		} else {
			s.ok("+COPS: 0")
		}
	case "AT+SAPBR":
		s.bearer(rawArg)
	case "AT+CGPSPWR?":
		s.mu.Lock()
		on := s.gpsOn
		s.mu.Unlock()
		if on {
			s.ok("+CGPSPWR: 1")
		} else {
			s.ok("+CGPSPWR: 0")
		}
	case "AT+CGPSPWR":
		on := arg == "1"
		s.mu.Lock()
		was := s.gpsOn
		s.gpsOn = on
		s.mu.Unlock()
		s.ok()
		if on && !was {
			s.send(at.UrcGpsReady)
		}
	case "AT+CMGS":
		s.smsTo = strings.Trim(rawArg, `"`)
		s.smsMode = true
		s.smsText = nil
		s.write(at.CRLF + at.Prompt)
	case "AT+CMGR":
		s.readSMS(arg)
	case "AT+CMGD":
		index, _ := strconv.Atoi(arg)
		s.mu.Lock()
		delete(s.inbox, index)
		s.mu.Unlock()
		s.ok()
	case "AT+CLCC":
		s.mu.Lock()
		caller := s.caller
		s.mu.Unlock()
		if caller == "" {
			s.ok()
			return
		}
		s.ok(fmt.Sprintf(`+CLCC: 1,1,4,0,0,"%s",145,""`, caller))
	case "AT+HTTPINIT", "AT+HTTPPARA", "AT+HTTPDATA", "AT+HTTPACTION", "AT+HTTPREAD", "AT+HTTPTERM":
		s.httpCommand(name, rawArg)
	case "AT+CIPMUX", "AT+CIPSPRT", "AT+CGATT?", "AT+CSTT", "AT+CIICR", "AT+CIFSR",
		"AT+CIPSTART", "AT+CIPSEND", "AT+CIPCLOSE", "AT+CIPSHUT":
		s.tcpCommand(name, rawArg)
	default:
		s.fail()
	}
}

// expectData routes the next n raw bytes to sink.
func (s *Modem) expectData(n int, sink func([]byte)) {
	s.dataLen = n
	s.dataSink = sink
}

func (s *Modem) setEcho(on bool) {
	s.mu.Lock()
	s.echo = on
	s.mu.Unlock()
}

func (s *Modem) enterPIN(pin string) {
	s.mu.Lock()
	if !s.pinLocked || pin != s.cfg.PIN {
		s.mu.Unlock()
		s.send("+CME ERROR: 16")
		return
	}
	s.pinLocked = false
	epoch := s.epoch
	s.mu.Unlock()

	s.ok()
	s.reportSIM(epoch)
}

func (s *Modem) bearer(arg string) {
	fields := strings.SplitN(arg, ",", 4)
	switch fields[0] {
	case "0":
		s.mu.Lock()
		up := s.bearerUp
		s.bearerUp = false
		s.mu.Unlock()
		if !up {
			s.fail()
			return
		}
		s.ok()
	case "1":
		s.mu.Lock()
		ok := s.registered && !s.bearerUp
		if ok {
			s.bearerUp = true
		}
		s.mu.Unlock()
		if !ok {
			s.fail()
			return
		}
		s.ok()
	case "2":
		s.mu.Lock()
		up := s.bearerUp
		s.mu.Unlock()
		if up {
			s.ok(`+SAPBR: 1,1,"10.0.0.2"`)
		} else {
			s.ok(`+SAPBR: 1,3,"0.0.0.0"`)
		}
	case "3":
		// 3,<cid>,"<tag>","<value>"
		if len(fields) == 4 && strings.EqualFold(strings.Trim(fields[2], `"`), "APN") {
			s.mu.Lock()
			s.apn = strings.Trim(fields[3], `"`)
			s.mu.Unlock()
		}
		s.ok()
	default:
		s.fail()
	}
}

func (s *Modem) smsInput(tok string) {
	if tok == "" && len(s.smsText) == 0 {
		return
	}
	text, done := strings.CutSuffix(tok, at.CtrlZ)
	s.smsText = append(s.smsText, text)
	if !done {
		return
	}

	s.smsMode = false
	s.mu.Lock()
	ref := len(s.outbox) + 1
	s.outbox = append(s.outbox, SMS{Index: ref, Peer: s.smsTo, Text: strings.Join(s.smsText, "\n")})
	s.mu.Unlock()
	s.ok(fmt.Sprintf("+CMGS: %d", ref))
}

func (s *Modem) readSMS(arg string) {
	index, _ := strconv.Atoi(arg)
	s.mu.Lock()
	msg, ok := s.inbox[index]
	var status string
	var copyMsg SMS
	if ok {
		status = "REC READ"
		if msg.Unread {
			status = "REC UNREAD"
		}
		msg.Unread = false
		copyMsg = *msg
	}
	s.mu.Unlock()

	if !ok {
		s.send("+CMS ERROR: 321")
		return
	}
	header := fmt.Sprintf(`+CMGR: "%s","%s","","%s"`, status, copyMsg.Peer, copyMsg.Time)
	s.write(at.CRLF + header + at.CRLF + copyMsg.Text + at.CRLF + at.CRLF + at.OK + at.CRLF)
}
