package sim

import (
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/tracker/at"
)

// maxConns is the number of connections in multi IP mode.
const maxConns = 8

// localIP is the address the simulated stack reports for AT+CIFSR.
const localIP = "10.0.0.3"

// TCPHandler answers data sent to addr. A non-empty reply is delivered back
// to the host with +RECEIVE.
type TCPHandler func(addr string, data []byte) (reply []byte)

// Segment is data the host sent over a simulated socket.
type Segment struct {
	Conn int
	Addr string
	Data []byte
}

type tcpStack struct {
	mux bool
	apn string
	up  bool
	// conns holds the remote address of each open connection.
	conns [maxConns]string
}

func (s *Modem) tcpCommand(name, arg string) {
	s.mu.Lock()
	registered := s.registered
	stack := s.tcp
	epoch := s.epoch
	s.mu.Unlock()

	switch name {
	case "AT+CIPMUX":
		s.mu.Lock()
		s.tcp.mux = arg == "1"
		s.mu.Unlock()
		s.ok()
	case "AT+CIPSPRT":
		s.ok()
	case "AT+CGATT?":
		if registered {
			s.ok("+CGATT: 1")
		} else {
			s.ok("+CGATT: 0")
		}
	case "AT+CSTT":
		apn, _, _ := strings.Cut(arg, ",")
		s.mu.Lock()
		s.tcp.apn = strings.Trim(apn, `"`)
		s.mu.Unlock()
		s.ok()
	case "AT+CIICR":
		if !registered || stack.up || stack.apn == "" {
			s.fail()
			return
		}
		s.mu.Lock()
		s.tcp.up = true
		s.mu.Unlock()
		s.ok()
	case "AT+CIFSR":
		if !stack.up {
			s.fail()
			return
		}
		// The address is the whole answer, without OK.
		s.send(localIP)
	case "AT+CIPSTART":
		s.tcpStart(arg, stack, epoch)
	case "AT+CIPSEND":
		s.tcpSend(arg, stack, epoch)
	case "AT+CIPCLOSE":
		id, ok := connID(arg)
		if !ok || stack.conns[id] == "" {
			s.fail()
			return
		}
		s.mu.Lock()
		s.tcp.conns[id] = ""
		s.mu.Unlock()
		s.send(fmt.Sprintf("%d, CLOSE OK", id))
	case "AT+CIPSHUT":
		s.mu.Lock()
		s.tcp = tcpStack{mux: s.tcp.mux}
		s.mu.Unlock()
		s.send("SHUT OK")
	}
}

// connID parses the connection number leading a command argument.
func connID(arg string) (int, bool) {
	first, _, _ := strings.Cut(arg, ",")
	id, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || id < 0 || id >= maxConns {
		return 0, false
	}
	return id, true
}

// tcpStart handles <n>,"<mode>","<host>",<port>.
func (s *Modem) tcpStart(arg string, stack tcpStack, epoch int) {
	fields := strings.SplitN(arg, ",", 4)
	id, ok := connID(arg)
	if !ok || len(fields) != 4 || !stack.up || !stack.mux {
		s.fail()
		return
	}
	if stack.conns[id] != "" {
		s.send(fmt.Sprintf("%d, ALREADY CONNECT", id))
		return
	}

	addr := strings.Trim(fields[2], `"`) + ":" + strings.TrimSpace(fields[3])
	if !s.cfg.RefuseTCP {
		s.mu.Lock()
		s.tcp.conns[id] = addr
		s.mu.Unlock()
	}
	s.ok()

	result := "CONNECT OK"
	if s.cfg.RefuseTCP {
		result = "CONNECT FAIL"
	}
	s.after(epoch, s.cfg.ActionDelay, func() {
		s.send(fmt.Sprintf("%d, %s", id, result))
	})
}

// tcpSend handles <n>,<length>: prompt, take the payload, then confirm it.
func (s *Modem) tcpSend(arg string, stack tcpStack, epoch int) {
	id, ok := connID(arg)
	_, size, _ := strings.Cut(arg, ",")
	n, err := strconv.Atoi(strings.TrimSpace(size))
	if !ok || err != nil || n <= 0 || stack.conns[id] == "" {
		s.fail()
		return
	}
	addr := stack.conns[id]

	s.expectData(n, func(data []byte) {
		seg := Segment{Conn: id, Addr: addr, Data: append([]byte(nil), data...)}
		s.mu.Lock()
		s.segments = append(s.segments, seg)
		s.mu.Unlock()
		s.send(fmt.Sprintf("%d, SEND OK", id))

		if s.cfg.TCP == nil {
			return
		}
		reply := s.cfg.TCP(addr, seg.Data)
		if len(reply) == 0 {
			return
		}
		s.after(epoch, s.cfg.ActionDelay, func() {
			s.write(fmt.Sprintf("%s+RECEIVE,%d,%d:%s%s", at.CRLF, id, len(reply), at.CRLF, reply))
		})
	})
	s.write(at.CRLF + at.Prompt)
}

// CloseRemote closes connection id from the far end.
func (s *Modem) CloseRemote(id int) {
	s.mu.Lock()
	open := id >= 0 && id < maxConns && s.tcp.conns[id] != ""
	if open {
		s.tcp.conns[id] = ""
	}
	s.mu.Unlock()
	if open {
		s.Inject(fmt.Sprintf("%d, CLOSED", id))
	}
}

// Segments returns the data sent over sockets so far.
func (s *Modem) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Segment(nil), s.segments...)
}

// Connections returns the number of open connections.
func (s *Modem) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, addr := range s.tcp.conns {
		if addr != "" {
			n++
		}
	}
	return n
}
