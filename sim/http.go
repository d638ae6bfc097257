package sim

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"i4.energy/across/tracker/at"
)

var httpMethods = map[string]string{
	"0": http.MethodGet,
	"1": http.MethodPost,
	"2": http.MethodHead,
}

func (s *Modem) httpCommand(name, arg string) {
	s.mu.Lock()
	active := s.http.active
	s.mu.Unlock()

	if name == "AT+HTTPINIT" {
		if active {
			s.fail()
			return
		}
		s.mu.Lock()
		s.http = httpSession{active: true}
		s.mu.Unlock()
		s.ok()
		return
	}
	if !active {
		s.fail()
		return
	}

	switch name {
	case "AT+HTTPTERM":
		s.mu.Lock()
		s.http = httpSession{}
		s.mu.Unlock()
		s.ok()
	case "AT+HTTPPARA":
		key, value, found := strings.Cut(arg, ",")
		if !found {
			s.fail()
			return
		}
		value = strings.Trim(value, `"`)
		s.mu.Lock()
		switch strings.ToUpper(strings.Trim(key, `"`)) {
		case "URL":
			s.http.url = value
		case "CONTENT":
			s.http.contentType = value
		}
		s.mu.Unlock()
		s.ok()
	case "AT+HTTPDATA":
		size, _, _ := strings.Cut(arg, ",")
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 {
			s.fail()
			return
		}
		s.expectData(n, s.httpData)
		s.send(at.Download)
	case "AT+HTTPACTION":
		method, ok := httpMethods[arg]
		s.mu.Lock()
		ready := s.bearerUp
		epoch := s.epoch
		req := HTTPRequest{
			Method:      method,
			URL:         s.http.url,
			ContentType: s.http.contentType,
			Body:        s.http.data,
		}
		s.mu.Unlock()
		if !ok || !ready {
			s.fail()
			return
		}
		s.ok()
		s.after(epoch, s.cfg.ActionDelay, func() { s.httpAction(arg, req) })
	case "AT+HTTPREAD":
		s.mu.Lock()
		body := s.http.response
		s.mu.Unlock()
		s.write(fmt.Sprintf("%s+HTTPREAD:%d%s%s%s%s%s", at.CRLF, len(body), at.CRLF, body, at.CRLF, at.OK, at.CRLF))
	default:
		s.fail()
	}
}

func (s *Modem) httpData(data []byte) {
	s.mu.Lock()
	s.http.data = append([]byte(nil), data...)
	s.mu.Unlock()
	s.ok()
}

func (s *Modem) httpAction(method string, req HTTPRequest) {
	status, body := s.cfg.HTTP(req)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.http.response = body
	s.mu.Unlock()

	s.send(fmt.Sprintf("+HTTPACTION:%s,%d,%d", method, status, len(body)))
}
