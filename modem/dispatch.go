package modem

import (
	"errors"
	"regexp"
	"time"
)

// urcRule maps a received line to a state transition and a handler.
type urcRule struct {
	pattern *regexp.Regexp
	// next is applied before the handler. StateUnknown means no transition.
	next   State
	handle func(m *Modem, line string)
}

// lookupRule returns the first rule in rules matching line.
func lookupRule(rules []urcRule, line string) (urcRule, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(line) {
			return r, true
		}
	}
	return urcRule{}, false
}

// dispatch is the only reader of the link outside raw mode. It runs until
// the transport is closed.
func (m *Modem) dispatch() {
	defer close(m.dispatched)

	for {
		select {
		case <-m.done:
			return
		default:
		}

		if !m.gate.beginRead() {
			m.idle()
			continue
		}
		line, err := m.transport.ReadLine(m.config.ReadTimeout)
		m.gate.endRead()

		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrReset):
			continue
		case errors.Is(err, ErrClosed):
			return
		default:
			m.logger.Error("Failed to read from modem", "error", err)
			m.idle()
			continue
		}

		if line == "" {
			continue
		}
		m.handleLine(m.rules, line)
	}
}

func (m *Modem) idle() {
	select {
	case <-m.done:
	case <-time.After(settleDelay):
	}
}

func (m *Modem) handleLine(rules []urcRule, line string) {
	m.logger.Debug("Received line", "line", line)

	r, ok := lookupRule(rules, line)
	if !ok {
		return
	}
	if r.next != StateUnknown {
		m.setState(r.next)
	}
	if r.handle != nil {
		r.handle(m, line)
	}
}
