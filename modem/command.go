package modem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"i4.energy/across/tracker/at"
)

const (
	// DefaultTimeout is how long one transmission waits for its reply.
	DefaultTimeout = 5 * time.Second
	// HTTPTimeout covers commands that wait on the network, such as
	// HTTPACTION and bearer activation.
	HTTPTimeout = 35 * time.Second
	// DefaultRetries is how many times an unanswered command is re-sent.
	DefaultRetries = 3
)

// finalPattern matches the final result lines that complete a command when
// the caller reads the link in raw mode. ERROR variants are caught by the
// pattern wait itself.
const finalPattern = `^(OK|FAIL|BUSY|NO ANSWER|NO CARRIER|NO DIALTONE)$`

// Command is one AT transaction.
type Command struct {
	// Text is sent followed by CRLF.
	Text string
	// Pattern, when set, completes the command on a raw match instead of a
	// final result code, for replies such as the SMS prompt or DOWNLOAD.
	Pattern string
	// Timeout applies to each transmission. Zero uses the configured default.
	Timeout time.Duration
	// Retries is the number of re-sends after a timeout.
	Retries int
}

type reply struct {
	code at.Reply
	line string
}

// Exec sends cmd and waits for it to complete. Only one command is in flight
// at a time; concurrent callers queue.
//
// A nil error means OK. Otherwise the error is a *ReplyError matching
// ErrTimeout, ErrFail or ErrRejected, or a cancellation or transport error.
// After ErrTimeout the modem may need a reset; the caller decides.
func (m *Modem) Exec(ctx context.Context, cmd Command) error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.config.ATTimeout
	}
	retries := max(cmd.Retries, 0)

	if cmd.Pattern != "" {
		var (
			hold *Hold
			err  error
		)
		ctx, hold, err = m.gate.Acquire(ctx)
		if err != nil {
			return err
		}
		defer hold.Release()
	}

	unlock, err := m.gate.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	raw := m.gate.held(ctx)
	wire := []byte(cmd.Text + at.CRLF)

	for attempt := 1; attempt <= retries+1; attempt++ {
		m.resetReply()
		m.logger.Debug("Sending command", "command", cmd.Text, "attempt", attempt)

		if _, err := m.transport.Write(wire); err != nil {
			return fmt.Errorf("write command %q: %w", cmd.Text, err)
		}

		var (
			r        reply
			answered bool
			err      error
		)
		switch {
		case cmd.Pattern != "":
			r, answered, err = m.awaitPattern(ctx, cmd.Pattern, timeout)
		case raw:
			r, answered, err = m.awaitRaw(ctx, timeout)
		default:
			r, answered, err = m.awaitReply(ctx, timeout)
		}
		if err != nil {
			return fmt.Errorf("command %q: %w", cmd.Text, err)
		}
		if !answered {
			continue
		}
		if r.code == at.ReplyOK {
			return nil
		}
		m.logger.Debug("Command failed", "command", cmd.Text, "reply", r.code, "line", r.line)
		return &ReplyError{Command: cmd.Text, Reply: r.code, Line: r.line}
	}

	m.logger.Warn("Command timed out", "command", cmd.Text, "transmissions", retries+1)
	return &ReplyError{Command: cmd.Text, Reply: at.ReplyTimeout}
}

// Send runs cmd with the default timeout and retries.
func (m *Modem) Send(ctx context.Context, cmd string) error {
	return m.Exec(ctx, Command{Text: cmd, Timeout: m.config.ATTimeout, Retries: m.config.Retries})
}

// Sendf formats a command and runs it like Send.
func (m *Modem) Sendf(ctx context.Context, format string, args ...any) error {
	return m.Send(ctx, fmt.Sprintf(format, args...))
}

// SendTimeout runs cmd with an explicit per-transmission timeout and retry count.
func (m *Modem) SendTimeout(ctx context.Context, cmd string, timeout time.Duration, retries int) error {
	return m.Exec(ctx, Command{Text: cmd, Timeout: timeout, Retries: retries})
}

// SendWait writes cmd in raw mode and waits until the incoming bytes match
// pattern. It is not retried.
func (m *Modem) SendWait(ctx context.Context, cmd, pattern string, timeout time.Duration) error {
	return m.Exec(ctx, Command{Text: cmd, Pattern: pattern, Timeout: timeout})
}

// SendWaitf formats a command and runs it like SendWait.
func (m *Modem) SendWaitf(ctx context.Context, pattern string, timeout time.Duration, format string, args ...any) error {
	return m.SendWait(ctx, fmt.Sprintf(format, args...), pattern, timeout)
}

// Query sends cmd in raw mode and collects the lines of the answer up to the
// final result. The echo and blank lines are left out. URCs that arrive
// meanwhile end up in the result and are not dispatched.
func (m *Modem) Query(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	if timeout <= 0 {
		timeout = m.config.ATTimeout
	}

	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer hold.Release()

	if err := m.WriteRaw(ctx, []byte(cmd+at.CRLF)); err != nil {
		return nil, err
	}

	var lines []string
	for {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		line, err := m.readLine(timeout)
		if errors.Is(err, ErrTimeout) {
			return lines, &ReplyError{Command: cmd, Reply: at.ReplyTimeout}
		}
		if err != nil {
			return lines, fmt.Errorf("command %q: %w", cmd, err)
		}
		if line == "" || line == cmd {
			continue
		}
		if code, final := at.FinalReply(line); final {
			if code == at.ReplyOK {
				return lines, nil
			}
			return lines, &ReplyError{Command: cmd, Reply: code, Line: line}
		}
		lines = append(lines, line)
	}
}

func (m *Modem) resetReply() {
	select {
	case <-m.replies:
	default:
	}
}

// signalReply completes the command in flight. Only the first signal after
// a reset is kept.
func (m *Modem) signalReply(code at.Reply, line string) {
	select {
	case m.replies <- reply{code: code, line: line}:
	default:
	}
}

func (m *Modem) awaitReply(ctx context.Context, timeout time.Duration) (reply, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-m.replies:
		return r, true, nil
	case <-timer.C:
		return reply{}, false, nil
	case <-ctx.Done():
		return reply{}, false, ctx.Err()
	case <-m.done:
		return reply{}, false, ErrAlreadyClosed
	}
}

// awaitRaw reads the final result itself while the caller holds raw mode.
func (m *Modem) awaitRaw(ctx context.Context, timeout time.Duration) (reply, bool, error) {
	line, err := m.wait(ctx, finalPattern, timeout, true)
	switch {
	case err == nil:
		code, _ := at.FinalReply(line)
		return reply{code: code, line: line}, true, nil
	case errors.Is(err, ErrRejected):
		return reply{code: at.ReplyError, line: line}, true, nil
	case errors.Is(err, ErrTimeout):
		return reply{}, false, nil
	default:
		return reply{}, false, err
	}
}

func (m *Modem) awaitPattern(ctx context.Context, pattern string, timeout time.Duration) (reply, bool, error) {
	line, err := m.wait(ctx, pattern, timeout, false)
	switch {
	case err == nil:
		return reply{code: at.ReplyOK, line: line}, true, nil
	case errors.Is(err, ErrRejected):
		return reply{code: at.ReplyError, line: line}, true, nil
	case errors.Is(err, ErrTimeout):
		return reply{}, false, nil
	default:
		return reply{}, false, err
	}
}
