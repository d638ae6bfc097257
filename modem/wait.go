package modem

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"i4.energy/across/tracker/at"
)

// waitBufferSize is the rolling window a pattern is matched against.
const waitBufferSize = 256

var patternCache sync.Map

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// WaitFor reads the link in raw mode until the bytes received since the last
// line break match pattern. It fails with ErrRejected as soon as ERROR is
// seen and with ErrTimeout when no byte arrives for timeout.
//
// If ctx does not already own the Gate, WaitFor acquires and releases it.
func (m *Modem) WaitFor(ctx context.Context, pattern string, timeout time.Duration) error {
	_, err := m.wait(ctx, pattern, timeout, false)
	return err
}

// WaitForCopy is WaitFor that also reads the rest of the matching line and
// returns the whole line.
func (m *Modem) WaitForCopy(ctx context.Context, pattern string, timeout time.Duration) (string, error) {
	return m.wait(ctx, pattern, timeout, true)
}

func (m *Modem) wait(ctx context.Context, pattern string, timeout time.Duration, copyLine bool) (string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return "", err
	}

	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer hold.Release()

	buf := make([]byte, 0, waitBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b, err := m.transport.NextByte(timeout)
		if err != nil {
			return string(buf), err
		}

		if b != '\r' && b != '\n' {
			buf = append(buf, b)
		}

		if bytes.Contains(buf, []byte(at.ERROR)) {
			rest, _ := m.restOfLine(timeout)
			return string(buf) + rest, ErrRejected
		}
		if re.Match(buf) {
			if !copyLine {
				return string(buf), nil
			}
			rest, err := m.restOfLine(timeout)
			return string(buf) + rest, err
		}

		if b == '\n' || len(buf) == waitBufferSize {
			buf = buf[:0]
		}
	}
}

func (m *Modem) restOfLine(timeout time.Duration) (string, error) {
	var line []byte
	for {
		b, err := m.transport.NextByte(timeout)
		if err != nil {
			return string(line), err
		}
		switch b {
		case '\r':
		case '\n':
			return string(line), nil
		default:
			line = append(line, b)
		}
	}
}

// readLine reads one line in raw mode. The caller must own the Gate.
func (m *Modem) readLine(timeout time.Duration) (string, error) {
	return m.restOfLine(timeout)
}

// ReadRaw fills p from the link in raw mode. It returns ErrTimeout with a
// short count if p is not full within timeout.
func (m *Modem) ReadRaw(ctx context.Context, p []byte, timeout time.Duration) (int, error) {
	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer hold.Release()

	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(p) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return n, ErrTimeout
		}
		b, err := m.transport.NextByte(remaining)
		if err != nil {
			return n, err
		}
		p[n] = b
		n++
	}
	return n, nil
}

// WriteRaw writes p to the link without a line ending. It waits for any
// command in flight or other raw owner first.
func (m *Modem) WriteRaw(ctx context.Context, p []byte) error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}
	if err := m.gate.write(ctx, p); err != nil {
		return fmt.Errorf("raw write: %w", err)
	}
	return nil
}
