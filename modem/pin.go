package modem

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jpillora/backoff"

	"i4.energy/across/tracker/at"
)

// PINRequired waits until the SIM state is known and reports whether it is
// asking for a PIN.
func (m *Modem) PINRequired(ctx context.Context) (bool, error) {
	b := backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		if s := m.State(); s >= StateAskPin {
			return s == StateAskPin, nil
		}
		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return false, err
		}
	}
}

// SendPIN unlocks the SIM if it is asking for a PIN. An empty pin falls
// back to the configured SimPIN.
func (m *Modem) SendPIN(ctx context.Context, pin string) error {
	required, err := m.PINRequired(ctx)
	if err != nil || !required {
		return err
	}
	if pin == "" {
		pin = m.config.SimPIN
	}
	if pin == "" {
		return ErrSIMPinRequired
	}
	if err := m.Sendf(ctx, "AT+CPIN=%s", pin); err != nil {
		return fmt.Errorf("enter SIM PIN: %w", err)
	}
	return nil
}

var clccRe = regexp.MustCompile(`^\+CLCC: ?\d+,\d+,\d+,\d+,\d+,"([^"]*)"`)

// CallerID returns the number of the first call in the modem's call list.
func (m *Modem) CallerID(ctx context.Context) (string, error) {
	ctx, hold, err := m.gate.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer hold.Release()

	if err := m.WriteRaw(ctx, []byte(at.CmdListCalls+at.CRLF)); err != nil {
		return "", err
	}
	line, err := m.WaitForCopy(ctx, `\+CLCC:`, m.config.ATTimeout)
	if err != nil {
		return "", fmt.Errorf("list calls: %w", err)
	}
	if err := m.WaitFor(ctx, `^OK$`, m.config.ATTimeout); err != nil {
		return "", fmt.Errorf("list calls: %w", err)
	}
	match := clccRe.FindStringSubmatch(line)
	if match == nil {
		return "", fmt.Errorf("%w: %q", ErrBadResponse, line)
	}
	return match[1], nil
}
