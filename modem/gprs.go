package modem

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"i4.energy/across/tracker/at"
)

// SetAPN sets the access point name used by EnableGPRS.
func (m *Modem) SetAPN(name string) {
	m.session.mu.Lock()
	m.session.apn = name
	m.session.mu.Unlock()
}

// EnableGPRS waits for network registration and opens the packet data
// bearer. It returns immediately if the bearer is already up.
func (m *Modem) EnableGPRS(ctx context.Context) error {
	if err := m.waitReady(ctx); err != nil {
		return fmt.Errorf("enable GPRS: %w", err)
	}

	// The reply is parsed by the +SAPBR handler.
	if err := m.Send(ctx, at.CmdBearerStatus); err != nil {
		return fmt.Errorf("query bearer: %w", err)
	}
	if m.Flags().Has(FlagGprsReady) {
		return nil
	}

	if err := m.Send(ctx, `AT+SAPBR=3,1,"CONTYPE","GPRS"`); err != nil {
		return fmt.Errorf("set bearer type: %w", err)
	}
	if err := m.Sendf(ctx, `AT+SAPBR=3,1,"APN","%s"`, m.Snapshot().APN); err != nil {
		return fmt.Errorf("set APN: %w", err)
	}
	if err := m.SendTimeout(ctx, at.CmdBearerOpen, m.config.HTTPTimeout, 0); err != nil {
		return fmt.Errorf("open bearer: %w", err)
	}
	m.setFlags(FlagGprsReady)
	m.emit(Event{Kind: EventBearerUp})
	return nil
}

// DisableGPRS closes the packet data bearer if it is open.
func (m *Modem) DisableGPRS(ctx context.Context) error {
	if err := m.Send(ctx, at.CmdBearerStatus); err != nil {
		return fmt.Errorf("query bearer: %w", err)
	}
	if !m.Flags().Has(FlagGprsReady) {
		return nil
	}
	if err := m.SendTimeout(ctx, at.CmdBearerClose, m.config.HTTPTimeout, 0); err != nil {
		return fmt.Errorf("close bearer: %w", err)
	}
	m.clearFlags(FlagGprsReady)
	m.emit(Event{Kind: EventBearerDown})
	return nil
}

// waitReady blocks until the modem is registered to the network.
func (m *Modem) waitReady(ctx context.Context) error {
	b := backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    m.config.ATTimeout,
		Factor: 2,
	}
	for {
		switch m.State() {
		case StateReady:
			return nil
		case StateError:
			return ErrNotReady
		}
		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return err
		}
	}
}
