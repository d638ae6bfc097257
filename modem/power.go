package modem

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/tracker/at"
)

//go:generate go tool mockgen -source=power.go -destination=mock_power_test.go -package=modem

// Board drives the modem's power pins.
type Board interface {
	// ModemStatus reports the STATUS pin: true while the modem is powered.
	ModemStatus() bool
	// SetPowerKey presses or releases PWRKEY.
	SetPowerKey(pressed bool)
	// SetSupply switches the modem supply rail.
	SetSupply(on bool)
}

// PowerState is a target for SetPower.
type PowerState int

const (
	PowerOn PowerState = iota
	PowerOff
	PowerCutOff
)

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	case PowerCutOff:
		return "cut-off"
	default:
		return "invalid"
	}
}

// bootPolls is how many BootPoll intervals to wait for a boot banner
// before assuming the modem is autobauding.
const bootPolls = 5

// SetPower drives the modem to the requested power state.
//
// Turning on a modem that is off presses PWRKEY, waits for the boot banner,
// recovers a modem stuck in autobaud mode, then queries SIM, functionality,
// network and bearer status and enables hardware flow control. A modem that
// is already powered but not tracked as running gets the same queries
// without the key press. Failed queries are logged; their answers reach the
// session through the URC handlers.
func (m *Modem) SetPower(ctx context.Context, state PowerState) error {
	if m.board == nil {
		return ErrNoBoard
	}
	if m.closed.Load() {
		return ErrAlreadyClosed
	}

	m.powerMu.Lock()
	defer m.powerMu.Unlock()

	m.logger.Info("Setting modem power", "state", state)

	switch state {
	case PowerOn:
		if !m.board.ModemStatus() {
			return m.coldStart(ctx)
		}
		if m.State() == StateOff {
			return m.warmStart(ctx)
		}
		return nil

	case PowerOff:
		if m.board.ModemStatus() {
			if err := m.togglePowerKey(ctx); err != nil {
				return err
			}
		}
		m.powerDown()
		return nil

	case PowerCutOff:
		m.board.SetSupply(false)
		m.powerDown()
		return nil
	}
	return fmt.Errorf("set power: unknown state %d", state)
}

// Reset power-cycles the modem. It is never called automatically, not even
// after a command times out.
func (m *Modem) Reset(ctx context.Context) error {
	if err := m.SetPower(ctx, PowerOff); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := sleepCtx(ctx, m.config.PowerCycleDelay); err != nil {
		return err
	}
	if err := m.SetPower(ctx, PowerOn); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func (m *Modem) coldStart(ctx context.Context) error {
	m.board.SetSupply(true)
	if err := m.togglePowerKey(ctx); err != nil {
		return err
	}

	booted, err := m.waitBoot(ctx)
	if err != nil {
		return err
	}
	if !booted {
		m.logger.Warn("No boot messages from modem, assuming autobaud")
		if err := m.fixBaudRate(ctx); err != nil {
			return err
		}
	}

	m.queryStatus(ctx)
	return m.enableFlowControl(ctx)
}

func (m *Modem) warmStart(ctx context.Context) error {
	m.queryStatus(ctx)
	return m.enableFlowControl(ctx)
}

// waitBoot polls for the boot banner. It reports false if none was seen.
func (m *Modem) waitBoot(ctx context.Context) (bool, error) {
	for i := 0; i < bootPolls; i++ {
		if m.State() >= StateBooting {
			return true, nil
		}
		if err := sleepCtx(ctx, m.config.BootPoll); err != nil {
			return false, err
		}
	}
	return m.State() >= StateBooting, nil
}

// fixBaudRate synchronizes an autobauding modem and programs the fixed
// rate, then power-cycles it so the setting takes effect.
func (m *Modem) fixBaudRate(ctx context.Context) error {
	m.setLinkFlow(false)
	if m.link != nil {
		if err := m.link.SetBaudRate(m.config.BaudRate); err != nil {
			m.logger.Warn("Failed to set host baud rate", "baud", m.config.BaudRate, "error", err)
		}
	}

	bare := []byte(at.CmdAt + at.CRLF)
	for i := 0; i < 2; i++ {
		if err := m.WriteRaw(ctx, bare); err != nil {
			return err
		}
	}
	if err := m.Send(ctx, at.CmdAt); err != nil {
		m.logger.Error("Failed to synchronize autobauding modem", "error", err)
		return nil
	}
	if err := m.Sendf(ctx, "AT+IPR=%d", m.config.BaudRate); err != nil {
		m.logger.Error("Failed to set fixed baud rate", "error", err)
	}

	if err := m.togglePowerKey(ctx); err != nil {
		return err
	}
	if err := sleepCtx(ctx, m.config.PowerCycleDelay); err != nil {
		return err
	}
	if err := m.togglePowerKey(ctx); err != nil {
		return err
	}
	if _, err := m.waitBoot(ctx); err != nil {
		return err
	}
	return nil
}

func (m *Modem) queryStatus(ctx context.Context) {
	for _, cmd := range []string{at.CmdSimStatus, at.CmdFunStatus, at.CmdOperator, at.CmdBearerStatus, at.CmdGpsStatus} {
		if err := m.Send(ctx, cmd); err != nil {
			m.logger.Warn("Status query failed", "command", cmd, "error", err)
		}
	}
}

func (m *Modem) enableFlowControl(ctx context.Context) error {
	if err := m.Send(ctx, at.CmdFlowControl); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("Failed to enable hardware flow control", "error", err)
		return nil
	}
	m.setLinkFlow(true)
	m.setFlags(FlagHwFlow)

	if err := m.Send(ctx, at.CmdEchoOff); err != nil {
		m.logger.Warn("Failed to disable echo", "error", err)
	}
	if err := m.Send(ctx, at.CmdSlowClockOff); err != nil {
		m.logger.Warn("Failed to disable slow clock", "error", err)
	}
	return ctx.Err()
}

func (m *Modem) setLinkFlow(enabled bool) {
	if m.link == nil {
		return
	}
	if err := m.link.SetHardwareFlowControl(enabled); err != nil {
		m.logger.Warn("Failed to switch host flow control", "enabled", enabled, "error", err)
	}
}

func (m *Modem) togglePowerKey(ctx context.Context) error {
	m.board.SetPowerKey(true)
	err := sleepCtx(ctx, m.config.PowerKeyHold)
	m.board.SetPowerKey(false)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
