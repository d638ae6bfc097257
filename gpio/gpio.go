// Package gpio drives the modem power pins of a Raspberry Pi carrier board.
package gpio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

// Pins are BCM pin numbers.
type Pins struct {
	// Status is the modem STATUS output, high while powered.
	Status int `yaml:"status"`
	// PowerKey drives the PWRKEY transistor.
	PowerKey int `yaml:"power_key"`
	// Supply switches the VBAT FET.
	Supply int `yaml:"supply"`
	// PowerKeyActiveLow inverts the PWRKEY line for boards without the
	// driver transistor.
	PowerKeyActiveLow bool `yaml:"power_key_active_low"`
}

// DefaultPins matches the tracker carrier board.
var DefaultPins = Pins{Status: 24, PowerKey: 23, Supply: 18}

// RPiBoard drives the modem through the Raspberry Pi GPIO block.
type RPiBoard struct {
	pins     Pins
	status   rpio.Pin
	powerKey rpio.Pin
	supply   rpio.Pin
	logger   *slog.Logger
}

var (
	openMu sync.Mutex
	opened int
)

// Open maps the GPIO registers and configures the pins. The power key is
// released and the supply left as it is.
func Open(pins Pins, logger *slog.Logger) (*RPiBoard, error) {
	openMu.Lock()
	defer openMu.Unlock()

	if opened == 0 {
		if err := rpio.Open(); err != nil {
			return nil, fmt.Errorf("open GPIO: %w", err)
		}
	}
	opened++

	b := &RPiBoard{
		pins:     pins,
		status:   rpio.Pin(pins.Status),
		powerKey: rpio.Pin(pins.PowerKey),
		supply:   rpio.Pin(pins.Supply),
		logger:   logger,
	}
	b.status.Input()
	b.status.PullDown()
	b.powerKey.Output()
	b.SetPowerKey(false)
	b.supply.Output()
	return b, nil
}

// Close unmaps the GPIO registers once every board is closed.
func (b *RPiBoard) Close() error {
	openMu.Lock()
	defer openMu.Unlock()

	opened--
	if opened > 0 {
		return nil
	}
	return rpio.Close()
}

func (b *RPiBoard) ModemStatus() bool {
	return b.status.Read() == rpio.High
}

func (b *RPiBoard) SetPowerKey(pressed bool) {
	if pressed != b.pins.PowerKeyActiveLow {
		b.powerKey.High()
	} else {
		b.powerKey.Low()
	}
}

func (b *RPiBoard) SetSupply(on bool) {
	b.logger.Debug("Switching modem supply", "on", on)
	if on {
		b.supply.High()
	} else {
		b.supply.Low()
	}
}
