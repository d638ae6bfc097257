package modem

import (
	"io"
	"log/slog"
	"time"
)

// Config holds the settings of a Modem. Build it with NewConfigBuilder or
// fill it directly; zero values are replaced by defaults in New.
type Config struct {
	Dialer Dialer
	// Board drives the power pins. Power operations fail with ErrNoBoard
	// without it.
	Board  Board
	Logger *slog.Logger

	// SimPIN is entered by SendPIN when it is called without a PIN.
	SimPIN string
	APN    string

	// ATTimeout is the per-transmission reply timeout of ordinary commands.
	ATTimeout time.Duration
	// HTTPTimeout bounds network round trips (HTTP actions, bearer setup).
	HTTPTimeout time.Duration
	// Retries is the number of re-sends of an unanswered command. Negative
	// disables retries.
	Retries int
	// ReadTimeout is how long the dispatcher waits for a line before it
	// checks for shutdown and raw mode again.
	ReadTimeout time.Duration

	// BaudRate is programmed into a modem found in autobaud mode.
	BaudRate int
	// PowerKeyHold is how long PWRKEY is pressed to toggle power.
	PowerKeyHold time.Duration
	// BootPoll is one of five intervals to wait for the boot banner.
	BootPoll time.Duration
	// PowerCycleDelay separates power off and power on.
	PowerCycleDelay time.Duration
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = DefaultTimeout
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = HTTPTimeout
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 250 * time.Millisecond
	}
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.PowerKeyHold == 0 {
		c.PowerKeyHold = 2 * time.Second
	}
	if c.BootPoll == 0 {
		c.BootPoll = time.Second
	}
	if c.PowerCycleDelay == 0 {
		c.PowerCycleDelay = 2 * time.Second
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithBoard(board Board) *ConfigBuilder {
	b.config.Board = board
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithAPN(apn string) *ConfigBuilder {
	b.config.APN = apn
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithHTTPTimeout(d time.Duration) *ConfigBuilder {
	b.config.HTTPTimeout = d
	return b
}

func (b *ConfigBuilder) WithRetries(n int) *ConfigBuilder {
	b.config.Retries = n
	return b
}

func (b *ConfigBuilder) WithReadTimeout(d time.Duration) *ConfigBuilder {
	b.config.ReadTimeout = d
	return b
}

func (b *ConfigBuilder) WithBaudRate(bps int) *ConfigBuilder {
	b.config.BaudRate = bps
	return b
}

// WithPowerTiming overrides the PWRKEY hold time, the boot banner poll
// interval and the delay between power off and power on.
func (b *ConfigBuilder) WithPowerTiming(keyHold, bootPoll, cycleDelay time.Duration) *ConfigBuilder {
	b.config.PowerKeyHold = keyHold
	b.config.BootPoll = bootPoll
	b.config.PowerCycleDelay = cycleDelay
	return b
}

// Build validates the configuration and applies defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
