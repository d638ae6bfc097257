package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"i4.energy/across/tracker/gpio"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080").
	// Empty disables the HTTP server.
	BindAddress string `yaml:"bind_address"`
	// HTTPToken, when set, must be presented as "Authorization: Bearer <token>"
	HTTPToken string `yaml:"http_token"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyAMA0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// TraceSerial logs every byte on the serial line
	TraceSerial bool `yaml:"trace_serial"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// SimPIN is the SIM card PIN code
	SimPIN string `yaml:"sim_pin"`
	// APN is the packet data access point
	APN string `yaml:"apn"`
	// Board selects the power pin driver: "rpi" or "none"
	Board string    `yaml:"board"`
	Pins  gpio.Pins `yaml:"pins"`
	// Simulate replaces the serial modem with an in-process SIM908 simulator
	Simulate bool `yaml:"simulate"`

	Tracker TrackerConfig `yaml:"tracker"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Outbox  OutboxConfig  `yaml:"outbox"`
}

// TrackerConfig configures position reporting
type TrackerConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
	// Code identifies the device. Empty derives one from the machine id.
	Code     string        `yaml:"code"`
	Interval time.Duration `yaml:"interval"`
	// Latitude and Longitude are reported while no receiver is attached
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// MQTTConfig configures the MQTT bridge. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// SMSTopic receives {to,message,id} send requests
	SMSTopic string `yaml:"sms_topic"`
	// EventsTopic is where modem events and received SMS are published
	EventsTopic string `yaml:"events_topic"`
}

// OutboxConfig configures the SMS send queue
type OutboxConfig struct {
	RatePerMin int `yaml:"rate_per_min"`
	MaxRetries int `yaml:"max_retries"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyAMA0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.APN = "internet"
		c.Board = "rpi"
		c.Pins = gpio.DefaultPins
		c.Tracker.Interval = 5 * time.Second
		c.MQTT.ClientID = "tracker-1"
		c.MQTT.SMSTopic = "tracker/sms/send"
		c.MQTT.EventsTopic = "tracker/events"
		c.Outbox.RatePerMin = 30
		c.Outbox.MaxRetries = 3
		return nil
	}
}

// WithFile loads configuration from a YAML file. A missing file is not an
// error when the path is empty.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if token := os.Getenv("HTTP_TOKEN"); token != "" {
			c.HTTPToken = token
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if apn := os.Getenv("APN"); apn != "" {
			c.APN = apn
		}

		if url := os.Getenv("TRACKER_URL"); url != "" {
			c.Tracker.URL = url
			c.Tracker.Enabled = true
		}

		if secret := os.Getenv("TRACKER_SECRET"); secret != "" {
			c.Tracker.Secret = secret
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTT.Broker = broker
		}

		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTT.Username = user
		}

		if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
			c.MQTT.Password = pass
		}

		return nil
	}
}

// WithFlags applies the command-line options that were given
func WithFlags(opts *Options) ConfigOption {
	return func(c *Config) error {
		if opts.BindAddress != nil {
			c.BindAddress = *opts.BindAddress
		}
		if opts.SerialPort != nil {
			c.SerialPort = *opts.SerialPort
		}
		if opts.BaudRate != nil {
			c.BaudRate = *opts.BaudRate
		}
		if opts.LogLevel != nil {
			c.LogLevel = *opts.LogLevel
		}
		if opts.SimPIN != nil {
			c.SimPIN = *opts.SimPIN
		}
		if opts.APN != nil {
			c.APN = *opts.APN
		}
		if opts.Board != nil {
			c.Board = *opts.Board
		}
		if opts.Simulate {
			c.Simulate = true
		}
		if opts.Trace {
			c.TraceSerial = true
		}
		return nil
	}
}

// Validate reports settings that cannot work together
func (c *Config) Validate() error {
	switch c.Board {
	case "rpi", "none":
	default:
		return fmt.Errorf("unknown board %q", c.Board)
	}
	if c.Tracker.Enabled && c.Tracker.URL == "" {
		return errors.New("tracker enabled without a URL")
	}
	if c.Outbox.RatePerMin <= 0 {
		return errors.New("outbox rate must be positive")
	}
	return nil
}
