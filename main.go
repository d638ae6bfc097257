package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"
)

// Options are the global command-line options. Pointer fields stay nil
// unless given, so they only override the file and environment when set.
type Options struct {
	ConfigFile  string  `short:"c" long:"config" env:"TRACKER_CONFIG" description:"YAML configuration file"`
	BindAddress *string `long:"bind-address" description:"Bind address for the HTTP server"`
	SerialPort  *string `long:"serial-port" description:"Serial port to connect to the modem"`
	BaudRate    *int    `long:"baud-rate" description:"Baud rate for serial communication"`
	LogLevel    *string `long:"log-level" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	SimPIN      *string `long:"sim-pin" description:"SIM card PIN code (if required)"`
	APN         *string `long:"apn" description:"GPRS access point name"`
	Board       *string `long:"board" choice:"rpi" choice:"none" description:"Modem power pin driver"`
	Simulate    bool    `long:"simulate" description:"Talk to the built-in SIM908 simulator instead of a serial modem"`
	Trace       bool    `long:"trace" description:"Log every byte on the serial line"`
}

var options Options

// loadConfig merges defaults, the config file, the environment and the
// global flags, in that order.
func loadConfig() (*Config, *slog.Logger, error) {
	config, err := LoadConfig(WithDefaults(), WithFile(options.ConfigFile), WithEnv(), WithFlags(&options))
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, newLogger(config.LogLevel), nil
}

func main() {
	parser := flags.NewParser(&options, flags.Default)
	parser.AddCommand("run",
		"Run the tracker daemon",
		"Powers the modem on, reports the position, serves the HTTP API and bridges SMS to MQTT until interrupted.",
		&runCommand{})
	parser.AddCommand("at",
		"Send AT commands",
		"Sends each argument as one AT command and prints the answer.",
		&atCommand{})
	parser.AddCommand("shell",
		"Interactive modem console",
		"Opens the modem and starts an interactive console.",
		&shellCommand{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
