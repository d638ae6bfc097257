package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"i4.energy/across/tracker/gpio"
	"i4.energy/across/tracker/modem"
	"i4.energy/across/tracker/sim"
)

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// openModem connects to the modem described by config. The returned cleanup
// closes the modem and releases the board; it does not power the modem off.
func openModem(ctx context.Context, config *Config, logger *slog.Logger) (*modem.Modem, func(), error) {
	var (
		dialer   modem.Dialer
		board    modem.Board
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	switch {
	case config.Simulate:
		dev, host := sim.Pipe(sim.Config{
			PIN:    config.SimPIN,
			Logger: logger.With("component", "sim"),
			HTTP: func(req sim.HTTPRequest) (int, []byte) {
				logger.Info("Simulated HTTP request", "method", req.Method, "url", req.URL, "body", string(req.Body))
				return 200, []byte(`{"result":"ok"}`)
			},
		})
		simCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := dev.Run(simCtx); err != nil {
				logger.Error("Simulator stopped", "error", err)
			}
		}()
		cleanups = append(cleanups, func() {
			cancel()
			<-done
		})
		dialer = modem.PortDialer{Port: host}
		board = dev

	default:
		d := modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}
		if config.TraceSerial {
			d.Trace = logger.With("component", "serial")
		}
		dialer = d

		if config.Board == "rpi" {
			b, err := gpio.Open(config.Pins, logger.With("component", "gpio"))
			if err != nil {
				return nil, nil, err
			}
			cleanups = append(cleanups, func() {
				if err := b.Close(); err != nil {
					logger.Error("Failed to release GPIO", "error", err)
				}
			})
			board = b
		} else {
			board = gpio.AlwaysOn{}
		}
	}

	modemConfig, err := modem.NewConfigBuilder().
		WithDialer(dialer).
		WithBoard(board).
		WithLogger(logger.With("component", "modem")).
		WithSimPIN(config.SimPIN).
		WithAPN(config.APN).
		WithBaudRate(config.BaudRate).
		Build()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("modem config: %w", err)
	}

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return m, func() {
		if err := m.Close(); err != nil {
			logger.Error("Failed to close modem", "error", err)
		}
		cleanup()
	}, nil
}
