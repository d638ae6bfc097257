package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"i4.energy/across/tracker/modem"
	"i4.energy/across/tracker/tracker"
)

type runCommand struct {
	PowerOffOnExit bool `long:"power-off" description:"Power the modem off on shutdown"`
}

func (c *runCommand) Execute(args []string) error {
	config, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, closeModem, err := openModem(ctx, config, logger)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		return err
	}
	defer closeModem()

	logger.Info("Starting tracker", "serial_port", config.SerialPort, "simulate", config.Simulate)

	outbox := NewOutbox(m, config.Outbox, logger.With("component", "outbox"))
	var pub Publisher = nopPublisher{}
	if config.MQTT.Broker != "" {
		bridge := NewBridge(config.MQTT, outbox, logger.With("component", "mqtt"))
		if err := bridge.Connect(); err != nil {
			logger.Warn("MQTT broker not reachable yet", "error", err)
		}
		defer bridge.Close()
		pub = bridge
		outbox.Notify = func(r SMSResult) { bridge.Publish("sms-result", r) }
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); watchEvents(ctx, m, config.SimPIN, pub, logger.With("component", "events")) }()
	go func() { defer wg.Done(); outbox.Run(ctx) }()

	if err := m.SetPower(ctx, modem.PowerOn); err != nil {
		logger.Error("Failed to power on modem", "error", err)
		stop()
		wg.Wait()
		return fmt.Errorf("power on modem: %w", err)
	}

	server := &Server{
		Logger: logger.With("component", "server"),
		Modem:  m,
		Outbox: outbox,
		Token:  config.HTTPToken,
	}

	if config.Tracker.Enabled {
		tr, err := tracker.New(m,
			tracker.StaticLocator{Latitude: config.Tracker.Latitude, Longitude: config.Tracker.Longitude},
			tracker.Config{
				URL:         config.Tracker.URL,
				Secret:      config.Tracker.Secret,
				TrackerCode: config.Tracker.Code,
				Interval:    config.Tracker.Interval,
				Logger:      logger.With("component", "tracker"),
			})
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("tracker: %w", err)
		}
		server.Tracker = tr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Run(ctx); err != nil {
				logger.Error("Tracker stopped", "error", err)
			}
		}()
	}

	var httpServer *http.Server
	if config.BindAddress != "" {
		httpServer = &http.Server{
			Addr:    config.BindAddress,
			Handler: server,
		}
		go func() {
			logger.Info("Starting HTTP server", "address", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if httpServer != nil {
		logger.Info("Closing HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to gracefully shutdown server", "error", err)
		}
	}
	wg.Wait()

	if c.PowerOffOnExit {
		logger.Info("Powering modem off")
		if err := m.SetPower(shutdownCtx, modem.PowerOff); err != nil {
			logger.Error("Failed to power off modem", "error", err)
		}
	}
	logger.Info("Closing modem connection")
	return nil
}

type atCommand struct {
	Timeout time.Duration `short:"t" long:"timeout" default:"5s" description:"Time to wait for each answer line"`
	PowerOn bool          `long:"power-on" description:"Power the modem on before sending"`

	Args struct {
		Commands []string `positional-arg-name:"command" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

func (c *atCommand) Execute(args []string) error {
	config, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, closeModem, err := openModem(ctx, config, logger)
	if err != nil {
		return err
	}
	defer closeModem()

	if c.PowerOn || config.Simulate {
		if err := m.SetPower(ctx, modem.PowerOn); err != nil {
			return fmt.Errorf("power on modem: %w", err)
		}
	}

	for _, cmd := range c.Args.Commands {
		if !strings.HasPrefix(strings.ToUpper(cmd), "AT") {
			cmd = "AT" + cmd
		}
		lines, err := m.Query(ctx, cmd, c.Timeout)
		for _, l := range lines {
			fmt.Fprintln(os.Stdout, l)
		}
		fmt.Fprintln(os.Stdout, modem.ReplyOf(err))
		if err != nil {
			return err
		}
	}
	return nil
}
