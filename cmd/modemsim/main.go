//go:build linux

// Command modemsim serves a simulated SIM908 on a pseudo-terminal so the
// tracker daemon can be run against it through a real serial device path.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"i4.energy/across/tracker/sim"
)

type options struct {
	Link         string        `short:"l" long:"link" description:"Symlink to create for the device, e.g. /tmp/ttySIM908"`
	PIN          string        `long:"pin" description:"Lock the SIM with this PIN"`
	NoSIM        bool          `long:"no-sim" description:"Report a missing SIM card"`
	Autobaud     bool          `long:"autobaud" description:"Start in autobaud mode"`
	Off          bool          `long:"off" description:"Start powered off"`
	Operator     string        `long:"operator" default:"Sim Network" description:"Network operator name"`
	BootDelay    time.Duration `long:"boot-delay" default:"1s" description:"Power on to boot banner"`
	NetworkDelay time.Duration `long:"network-delay" default:"2s" description:"SIM ready to network registration"`
	Verbose      bool          `short:"v" long:"verbose" description:"Log every command"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(opts, logger); err != nil {
		logger.Error("Simulator failed", "error", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	master, slave, err := openPty()
	if err != nil {
		return err
	}
	// The slave stays open so the master does not see EIO between clients.
	defer slave.Close()

	device := slave.Name()
	if opts.Link != "" {
		os.Remove(opts.Link)
		if err := os.Symlink(device, opts.Link); err != nil {
			return fmt.Errorf("link %s: %w", opts.Link, err)
		}
		defer os.Remove(opts.Link)
		device = opts.Link
	}

	dev := sim.New(master, sim.Config{
		Autobaud:     opts.Autobaud,
		PIN:          opts.PIN,
		NoSIM:        opts.NoSIM,
		Operator:     opts.Operator,
		BootDelay:    opts.BootDelay,
		NetworkDelay: opts.NetworkDelay,
		ActionDelay:  500 * time.Millisecond,
		HTTP: func(req sim.HTTPRequest) (int, []byte) {
			logger.Info("HTTP request", "method", req.Method, "url", req.URL, "body", string(req.Body))
			return 200, []byte(`{"result":"ok"}`)
		},
		Logger: logger,
	})
	if !opts.Off {
		dev.PowerOn()
	}

	fmt.Println(device)
	logger.Info("Simulated SIM908 ready", "device", device, "powered", !opts.Off)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return dev.Run(ctx)
}
