package main

import (
	"context"
	"testing"
	"time"

	"i4.energy/across/tracker/modem"
	"i4.energy/across/tracker/sim"
)

// simModem starts a simulated SIM908 and a modem driving it over a pipe.
func simModem(t *testing.T, cfg sim.Config) (*modem.Modem, *sim.Modem) {
	t.Helper()
	dev, host := sim.Pipe(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		dev.Run(ctx)
	}()

	config, err := modem.NewConfigBuilder().
		WithDialer(modem.PortDialer{Port: host}).
		WithBoard(dev).
		WithLogger(discard).
		WithSimPIN(cfg.PIN).
		WithATTimeout(500 * time.Millisecond).
		WithHTTPTimeout(2 * time.Second).
		WithReadTimeout(20 * time.Millisecond).
		WithPowerTiming(5*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("invalid modem config: %v", err)
	}
	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to open modem: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		cancel()
		<-simDone
	})
	return m, dev
}

func waitReady(t *testing.T, m *modem.Modem) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != modem.StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("modem not ready, state %s", m.State())
		}
		time.Sleep(time.Millisecond)
	}
}
