package modem_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"i4.energy/across/tracker/modem"
	"i4.energy/across/tracker/sim"
)

// newTestModem builds a modem over a TestPort with timeouts short enough
// for unit tests.
func newTestModem(t *testing.T, retries int) (*modem.Modem, *modem.TestPort) {
	t.Helper()

	port := modem.NewTestPort()
	config, err := modem.NewConfigBuilder().
		WithDialer(modem.PortDialer{Port: port}).
		WithATTimeout(100 * time.Millisecond).
		WithReadTimeout(20 * time.Millisecond).
		WithRetries(retries).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, port
}

// responder answers commands written to a TestPort.
type responder struct {
	mu      sync.Mutex
	replies map[string]string
}

// respond answers every write of a command in replies with its reply until
// the test ends. Commands are matched without their line ending.
func respond(t *testing.T, port *modem.TestPort, replies map[string]string) *responder {
	r := &responder{replies: replies}
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case w := <-port.Writes():
				r.mu.Lock()
				reply, ok := r.replies[strings.TrimRight(w, "\r\n")]
				r.mu.Unlock()
				if ok {
					port.SendData(reply)
				}
			case <-done:
				return
			}
		}
	}()
	return r
}

func (r *responder) set(cmd, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[cmd] = reply
}

// count returns how often cmd was written.
func count(port *modem.TestPort, cmd string) int {
	n := 0
	for _, w := range port.Written() {
		if w == cmd+"\r\n" {
			n++
		}
	}
	return n
}

// eventually polls cond until it holds or a second has passed.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// simRig is a modem wired to a simulated SIM908 over an in-memory line.
type simRig struct {
	modem *modem.Modem
	sim   *sim.Modem
	host  *sim.HostPort
}

func newSimRig(t *testing.T, cfg sim.Config) *simRig {
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
		WithAPN("internet").
		WithATTimeout(500 * time.Millisecond).
		WithHTTPTimeout(2 * time.Second).
		WithReadTimeout(20 * time.Millisecond).
		WithPowerTiming(5*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		cancel()
		<-simDone
	})
	return &simRig{modem: m, sim: dev, host: host}
}

// powerOn boots the simulated modem and waits for network registration.
func (r *simRig) powerOn(t *testing.T) {
	t.Helper()
	if err := r.modem.SetPower(context.Background(), modem.PowerOn); err != nil {
		t.Fatalf("unexpected error from SetPower(): %v", err)
	}
	eventually(t, func() bool { return r.modem.State() == modem.StateReady }, "modem did not become ready")
}
