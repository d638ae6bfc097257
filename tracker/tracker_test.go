package tracker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/tracker/modem"
	"i4.energy/across/tracker/sim"
	"i4.energy/across/tracker/tracker"
)

type fakePoster struct {
	mu      sync.Mutex
	bodies  [][]byte
	urls    []string
	replies []int
	err     error
}

func (p *fakePoster) HTTPPost(ctx context.Context, url, contentType string, body []byte) (*modem.HTTPResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if contentType != "application/json" {
		return nil, errors.New("unexpected content type " + contentType)
	}
	p.bodies = append(p.bodies, body)
	p.urls = append(p.urls, url)
	if p.err != nil {
		return nil, p.err
	}
	status := 200
	if len(p.replies) > 0 {
		status, p.replies = p.replies[0], p.replies[1:]
	}
	return &modem.HTTPResponse{Status: status}, nil
}

func (p *fakePoster) events(t *testing.T) []tracker.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []tracker.Event
	for _, b := range p.bodies {
		var e tracker.Event
		require.NoError(t, json.Unmarshal(b, &e))
		out = append(out, e)
	}
	return out
}

func (p *fakePoster) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bodies)
}

type fixAfter struct {
	mu    sync.Mutex
	left  int
	err   error
	calls int
}

func (l *fixAfter) Locate(ctx context.Context) (tracker.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return tracker.Position{}, l.err
	}
	if l.left > 0 {
		l.left--
		return tracker.Position{}, tracker.ErrNoFix
	}
	return tracker.Position{Latitude: 60.17, Longitude: 24.94, Time: time.Now()}, nil
}

func baseConfig() tracker.Config {
	return tracker.Config{
		URL:         "http://tracker.example.com/api/v1/events",
		Secret:      "sepeto",
		TrackerCode: "sepeto",
		Interval:    5 * time.Millisecond,
		FixPoll:     time.Millisecond,
		RetryMin:    time.Millisecond,
		RetryMax:    2 * time.Millisecond,
	}
}

func TestNew(t *testing.T) {
	_, err := tracker.New(&fakePoster{}, tracker.StaticLocator{}, tracker.Config{})
	assert.ErrorIs(t, err, tracker.ErrNoURL)

	tr, err := tracker.New(&fakePoster{}, tracker.StaticLocator{}, baseConfig())
	require.NoError(t, err)
	assert.Empty(t, tr.Session())
}

func TestReport(t *testing.T) {
	t.Run("Signed event", func(t *testing.T) {
		p := &fakePoster{}
		tr, err := tracker.New(p, tracker.StaticLocator{}, baseConfig())
		require.NoError(t, err)

		first := tracker.Position{Latitude: 60.1699, Longitude: 24.9384, Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
		second := first
		second.Time = first.Time.Add(time.Minute)

		require.NoError(t, tr.Report(context.Background(), first))
		require.NoError(t, tr.Report(context.Background(), second))

		events := p.events(t)
		require.Len(t, events, 2)
		for _, e := range events {
			assert.True(t, e.Verify("sepeto"), "event %+v does not verify", e)
			assert.Equal(t, "2024-05-01T10:00:00.000Z", e.SessionCode, "session is named after the first fix")
			assert.Equal(t, "sepeto", e.TrackerCode)
			assert.Equal(t, "1", e.Version)
		}
		assert.Equal(t, "2024-05-01T10:01:00.000Z", events[1].Time)
		assert.Equal(t, "2024-05-01T10:00:00.000Z", tr.Session())
		assert.Equal(t, 2, tr.Sent())
		assert.Equal(t, "http://tracker.example.com/api/v1/events", p.urls[0])
	})

	t.Run("Retries rejected uploads", func(t *testing.T) {
		p := &fakePoster{replies: []int{500, 503, 201}}
		tr, err := tracker.New(p, tracker.StaticLocator{}, baseConfig())
		require.NoError(t, err)

		require.NoError(t, tr.Report(context.Background(), tracker.Position{Time: time.Now()}))
		assert.Equal(t, 3, p.calls())
		assert.Equal(t, 1, tr.Sent())
	})

	t.Run("Gives up after the last attempt", func(t *testing.T) {
		p := &fakePoster{replies: []int{500, 500, 500}}
		cfg := baseConfig()
		cfg.Attempts = 2
		tr, err := tracker.New(p, tracker.StaticLocator{}, cfg)
		require.NoError(t, err)

		err = tr.Report(context.Background(), tracker.Position{Time: time.Now()})
		assert.ErrorIs(t, err, tracker.ErrRejected)
		assert.Equal(t, 2, p.calls())
		assert.Zero(t, tr.Sent())
	})

	t.Run("Modem errors are wrapped", func(t *testing.T) {
		p := &fakePoster{err: modem.ErrNotReady}
		cfg := baseConfig()
		cfg.Attempts = 1
		tr, err := tracker.New(p, tracker.StaticLocator{}, cfg)
		require.NoError(t, err)

		err = tr.Report(context.Background(), tracker.Position{Time: time.Now()})
		assert.ErrorIs(t, err, modem.ErrNotReady)
	})
}

func TestRun(t *testing.T) {
	t.Run("Reports until cancelled", func(t *testing.T) {
		p := &fakePoster{}
		tr, err := tracker.New(p, tracker.StaticLocator{Latitude: 1, Longitude: 2}, baseConfig())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tr.Run(ctx) }()

		require.Eventually(t, func() bool { return tr.Sent() >= 3 }, 2*time.Second, time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run() did not return after cancel")
		}
	})

	t.Run("Waits for a fix", func(t *testing.T) {
		p := &fakePoster{}
		loc := &fixAfter{left: 3}
		tr, err := tracker.New(p, loc, baseConfig())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go tr.Run(ctx)

		require.Eventually(t, func() bool { return tr.Sent() >= 1 }, 2*time.Second, time.Millisecond)
		loc.mu.Lock()
		defer loc.mu.Unlock()
		assert.GreaterOrEqual(t, loc.calls, 4)
	})

	t.Run("Stops on locator failure", func(t *testing.T) {
		broken := errors.New("receiver unplugged")
		tr, err := tracker.New(&fakePoster{}, &fixAfter{err: broken}, baseConfig())
		require.NoError(t, err)

		err = tr.Run(context.Background())
		assert.ErrorIs(t, err, broken)
	})
}

func TestTrackerOverModem(t *testing.T) {
	var mu sync.Mutex
	var got []tracker.Event
	dev, host := sim.Pipe(sim.Config{
		HTTP: func(req sim.HTTPRequest) (int, []byte) {
			var e tracker.Event
			if req.Method != "POST" || json.Unmarshal(req.Body, &e) != nil || !e.Verify("sepeto") {
				return 400, []byte("bad event")
			}
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
			return 201, []byte(`{"result":"event_stored"}`)
		},
	})
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
	require.NoError(t, err)

	m, err := modem.New(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
		cancel()
		<-simDone
	})

	require.NoError(t, m.SetPower(context.Background(), modem.PowerOn))
	require.Eventually(t, func() bool { return m.State() == modem.StateReady }, 2*time.Second, time.Millisecond)

	tr, err := tracker.New(m, tracker.StaticLocator{Latitude: 60.17, Longitude: 24.94}, baseConfig())
	require.NoError(t, err)
	require.NoError(t, tr.Report(context.Background(), tracker.Position{Latitude: 60.17, Longitude: 24.94, Time: time.Now()}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "60.170000", got[0].Latitude)
	assert.Equal(t, tr.Session(), got[0].SessionCode)
}
