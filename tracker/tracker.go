// Package tracker reports the device position to a tracking server as signed
// JSON events posted through the cellular modem.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/jpillora/backoff"

	"i4.energy/across/tracker/modem"
)

var (
	// ErrNoFix is returned by a Locator that has no position yet.
	ErrNoFix = errors.New("no position fix")

	// ErrNoURL is returned when a Tracker is built without a server URL.
	ErrNoURL = errors.New("no server URL configured")

	// ErrRejected is returned when the server answers an upload with a
	// status other than 2xx.
	ErrRejected = errors.New("event rejected by server")
)

const (
	// DefaultVersion is the event format version.
	DefaultVersion = "1"
	// DefaultInterval separates position reports.
	DefaultInterval = 5 * time.Second
	// DefaultFixPoll is how often the Locator is asked while waiting for a fix.
	DefaultFixPoll = time.Second
	// DefaultAttempts bounds the uploads of one event.
	DefaultAttempts = 3

	// appID salts the machine id so the tracker code is not the raw id.
	appID = "across-tracker"
)

// Position is one fix from the positioning receiver.
type Position struct {
	Latitude  float64
	Longitude float64
	Time      time.Time
}

// Locator provides position fixes.
type Locator interface {
	// Locate returns the current fix, or ErrNoFix while there is none.
	Locate(ctx context.Context) (Position, error)
}

// StaticLocator always reports the same coordinates, stamped with the
// current time.
type StaticLocator struct {
	Latitude  float64
	Longitude float64
	// Now replaces time.Now when set.
	Now func() time.Time
}

func (l StaticLocator) Locate(ctx context.Context) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return Position{Latitude: l.Latitude, Longitude: l.Longitude, Time: now()}, nil
}

// Poster sends an HTTP POST. *modem.Modem implements it over the modem's
// own HTTP service.
type Poster interface {
	HTTPPost(ctx context.Context, url, contentType string, body []byte) (*modem.HTTPResponse, error)
}

// Config holds the tracker settings.
type Config struct {
	// URL is the events endpoint of the tracking server.
	URL string
	// Secret is the shared key the events are signed with.
	Secret string
	// TrackerCode identifies this device. Empty means DefaultTrackerCode.
	TrackerCode string
	Version     string

	Interval time.Duration
	FixPoll  time.Duration
	// Attempts is the number of uploads tried for one event.
	Attempts int
	// RetryMin and RetryMax bound the backoff between upload attempts.
	RetryMin time.Duration
	RetryMax time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.URL == "" {
		return ErrNoURL
	}
	if c.TrackerCode == "" {
		code, err := DefaultTrackerCode()
		if err != nil {
			return fmt.Errorf("tracker code: %w", err)
		}
		c.TrackerCode = code
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.FixPoll == 0 {
		c.FixPoll = DefaultFixPoll
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryMin == 0 {
		c.RetryMin = time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// DefaultTrackerCode derives a stable device code from the machine id.
func DefaultTrackerCode() (string, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", err
	}
	return id[:12], nil
}

// Tracker periodically reports the position.
type Tracker struct {
	config  Config
	poster  Poster
	locator Locator
	logger  *slog.Logger

	mu      sync.Mutex
	session string
	sent    int
}

// New creates a Tracker.
func New(poster Poster, locator Locator, config Config) (*Tracker, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	return &Tracker{
		config:  config,
		poster:  poster,
		locator: locator,
		logger:  config.Logger,
	}, nil
}

// Session returns the session code, empty until the first report.
func (t *Tracker) Session() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Sent returns how many events the server accepted.
func (t *Tracker) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// Run reports the position every Interval until ctx is done. Failed uploads
// are logged and the loop carries on.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		if err := sleep(ctx, t.config.Interval); err != nil {
			return nil
		}
		pos, err := t.waitFix(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("locate: %w", err)
		}
		if err := t.Report(ctx, pos); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Error("Failed to report position", "error", err)
		}
	}
}

func (t *Tracker) waitFix(ctx context.Context) (Position, error) {
	for {
		pos, err := t.locator.Locate(ctx)
		if err == nil {
			return pos, nil
		}
		if !errors.Is(err, ErrNoFix) {
			return Position{}, err
		}
		if err := sleep(ctx, t.config.FixPoll); err != nil {
			return Position{}, err
		}
	}
}

// Report signs the position and uploads it, retrying with backoff.
func (t *Tracker) Report(ctx context.Context, pos Position) error {
	t.mu.Lock()
	if t.session == "" {
		t.session = sessionCode(pos.Time)
	}
	session := t.session
	t.mu.Unlock()

	event := NewEvent(pos, session, t.config.TrackerCode, t.config.Version).Sign(t.config.Secret)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	b := backoff.Backoff{
		Min:    t.config.RetryMin,
		Max:    t.config.RetryMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		err = t.post(ctx, body)
		if err == nil {
			t.mu.Lock()
			t.sent++
			t.mu.Unlock()
			t.logger.Info("Position reported", "latitude", event.Latitude, "longitude", event.Longitude, "time", event.Time)
			return nil
		}
		if int(b.Attempt())+1 >= t.config.Attempts {
			return err
		}
		d := b.Duration()
		t.logger.Warn("Upload failed, retrying", "error", err, "backoff", d)
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (t *Tracker) post(ctx context.Context, body []byte) error {
	resp, err := t.poster.HTTPPost(ctx, t.config.URL, "application/json", body)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	if resp.Status < 200 || resp.Status > 299 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.Status, resp.Body)
	}
	t.logger.Debug("Server response", "status", resp.Status, "body", string(resp.Body))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
