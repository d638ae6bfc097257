package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

//go:generate go tool mockgen -source=outbox.go -destination=mock_outbox_test.go -package=main

// ErrQueueFull is returned by Enqueue when the outbox cannot take more work.
var ErrQueueFull = errors.New("outbox queue full")

// SMSRequest asks for a text message to be sent.
type SMSRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	// ID is optional; one is derived when empty.
	ID string `json:"id,omitempty"`
}

// SMSResult reports the outcome of a queued request.
type SMSResult struct {
	ID  string `json:"id"`
	To  string `json:"to"`
	Ref int    `json:"ref,omitempty"`
	// Error is empty on success.
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

// SMSSender sends one message and returns its network reference.
type SMSSender interface {
	SendSMS(ctx context.Context, to, text string) (int, error)
}

// Rate is a sliding one minute window limiter.
type Rate struct {
	mu  sync.Mutex
	cap int
	win []time.Time
	now func() time.Time
}

func NewRate(nPerMin int) *Rate { return &Rate{cap: nPerMin, now: time.Now} }

// Allow records an event and reports whether it fits the window.
func (r *Rate) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cut := now.Add(-time.Minute)
	kept := r.win[:0]
	for _, t := range r.win {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	r.win = kept
	if len(r.win) >= r.cap {
		return false
	}
	r.win = append(r.win, now)
	return true
}

type job struct {
	req      SMSRequest
	attempts int
}

// Outbox queues SMS requests and sends them one at a time, rate limited and
// retried with backoff.
type Outbox struct {
	sender     SMSSender
	queue      chan job
	limit      *Rate
	maxRetries int
	retry      backoff.Backoff
	rateWait   time.Duration
	logger     *slog.Logger

	// Notify, when set, is called with the outcome of every request.
	Notify func(SMSResult)
}

// NewOutbox creates an outbox. Start it with Run.
func NewOutbox(sender SMSSender, cfg OutboxConfig, logger *slog.Logger) *Outbox {
	return &Outbox{
		sender:     sender,
		queue:      make(chan job, 1024),
		limit:      NewRate(cfg.RatePerMin),
		maxRetries: cfg.MaxRetries,
		retry:      backoff.Backoff{Min: 800 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true},
		rateWait:   2 * time.Second,
		logger:     logger,
	}
}

// Enqueue adds a request and returns its ID.
func (o *Outbox) Enqueue(r SMSRequest) (string, error) {
	if r.ID == "" {
		h := sha1.Sum(fmt.Appendf(nil, "%s|%s|%d", r.To, r.Message, time.Now().UnixNano()))
		r.ID = hex.EncodeToString(h[:8])
	}
	select {
	case o.queue <- job{req: r}:
		return r.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Pending returns the number of queued requests.
func (o *Outbox) Pending() int {
	return len(o.queue)
}

// Run sends queued messages until ctx is done.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			o.process(ctx, j)
		}
	}
}

func (o *Outbox) process(ctx context.Context, j job) {
	for !o.limit.Allow() {
		if sleepCtx(ctx, o.rateWait) != nil {
			return
		}
	}

	for {
		j.attempts++
		ref, err := o.sender.SendSMS(ctx, j.req.To, j.req.Message)
		if err == nil {
			o.logger.Info("SMS sent", "id", j.req.ID, "to", j.req.To, "ref", ref)
			o.notify(SMSResult{ID: j.req.ID, To: j.req.To, Ref: ref, Attempts: j.attempts})
			return
		}
		if ctx.Err() != nil {
			return
		}
		if j.attempts > o.maxRetries {
			o.logger.Error("SMS permanently failed", "id", j.req.ID, "to", j.req.To, "error", err)
			o.notify(SMSResult{ID: j.req.ID, To: j.req.To, Error: err.Error(), Attempts: j.attempts})
			return
		}
		back := o.retry.ForAttempt(float64(j.attempts - 1))
		o.logger.Warn("SMS send failed, retrying", "id", j.req.ID, "error", err, "backoff", back)
		if sleepCtx(ctx, back) != nil {
			return
		}
	}
}

func (o *Outbox) notify(r SMSResult) {
	if o.Notify != nil {
		o.Notify(r)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
