package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/mock/gomock"

	"i4.energy/across/tracker/modem"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestOutbox(sender SMSSender, maxRetries int) *Outbox {
	o := NewOutbox(sender, OutboxConfig{RatePerMin: 100, MaxRetries: maxRetries}, discard)
	o.retry = backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond}
	o.rateWait = time.Millisecond
	return o
}

// results collects Notify calls.
type results struct {
	mu  sync.Mutex
	got []SMSResult
	ch  chan SMSResult
}

func collect(o *Outbox) *results {
	r := &results{ch: make(chan SMSResult, 16)}
	o.Notify = func(res SMSResult) {
		r.mu.Lock()
		r.got = append(r.got, res)
		r.mu.Unlock()
		r.ch <- res
	}
	return r
}

func (r *results) next(t *testing.T) SMSResult {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result reported")
		return SMSResult{}
	}
}

func TestRate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRate(2)
	r.now = func() time.Time { return now }

	if !r.Allow() || !r.Allow() {
		t.Fatal("expected the first two events to be allowed")
	}
	if r.Allow() {
		t.Error("expected the third event in the same minute to be refused")
	}

	now = now.Add(61 * time.Second)
	if !r.Allow() {
		t.Error("expected the window to slide after a minute")
	}
}

func TestOutbox(t *testing.T) {
	t.Run("Sends queued message", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		sender := NewMockSMSSender(ctrl)
		sender.EXPECT().SendSMS(gomock.Any(), "+358401234567", "hello").Return(42, nil)

		o := newTestOutbox(sender, 3)
		res := collect(o)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go o.Run(ctx)

		id, err := o.Enqueue(SMSRequest{To: "+358401234567", Message: "hello"})
		if err != nil {
			t.Fatalf("unexpected error from Enqueue(): %v", err)
		}
		if len(id) != 16 {
			t.Errorf("expected a derived 16 character id, got %q", id)
		}

		got := res.next(t)
		if got.ID != id || got.Ref != 42 || got.Error != "" || got.Attempts != 1 {
			t.Errorf("unexpected result %+v", got)
		}
	})

	t.Run("Keeps caller id", func(t *testing.T) {
		o := newTestOutbox(nil, 0)
		id, err := o.Enqueue(SMSRequest{To: "1", Message: "m", ID: "abc"})
		if err != nil || id != "abc" {
			t.Errorf("expected id abc, got %q, %v", id, err)
		}
		if o.Pending() != 1 {
			t.Errorf("expected one pending request, got %d", o.Pending())
		}
	})

	t.Run("Retries failed sends", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		sender := NewMockSMSSender(ctrl)
		gomock.InOrder(
			sender.EXPECT().SendSMS(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, modem.ErrTimeout),
			sender.EXPECT().SendSMS(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, modem.ErrRejected),
			sender.EXPECT().SendSMS(gomock.Any(), gomock.Any(), gomock.Any()).Return(7, nil),
		)

		o := newTestOutbox(sender, 3)
		res := collect(o)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go o.Run(ctx)

		o.Enqueue(SMSRequest{To: "+1", Message: "retry me"})
		got := res.next(t)
		if got.Ref != 7 || got.Attempts != 3 {
			t.Errorf("expected success on the third attempt, got %+v", got)
		}
	})

	t.Run("Gives up after max retries", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		sender := NewMockSMSSender(ctrl)
		sender.EXPECT().SendSMS(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, errors.New("no network")).Times(2)

		o := newTestOutbox(sender, 1)
		res := collect(o)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go o.Run(ctx)

		o.Enqueue(SMSRequest{To: "+1", Message: "lost"})
		got := res.next(t)
		if got.Error != "no network" || got.Attempts != 2 {
			t.Errorf("expected a permanent failure after 2 attempts, got %+v", got)
		}
	})

	t.Run("Queue full", func(t *testing.T) {
		o := newTestOutbox(nil, 0)
		o.queue = make(chan job, 1)

		if _, err := o.Enqueue(SMSRequest{To: "1", Message: "a"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := o.Enqueue(SMSRequest{To: "1", Message: "b"}); !errors.Is(err, ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got: %v", err)
		}
	})

	t.Run("Rate limited", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		sender := NewMockSMSSender(ctrl)
		sender.EXPECT().SendSMS(gomock.Any(), gomock.Any(), gomock.Any()).Return(1, nil)

		o := newTestOutbox(sender, 0)
		o.limit = NewRate(1)
		res := collect(o)
		ctx, cancel := context.WithCancel(context.Background())
		go o.Run(ctx)

		o.Enqueue(SMSRequest{To: "+1", Message: "first"})
		o.Enqueue(SMSRequest{To: "+1", Message: "second"})
		res.next(t)

		// The second message waits for the window; nothing else is sent.
		time.Sleep(20 * time.Millisecond)
		cancel()
		res.mu.Lock()
		defer res.mu.Unlock()
		if len(res.got) != 1 {
			t.Errorf("expected one message through the limiter, got %d", len(res.got))
		}
	})
}
