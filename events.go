package main

import (
	"context"
	"log/slog"

	"i4.energy/across/tracker/modem"
)

// Publisher receives notifications for the outside world.
type Publisher interface {
	Publish(kind string, v any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// eventSource is the part of the modem the event loop drives.
type eventSource interface {
	Events() <-chan modem.Event
	SendPIN(ctx context.Context, pin string) error
	ReadSMS(ctx context.Context, index int) (modem.SMS, error)
	DeleteSMS(ctx context.Context, index int) error
}

// watchEvents reacts to modem events until ctx is done: it unlocks the SIM
// when asked for a PIN, moves received SMS out of modem storage and
// forwards everything to pub.
func watchEvents(ctx context.Context, m eventSource, pin string, pub Publisher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.Events():
			logger.Debug("Modem event", "kind", e.Kind, "state", e.State, "index", e.Index)
			pub.Publish("modem", e)

			switch {
			case e.Kind == modem.EventStateChanged && e.State == modem.StateAskPin:
				if err := m.SendPIN(ctx, pin); err != nil {
					logger.Error("Failed to unlock SIM", "error", err)
				}
			case e.Kind == modem.EventSMSReceived:
				receiveSMS(ctx, m, e.Index, pub, logger)
			}
		}
	}
}

func receiveSMS(ctx context.Context, m eventSource, index int, pub Publisher, logger *slog.Logger) {
	msg, err := m.ReadSMS(ctx, index)
	if err != nil {
		logger.Error("Failed to read SMS", "index", index, "error", err)
		return
	}
	logger.Info("SMS received", "from", msg.Sender, "length", len(msg.Text))
	pub.Publish("sms", msg)

	if err := m.DeleteSMS(ctx, index); err != nil {
		logger.Warn("Failed to delete SMS", "index", index, "error", err)
	}
}
