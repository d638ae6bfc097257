package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttTimeout = 10 * time.Second

// Bridge connects the daemon to an MQTT broker: SMS send requests come in
// on one topic, modem events and SMS results go out under another.
type Bridge struct {
	cfg    MQTTConfig
	client mqtt.Client
	outbox *Outbox
	logger *slog.Logger
}

// NewBridge prepares a client for the configured broker. Call Connect.
func NewBridge(cfg MQTTConfig, outbox *Outbox, logger *slog.Logger) *Bridge {
	b := &Bridge{cfg: cfg, outbox: outbox, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	// Subscribing on every connect restores the subscription after a
	// reconnect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT connected", "topic", cfg.SMSTopic)
		if token := c.Subscribe(cfg.SMSTopic, 0, b.handleSMS); token.Wait() && token.Error() != nil {
			logger.Error("MQTT subscribe failed", "topic", cfg.SMSTopic, "error", token.Error())
		}
	})
	b.client = mqtt.NewClient(opts)
	return b
}

// Connect dials the broker. Reconnects after that are automatic.
func (b *Bridge) Connect() error {
	token := b.client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("connect %s: timed out", b.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect %s: %w", b.cfg.Broker, err)
	}
	return nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Disconnect(500)
}

func (b *Bridge) handleSMS(_ mqtt.Client, m mqtt.Message) {
	req, err := parseSMSRequest(m.Payload())
	if err != nil {
		b.logger.Warn("Bad MQTT SMS request", "topic", m.Topic(), "error", err)
		return
	}
	id, err := b.outbox.Enqueue(req)
	if err != nil {
		b.logger.Error("Failed to queue SMS", "error", err, "to", req.To)
		return
	}
	b.logger.Info("SMS queued", "id", id, "to", req.To, "source", "mqtt")
}

// Publish sends v as JSON to <events topic>/<kind>. It does not wait for
// the broker.
func (b *Bridge) Publish(kind string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to encode MQTT payload", "kind", kind, "error", err)
		return
	}
	topic := b.cfg.EventsTopic + "/" + kind
	token := b.client.Publish(topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(mqttTimeout) && token.Error() != nil {
			b.logger.Warn("MQTT publish failed", "topic", topic, "error", token.Error())
		}
	}()
}

func parseSMSRequest(payload []byte) (SMSRequest, error) {
	var req SMSRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, err
	}
	if req.To == "" || req.Message == "" {
		return req, errors.New("missing to/message")
	}
	return req, nil
}
