package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/concierge/internal/config"
)

// forwardedKinds are the events worth sending off-box: everything a
// billing reconciler needs to notice. Per-round chatter stays local.
var forwardedKinds = map[string]bool{
	KindTurnComplete: true,
	KindTurnFailed:   true,
	KindUnknownCost:  true,
	KindAmended:      true,
}

// Forwarder relays ledger-relevant bus events to an MQTT broker as
// JSON on {prefix}/events/{source}/{kind}. The availability topic
// carries a retained "online"/"offline" with a will message for
// unexpected disconnects.
type Forwarder struct {
	cfg    config.MQTTConfig
	bus    *Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewForwarder creates a Forwarder but does not connect. Call
// [Forwarder.Start] to begin relaying.
func NewForwarder(cfg config.MQTTConfig, bus *Bus, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and relays events until ctx is
// cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := f.cfg.ClientID
	if clientID == "" {
		clientID = f.cfg.TopicPrefix
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := f.bus.Subscribe(256)
	defer f.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			f.forward(ctx, e)
		}
	}
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

func (f *Forwarder) forward(ctx context.Context, e Event) {
	msg, ok := f.message(e)
	if !ok {
		return
	}
	if _, err := f.cm.Publish(ctx, msg); err != nil {
		f.logger.Warn("mqtt event publish failed",
			"kind", e.Kind, "topic", msg.Topic, "error", err)
		return
	}
	f.logger.Debug("mqtt event published", "kind", e.Kind, "topic", msg.Topic)
}

// message renders e for the broker. It reports false for events that
// are not forwarded or cannot be encoded.
func (f *Forwarder) message(e Event) (*paho.Publish, bool) {
	if !forwardedKinds[e.Kind] {
		return nil, false
	}
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return nil, false
	}
	return &paho.Publish{
		Topic:   f.eventTopic(e),
		Payload: payload,
		QoS:     1,
	}, true
}

func (f *Forwarder) baseTopic() string {
	return f.cfg.TopicPrefix
}

func (f *Forwarder) availabilityTopic() string {
	return f.baseTopic() + "/availability"
}

func (f *Forwarder) eventTopic(e Event) string {
	return f.baseTopic() + "/events/" + e.Source + "/" + e.Kind
}

func (f *Forwarder) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}
