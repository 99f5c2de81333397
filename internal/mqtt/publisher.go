// Package mqtt bridges the internal event bus to an MQTT broker so
// external systems can observe server status changes, tool calls, and
// captures in real time. Connection management uses Eclipse Paho v2's
// autopaho package with automatic reconnection; a will message flips
// the availability topic to "offline" on unexpected disconnects.
package mqtt

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

	"github.com/kioku-ai/kioku/internal/config"
	"github.com/kioku-ai/kioku/internal/events"
)

// Publisher forwards bus events to the broker as JSON payloads on
// <prefix>/events/<source>/<kind>.
type Publisher struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin forwarding.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
	}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. On every (re-)connect it publishes a retained "online"
// birth message to the availability topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.cfg.TopicPrefix + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishRaw(ctx, cm, availTopic, []byte("online"), true)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "kioku-events",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; events published
		// before the connection is up are dropped by forwardLoop.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forwardLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishRaw(ctx, p.cm, p.cfg.TopicPrefix+"/availability", []byte("offline"), true)
	return p.cm.Disconnect(ctx)
}

// forwardLoop subscribes to the bus and publishes each event until ctx
// is cancelled.
func (p *Publisher) forwardLoop(ctx context.Context) {
	sub := p.bus.Subscribe(64)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			p.publishEvent(ctx, e)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("mqtt event marshal failed", "error", err)
		return
	}
	p.publishRaw(ctx, p.cm, eventTopic(p.cfg.TopicPrefix, e), payload, false)
}

// eventTopic maps an event to its broker topic:
// <prefix>/events/<source>/<kind>.
func eventTopic(prefix string, e events.Event) string {
	return fmt.Sprintf("%s/events/%s/%s", prefix, e.Source, e.Kind)
}

func (p *Publisher) publishRaw(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, retain bool) {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	})
	if err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}
