// Package mqtt bridges stream messages to an MQTT broker, optionally with
// Home Assistant auto-discovery for device reachability and plugin failures.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/HerbHall/switchyard/internal/stream"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ stream.Sink = (*Sink)(nil)

// ErrNotConnected is returned by Send while the client is reconnecting.
var ErrNotConnected = errors.New("mqtt: not connected to broker")

// Publisher is the subset of the paho client used by the bridge.
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Sink publishes each stream message as JSON to
// <topic_prefix>/<event type with dots as slashes>.
type Sink struct {
	client Publisher
	cfg    Config
	logger *zap.Logger
}

// Connect creates a paho client and connects to the broker. A connection
// that times out or fails is not fatal: the client keeps reconnecting in the
// background and Send reports ErrNotConnected until it succeeds.
func Connect(cfg Config, logger *zap.Logger) (*Sink, error) {
	cfg = cfg.withDefaults()
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: broker_url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.Timeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password) //nolint:gosec // G101: config field
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()

	switch {
	case !token.WaitTimeout(cfg.Timeout):
		logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		logger.Warn("mqtt connection failed; will reconnect in background",
			zap.Error(token.Error()),
		)
	default:
		logger.Info("mqtt connected to broker",
			zap.String("broker_url", cfg.BrokerURL),
		)
	}
	return New(client, cfg, logger), nil
}

// New wraps an existing client.
func New(client Publisher, cfg Config, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{client: client, cfg: cfg.withDefaults(), logger: logger}
}

// StreamTopic is the hub topic this bridge should be attached to.
func (s *Sink) StreamTopic() string {
	return s.cfg.Topic
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, msg stream.Message) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	topic := s.Topic(msg.EventType)
	if err := s.publish(ctx, topic, s.cfg.Retain, payload); err != nil {
		return err
	}
	s.logger.Debug("mqtt event published",
		zap.String("mqtt_topic", topic),
		zap.String("event_type", msg.EventType),
	)

	if s.cfg.HADiscovery {
		s.publishHAForMessage(ctx, msg)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
		s.logger.Info("mqtt disconnected")
	}
	return nil
}

// Topic maps an event type to an MQTT topic path.
func (s *Sink) Topic(eventType string) string {
	return s.cfg.TopicPrefix + "/" + strings.ReplaceAll(eventType, ".", "/")
}

func (s *Sink) publish(ctx context.Context, topic string, retain bool, payload []byte) error {
	token := s.client.Publish(topic, s.cfg.QoS, retain, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
}

// publishHAForMessage handles HA MQTT auto-discovery. Failures are logged;
// the event itself was already delivered.
func (s *Sink) publishHAForMessage(ctx context.Context, msg stream.Message) {
	prefix := s.cfg.TopicPrefix
	haPrefix := s.cfg.HADiscoveryPrefix

	switch msg.EventType {
	case "device.reachable", "device.unreachable":
		host := extractHost(msg.Data)
		if host == "" {
			return
		}
		s.publishHADiscovery(ctx, []DiscoveryConfig{BuildReachabilityDiscoveryConfig(host, prefix, haPrefix)})
		state := "OFF"
		if msg.EventType == "device.reachable" {
			state = "ON"
		}
		s.publishState(ctx, ReachabilityStateTopic(prefix, host), state)

	case "plugin.failed":
		if msg.PluginID == "" {
			return
		}
		s.publishHADiscovery(ctx, []DiscoveryConfig{BuildPluginProblemDiscoveryConfig(msg.PluginID, prefix, haPrefix)})
		s.publishState(ctx, PluginProblemStateTopic(prefix, msg.PluginID), "ON")

	case "plugin.started":
		if msg.PluginID == "" {
			return
		}
		s.publishState(ctx, PluginProblemStateTopic(prefix, msg.PluginID), "OFF")

	case "plugin.unregistered":
		if msg.PluginID == "" {
			return
		}
		s.publishHADiscovery(ctx, []DiscoveryConfig{BuildPluginRemovalConfig(msg.PluginID, haPrefix)})
	}
}

// publishHADiscovery publishes a batch of HA discovery config payloads.
func (s *Sink) publishHADiscovery(ctx context.Context, configs []DiscoveryConfig) {
	for i := range configs {
		// Discovery configs are always retained so HA picks them up on restart.
		if err := s.publish(ctx, configs[i].Topic, true, configs[i].Payload); err != nil {
			s.logger.Warn("ha discovery publish failed",
				zap.String("topic", configs[i].Topic),
				zap.Error(err),
			)
			continue
		}
		s.logger.Debug("ha discovery published",
			zap.String("topic", configs[i].Topic),
			zap.Bool("removal", len(configs[i].Payload) == 0),
		)
	}
}

// publishState publishes a retained state value to an MQTT topic.
func (s *Sink) publishState(ctx context.Context, topic, value string) {
	if err := s.publish(ctx, topic, true, []byte(value)); err != nil {
		s.logger.Warn("state publish failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("state published", zap.String("topic", topic), zap.String("value", value))
}

// extractHost pulls the "host" field out of a reachability payload.
func extractHost(payload any) string {
	switch v := payload.(type) {
	case map[string]any:
		h, _ := v["host"].(string)
		return h
	case map[string]string:
		return v["host"]
	default:
		// JSON round-trip for typed payloads.
		data, err := json.Marshal(payload)
		if err != nil {
			return ""
		}
		var p struct {
			Host string `json:"host"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return ""
		}
		return p.Host
	}
}
