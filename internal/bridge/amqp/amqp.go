// Package amqp bridges stream messages to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/HerbHall/switchyard/internal/stream"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ stream.Sink = (*Sink)(nil)

// Config holds AMQP bridge configuration.
type Config struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Durable  bool   `mapstructure:"durable"`
	Topic    string `mapstructure:"topic"` // stream topic to forward
}

// DefaultConfig returns the AMQP bridge defaults.
func DefaultConfig() Config {
	return Config{
		Exchange: "switchyard.events",
		Durable:  true,
		Topic:    "all",
	}
}

// Channel is the subset of *amqp.Channel used by the bridge.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Sink publishes each message to a topic exchange with the event type as
// routing key, so consumers can bind "firewall.#" or "*.failed".
type Sink struct {
	ch     Channel
	conn   io.Closer
	cfg    Config
	logger *zap.Logger
}

// Connect dials the broker, opens a channel and declares the exchange.
func Connect(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp bridge: url is required")
	}
	cfg = withDefaults(cfg)

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare amqp exchange %s: %w", cfg.Exchange, err)
	}

	s := New(ch, cfg, logger)
	s.conn = conn
	return s, nil
}

// New wraps an existing channel.
func New(ch Channel, cfg Config, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{ch: ch, cfg: withDefaults(cfg), logger: logger}
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Exchange == "" {
		cfg.Exchange = d.Exchange
	}
	if cfg.Topic == "" {
		cfg.Topic = d.Topic
	}
	return cfg
}

// StreamTopic is the hub topic this bridge should be attached to.
func (s *Sink) StreamTopic() string {
	return s.cfg.Topic
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, msg stream.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal amqp payload: %w", err)
	}

	pub := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.EventID,
		Timestamp:   msg.Timestamp,
		Type:        msg.EventType,
		AppId:       "switchyard",
		Headers: amqp.Table{
			"severity":  string(msg.Severity),
			"plugin_id": msg.PluginID,
		},
		Body: body,
	}
	if s.cfg.Durable {
		pub.DeliveryMode = amqp.Persistent
	}

	if err := s.ch.PublishWithContext(ctx, s.cfg.Exchange, msg.EventType, false, false, pub); err != nil {
		return fmt.Errorf("amqp publish %s: %w", msg.EventType, err)
	}
	s.logger.Debug("amqp event published",
		zap.String("exchange", s.cfg.Exchange),
		zap.String("routing_key", msg.EventType),
	)
	return nil
}

// Close closes the channel and, when owned, the connection.
func (s *Sink) Close() error {
	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
