// Package redis bridges stream messages to Redis pub/sub channels.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HerbHall/switchyard/internal/stream"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ stream.Sink = (*Sink)(nil)

// Config holds Redis bridge configuration.
type Config struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	Topic    string `mapstructure:"topic"` // stream topic to forward
}

// DefaultConfig returns the Redis bridge defaults.
func DefaultConfig() Config {
	return Config{
		Prefix: "switchyard:events",
		Topic:  "all",
	}
}

// Publisher is the subset of the go-redis client used by the bridge.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	Close() error
}

// Sink publishes each message as JSON with PUBLISH <prefix>:<event type>.
type Sink struct {
	client Publisher
	cfg    Config
	logger *zap.Logger
}

// Connect dials Redis and verifies the connection with PING.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis bridge: address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Address, err)
	}
	return New(client, cfg, logger), nil
}

// New wraps an existing client.
func New(client Publisher, cfg Config, logger *zap.Logger) *Sink {
	d := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = d.Prefix
	}
	if cfg.Topic == "" {
		cfg.Topic = d.Topic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{client: client, cfg: cfg, logger: logger}
}

// StreamTopic is the hub topic this bridge should be attached to.
func (s *Sink) StreamTopic() string {
	return s.cfg.Topic
}

// Channel returns the pub/sub channel for an event type.
func (s *Sink) Channel(eventType string) string {
	return s.cfg.Prefix + ":" + eventType
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, msg stream.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal redis payload: %w", err)
	}
	channel := s.Channel(msg.EventType)
	receivers, err := s.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	s.logger.Debug("redis event published",
		zap.String("channel", channel),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Close closes the client.
func (s *Sink) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
