// Package cache provides the plugin.Cache handles: an in-memory TTL map
// and a Redis-backed implementation selected by cache.driver.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/HerbHall/switchyard/pkg/plugin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Supported drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config selects and configures the cache backend.
type Config struct {
	Driver          string        `mapstructure:"driver"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RedisAddress    string        `mapstructure:"redis_address"`
	RedisPassword   string        `mapstructure:"redis_password"` //nolint:gosec // G101: config field name, not a credential
	RedisDB         int           `mapstructure:"redis_db"`
	Prefix          string        `mapstructure:"prefix"`
}

// Handle is a plugin.Cache that owns background resources.
type Handle interface {
	plugin.Cache
	Close()
}

// Namespaced returns a plugin.Cache whose keys are prefixed with
// "<namespace>:", so plugins sharing one backend never collide.
func Namespaced(c plugin.Cache, namespace string) plugin.Cache {
	return &namespaced{inner: c, prefix: namespace + ":"}
}

type namespaced struct {
	inner  plugin.Cache
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.inner.Set(ctx, n.prefix+key, value, ttl)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

// Open builds the configured backend. Redis connectivity is verified with PING.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Handle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", DriverMemory:
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = time.Minute
		}
		logger.Info("cache initialized", zap.String("driver", DriverMemory), zap.Duration("cleanup_interval", interval))
		return NewMemory(interval), nil

	case DriverRedis:
		if cfg.RedisAddress == "" {
			return nil, fmt.Errorf("cache: redis_address is required for driver %q", DriverRedis)
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("cache: connect redis %s: %w", cfg.RedisAddress, err)
		}
		logger.Info("cache initialized", zap.String("driver", DriverRedis), zap.String("address", cfg.RedisAddress))
		return NewRedis(client, cfg.Prefix), nil

	default:
		return nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}
