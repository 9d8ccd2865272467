package server

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("switchyard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/switchyard")
	}

	// Environment variable support: SY_SERVER_PORT=9090
	v.SetEnvPrefix("SY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}

// SetDefaults registers the default value of every known key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", []string{"stderr"})

	v.SetDefault("events.history_size", 1000)

	v.SetDefault("stream.queue_size", 256)
	v.SetDefault("stream.max_consecutive_failures", 5)
	v.SetDefault("stream.write_timeout", "5s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.token_ttl", "1h")

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.cleanup_interval", "1m")
	v.SetDefault("cache.prefix", "switchyard:")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/switchyard.db")

	v.SetDefault("device.timeout", "10s")
	v.SetDefault("device.api_key_header", "X-API-Key")
	v.SetDefault("executor.port", 22)
	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("executor.dial_timeout", "10s")

	v.SetDefault("bridges.mqtt.enabled", false)
	v.SetDefault("bridges.mqtt.topic_prefix", "switchyard")
	v.SetDefault("bridges.mqtt.topic", "all")
	v.SetDefault("bridges.mqtt.ha_discovery_prefix", "homeassistant")
	v.SetDefault("bridges.redis.enabled", false)
	v.SetDefault("bridges.redis.prefix", "switchyard:events")
	v.SetDefault("bridges.redis.topic", "all")
	v.SetDefault("bridges.amqp.enabled", false)
	v.SetDefault("bridges.amqp.exchange", "switchyard.events")
	v.SetDefault("bridges.amqp.topic", "all")

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.api_key", "")
	v.SetDefault("mcp.audit", true)

	v.SetDefault("plugins.system.enabled", true)
	v.SetDefault("plugins.system.heartbeat_interval", "30s")
	v.SetDefault("plugins.system.history_limit", 100)
	v.SetDefault("plugins.reachability.enabled", true)
	v.SetDefault("plugins.reachability.interval", "30s")
	v.SetDefault("plugins.reachability.timeout", "2s")
	v.SetDefault("plugins.reachability.count", 3)
	v.SetDefault("plugins.reachability.cache_ttl", "1m")
	v.SetDefault("plugins.reachability.concurrency", 8)
	v.SetDefault("plugins.remote.enabled", true)
	v.SetDefault("plugins.remote.timeout", "30s")
	v.SetDefault("plugins.remote.max_output", 65536)
	v.SetDefault("plugins.webhook.enabled", true)
	v.SetDefault("plugins.webhook.url", "")
	v.SetDefault("plugins.webhook.timeout", "10s")
}
