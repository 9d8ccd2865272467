package config

import (
	"fmt"

	"github.com/HerbHall/switchyard/internal/version"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the logging section:
//
//	logging.level   debug, info, warn, error (default info)
//	logging.format  json or console (default json)
//	logging.output  paths, "stdout" or "stderr" (default stderr)
//
// Every entry carries the service name and build version.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	lvl, err := parseLevel(v.GetString("logging.level"))
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch format := v.GetString("logging.format"); format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if out := v.GetStringSlice("logging.output"); len(out) > 0 {
		cfg.OutputPaths = out
	}
	cfg.InitialFields = map[string]any{
		"service": "switchyard",
		"version": version.Short(),
	}
	return cfg.Build()
}

// PluginLogger returns base named for plugin id. A logging.plugins.<id>
// level quiets that plugin below the process level; it cannot make a plugin
// more verbose than the process logger. An unknown level is reported on the
// returned logger and ignored.
func PluginLogger(base *zap.Logger, v *viper.Viper, id string) *zap.Logger {
	logger := base.Named(id)
	key := "logging.plugins." + id
	if !v.IsSet(key) {
		return logger
	}
	lvl, err := parseLevel(v.GetString(key))
	if err != nil {
		logger.Warn("ignoring plugin log level", zap.String("key", key), zap.Error(err))
		return logger
	}
	if lvl <= base.Level() {
		return logger
	}
	return logger.WithOptions(zap.IncreaseLevel(lvl))
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}
