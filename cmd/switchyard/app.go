package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/switchyard/internal/auth"
	"github.com/HerbHall/switchyard/internal/cache"
	"github.com/HerbHall/switchyard/internal/config"
	"github.com/HerbHall/switchyard/internal/device"
	"github.com/HerbHall/switchyard/internal/event"
	"github.com/HerbHall/switchyard/internal/executor"
	"github.com/HerbHall/switchyard/internal/reachability"
	"github.com/HerbHall/switchyard/internal/registry"
	"github.com/HerbHall/switchyard/internal/remote"
	"github.com/HerbHall/switchyard/internal/server"
	"github.com/HerbHall/switchyard/internal/store"
	"github.com/HerbHall/switchyard/internal/system"
	"github.com/HerbHall/switchyard/internal/version"
	"github.com/HerbHall/switchyard/internal/webhook"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app holds the shared services every entry point needs.
type app struct {
	v      *viper.Viper
	cfg    *config.ViperConfig
	logger *zap.Logger

	db       *store.Store
	cache    cache.Handle
	device   *device.Client
	executor *executor.SSHExecutor
	bus      *event.Bus
	registry *registry.Registry
}

// bootstrap loads configuration and builds the shared services. Plugins
// are registered but not yet initialized.
func bootstrap(ctx context.Context, configPath string) (*app, error) {
	v, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	a := &app{v: v, cfg: config.New(v), logger: logger}

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	var dbCfg store.Config
	if err := v.UnmarshalKey("database", &dbCfg); err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	a.db, err = store.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("driver", a.db.Driver()),
	)
	if err := a.db.CheckVersion(ctx, version.Short()); err != nil {
		a.close()
		return nil, fmt.Errorf("database version check: %w", err)
	}

	var cacheCfg cache.Config
	if err := v.UnmarshalKey("cache", &cacheCfg); err != nil {
		a.close()
		return nil, fmt.Errorf("cache config: %w", err)
	}
	a.cache, err = cache.Open(ctx, cacheCfg, logger.Named("cache"))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open cache: %w", err)
	}

	deviceCfg := device.DefaultConfig()
	if err := v.UnmarshalKey("device", &deviceCfg); err != nil {
		a.close()
		return nil, fmt.Errorf("device config: %w", err)
	}
	a.device = device.NewClient(deviceCfg)
	if !a.device.Configured() {
		logger.Warn("device.base_url not set; device API calls will fail", zap.String("component", "device"))
	}

	execCfg := executor.DefaultConfig()
	if err := v.UnmarshalKey("executor", &execCfg); err != nil {
		a.close()
		return nil, fmt.Errorf("executor config: %w", err)
	}
	if execCfg.Host != "" {
		a.executor, err = executor.New(execCfg, logger.Named("executor"))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create executor: %w", err)
		}
		logger.Info("executor configured", zap.String("component", "executor"), zap.String("addr", a.executor.Address()))
	}

	a.bus = event.NewBus(logger.Named("event"), v.GetInt("events.history_size"))
	a.registry = registry.New(logger.Named("registry"),
		registry.WithBus(a.bus),
		registry.WithConfig(a.cfg),
	)

	// Compile-time composition.
	for _, p := range []plugin.Plugin{
		system.New(),
		reachability.New(),
		remote.New(),
		webhook.New(),
	} {
		if err := a.registry.Register(p); err != nil {
			a.close()
			return nil, fmt.Errorf("register plugin: %w", err)
		}
	}
	return a, nil
}

// pluginContext builds the per-plugin view of the shared services.
func (a *app) pluginContext(id string) *plugin.Context {
	pctx := &plugin.Context{
		Bus:     a.bus,
		Cache:   cache.Namespaced(a.cache, id),
		State:   a.db,
		Logger:  config.PluginLogger(a.logger, a.v, id),
		Config:  a.cfg.Sub("plugins." + id),
		Plugins: a.registry,
	}
	if a.device.Configured() {
		pctx.Device = a.device
	}
	if a.executor != nil {
		pctx.Executor = a.executor
	}
	return pctx
}

// startPlugins initializes and starts every enabled plugin.
func (a *app) startPlugins(ctx context.Context) error {
	if err := a.registry.InitAll(ctx, a.pluginContext); err != nil {
		return fmt.Errorf("initialize plugins: %w", err)
	}
	if err := a.registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start plugins: %w", err)
	}
	stats := a.registry.Stats()
	a.logger.Info("plugins started",
		zap.Int("total", stats.Total),
		zap.Int("running", stats.ByState[plugin.StateRunning]),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errored", stats.Errored),
	)
	return nil
}

// stopPlugins stops and cleans up plugins in reverse dependency order.
func (a *app) stopPlugins(ctx context.Context) {
	a.registry.StopAll(ctx)
	a.registry.CleanupAll(ctx)
}

// ready fails while the database is unreachable or a required plugin is
// not running.
func (a *app) ready(ctx context.Context) error {
	if err := a.db.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	for _, p := range a.registry.All() {
		meta := p.Metadata()
		if meta.Required && p.State() != plugin.StateRunning {
			return fmt.Errorf("required plugin %s is %s", meta.ID, p.State())
		}
	}
	return nil
}

// tokenService builds the JWT service. Without auth.jwt_secret an
// ephemeral secret is generated and tokens do not survive restarts.
func (a *app) tokenService() (*auth.TokenService, error) {
	secret := a.v.GetString("auth.jwt_secret")
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
		secret = hex.EncodeToString(b)
		a.logger.Info("using auto-generated JWT secret (set auth.jwt_secret to keep tokens valid across restarts)",
			zap.String("component", "auth"),
		)
	}
	ttl := a.v.GetDuration("auth.token_ttl")
	if ttl <= 0 {
		ttl = time.Hour
	}
	return auth.NewTokenService([]byte(secret), ttl), nil
}

// close releases shared services. Safe on a partially built app.
func (a *app) close() {
	var errs []error
	if a.executor != nil {
		errs = append(errs, a.executor.Close())
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown cleanup error", zap.Error(err))
	}
	_ = a.logger.Sync()
}
