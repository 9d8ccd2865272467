package main

//	@title						Switchyard API
//	@version					0.1.0
//	@description				Plugin orchestration and event streaming API.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: "Bearer {token}"

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/HerbHall/switchyard/api/swagger"
	"github.com/HerbHall/switchyard/internal/auth"
	"github.com/HerbHall/switchyard/internal/bridge/amqp"
	"github.com/HerbHall/switchyard/internal/bridge/mqtt"
	"github.com/HerbHall/switchyard/internal/bridge/redis"
	"github.com/HerbHall/switchyard/internal/mcp"
	"github.com/HerbHall/switchyard/internal/server"
	"github.com/HerbHall/switchyard/internal/stream"
	"github.com/HerbHall/switchyard/internal/version"
	"go.uber.org/zap"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "mcp":
			runMCPStdio(os.Args[2:])
			return
		case "token":
			runToken(os.Args[2:])
			return
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	if err := serve(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "switchyard: %v\n", err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	return run(ctx, a, sigCh)
}

// run starts the plugins and serves HTTP until a signal arrives on stop or
// the server fails. Plugins are stopped and cleaned up on every return
// path once they have started.
func run(ctx context.Context, a *app, stop <-chan os.Signal) error {
	logger := a.logger
	logger.Info("Switchyard server starting", zap.String("version", version.Short()))

	if err := a.startPlugins(ctx); err != nil {
		a.stopPlugins(context.Background())
		return err
	}
	var stopOnce sync.Once
	stopPlugins := func(ctx context.Context) {
		stopOnce.Do(func() { a.stopPlugins(ctx) })
	}
	defer stopPlugins(context.Background())

	// Streaming hub and outbound bridges.
	hubCfg := stream.DefaultConfig()
	if err := a.v.UnmarshalKey("stream", &hubCfg); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	hub := stream.NewHub(a.bus, logger.Named("stream"), hubCfg)
	defer hub.Close()
	attachBridges(ctx, a, hub)

	tokens, err := a.tokenService()
	if err != nil {
		return err
	}
	authHandler := auth.NewHandler(tokens, a.v.GetString("auth.api_key"), logger.Named("auth"))
	streamHandler := stream.NewHandler(hub, a.bus, tokens, logger.Named("stream"))
	extraRoutes := []server.SimpleRouteRegistrar{streamHandler}

	if a.v.GetBool("mcp.enabled") {
		if a.v.GetString("mcp.api_key") == "" {
			logger.Info("mcp endpoint accepts admin-scoped access tokens only", zap.String("component", "mcp"))
		}
		mcpSrv, err := newMCPServer(ctx, a, mcp.CallerHTTP, mcp.WithTokens(tokens))
		if err != nil {
			return err
		}
		stopWatch := mcpSrv.Watch(a.bus)
		defer stopWatch()
		extraRoutes = append(extraRoutes, mcpSrv)
		logger.Info("mcp endpoint enabled",
			zap.String("component", "mcp"),
			zap.Int("tools", len(mcpSrv.ToolNames())),
		)
	}

	addr := fmt.Sprintf("%s:%d", a.v.GetString("server.host"), a.v.GetInt("server.port"))
	srv := server.New(addr, a.registry, logger, a.ready, authHandler, a.v.GetBool("server.dev_mode"), extraRoutes...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("Switchyard server ready", zap.String("addr", addr))

	// Wait for shutdown signal or a server failure.
	select {
	case sig := <-stop:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	timeout := a.v.GetDuration("server.shutdown_timeout")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	stopPlugins(shutdownCtx)
	hub.Close()

	logger.Info("Switchyard server stopped")
	return nil
}

// newMCPServer builds the MCP adapter over the registry, with a tool-call
// audit log on the shared store when mcp.audit is set.
func newMCPServer(ctx context.Context, a *app, caller string, extra ...mcp.Option) (*mcp.Server, error) {
	opts := []mcp.Option{
		mcp.WithAPIKey(a.v.GetString("mcp.api_key")),
		mcp.WithBus(a.bus),
		mcp.WithCaller(caller),
	}
	opts = append(opts, extra...)
	if a.v.GetBool("mcp.audit") {
		audit, err := mcp.NewAuditStore(ctx, a.db)
		if err != nil {
			return nil, fmt.Errorf("mcp audit store: %w", err)
		}
		opts = append(opts, mcp.WithAudit(audit))
	}
	srv := mcp.New(a.registry, a.logger.Named("mcp"), opts...)
	srv.Refresh()
	return srv, nil
}

// streamSink is a bridge that knows which hub topic it forwards.
type streamSink interface {
	stream.Sink
	StreamTopic() string
}

// attachBridges connects every enabled bridge and attaches it to the hub.
// A bridge that cannot connect is logged and skipped.
func attachBridges(ctx context.Context, a *app, hub *stream.Hub) {
	type bridge struct {
		name    string
		connect func() (streamSink, error)
	}
	bridges := []bridge{
		{name: "mqtt", connect: func() (streamSink, error) {
			cfg := mqtt.DefaultConfig()
			if err := a.v.UnmarshalKey("bridges.mqtt", &cfg); err != nil {
				return nil, err
			}
			return mqtt.Connect(cfg, a.logger.Named("mqtt"))
		}},
		{name: "redis", connect: func() (streamSink, error) {
			cfg := redis.DefaultConfig()
			if err := a.v.UnmarshalKey("bridges.redis", &cfg); err != nil {
				return nil, err
			}
			return redis.Connect(ctx, cfg, a.logger.Named("redis"))
		}},
		{name: "amqp", connect: func() (streamSink, error) {
			cfg := amqp.DefaultConfig()
			if err := a.v.UnmarshalKey("bridges.amqp", &cfg); err != nil {
				return nil, err
			}
			return amqp.Connect(cfg, a.logger.Named("amqp"))
		}},
	}

	for _, b := range bridges {
		if !a.v.GetBool("bridges." + b.name + ".enabled") {
			continue
		}
		sink, err := b.connect()
		if err != nil {
			a.logger.Error("bridge unavailable", zap.String("bridge", b.name), zap.Error(err))
			continue
		}
		id := hub.Attach(sink, sink.StreamTopic(), nil, stream.WithRemote(b.name))
		a.logger.Info("bridge attached",
			zap.String("bridge", b.name),
			zap.String("topic", sink.StreamTopic()),
			zap.String("connection", id),
		)
	}
}
