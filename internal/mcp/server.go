// Package mcp exposes the tools, resources and prompts of running plugins
// over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HerbHall/switchyard/internal/auth"
	"github.com/HerbHall/switchyard/internal/version"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
)

// Errors returned by Call.
var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrPluginNotRunning = errors.New("plugin is not running")
)

// Caller labels recorded in the audit log.
const (
	CallerHTTP  = "http"
	CallerStdio = "stdio"
)

// Source lists the plugins whose capabilities are exposed. The registry
// satisfies it.
type Source interface {
	All() []plugin.Plugin
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires "Authorization: Bearer <key>" on the HTTP transport.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithTokens also accepts access tokens with admin scope on the HTTP
// transport.
func WithTokens(tokens *auth.TokenService) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithBus publishes mcp.tool.called for every tool call.
func WithBus(bus plugin.Publisher) Option {
	return func(s *Server) { s.bus = bus }
}

// WithAudit persists every tool call.
func WithAudit(a *AuditStore) Option {
	return func(s *Server) { s.audit = a }
}

// WithCaller sets the caller label recorded for tool calls.
func WithCaller(caller string) Option {
	return func(s *Server) { s.caller = caller }
}

type boundTool struct {
	owner plugin.Plugin
	id    string
	tool  plugin.Tool
}

// Server aggregates plugin capabilities into one MCP server. Capability
// names are prefixed with the owning plugin's id ("system_list_plugins").
type Server struct {
	plugins Source
	bus     plugin.Publisher
	audit   *AuditStore
	apiKey  string
	tokens  *auth.TokenService
	caller  string
	logger  *zap.Logger

	mu     sync.RWMutex
	server *sdkmcp.Server
	tools  map[string]boundTool
}

// New creates a server. Call Refresh to load capabilities.
func New(plugins Source, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		plugins: plugins,
		caller:  CallerHTTP,
		logger:  logger,
		tools:   make(map[string]boundTool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = newSDKServer()
	return s
}

func newSDKServer() *sdkmcp.Server {
	return sdkmcp.NewServer(
		&sdkmcp.Implementation{
			Name:    "switchyard",
			Version: version.Short(),
		},
		nil,
	)
}

// QualifiedName joins a plugin id and a capability name.
func QualifiedName(pluginID, name string) string {
	return pluginID + "_" + name
}

// Refresh rebuilds the MCP server from the plugins that are currently
// running and returns the number of tools exposed. Sessions opened before
// a refresh keep the capabilities they started with.
func (s *Server) Refresh() int {
	srv := newSDKServer()
	tools := make(map[string]boundTool)

	for _, p := range s.plugins.All() {
		if p.State() != plugin.StateRunning {
			continue
		}
		id := p.Metadata().ID

		for _, t := range p.Tools() {
			name := QualifiedName(id, t.Name)
			if _, dup := tools[name]; dup || t.Handler == nil {
				s.logger.Warn("skipping tool", zap.String("tool", name), zap.Bool("duplicate", dup))
				continue
			}
			tools[name] = boundTool{owner: p, id: id, tool: t}
			sdkmcp.AddTool(srv, &sdkmcp.Tool{
				Name:        name,
				Description: t.Description,
			}, s.toolHandler(name))
		}

		for _, r := range p.Resources() {
			if _, err := url.Parse(r.URI); err != nil || r.Read == nil {
				s.logger.Warn("skipping resource", zap.String("plugin", id), zap.String("uri", r.URI))
				continue
			}
			srv.AddResource(&sdkmcp.Resource{
				URI:         r.URI,
				Name:        QualifiedName(id, r.Name),
				Description: r.Description,
				MIMEType:    r.MIMEType,
			}, resourceHandler(r))
		}

		for _, pr := range p.Prompts() {
			if pr.Render == nil {
				continue
			}
			args := make([]*sdkmcp.PromptArgument, 0, len(pr.Arguments))
			for _, a := range pr.Arguments {
				args = append(args, &sdkmcp.PromptArgument{
					Name:        a.Name,
					Description: a.Description,
					Required:    a.Required,
				})
			}
			srv.AddPrompt(&sdkmcp.Prompt{
				Name:        QualifiedName(id, pr.Name),
				Description: pr.Description,
				Arguments:   args,
			}, promptHandler(pr))
		}
	}

	s.mu.Lock()
	s.server = srv
	s.tools = tools
	s.mu.Unlock()

	s.logger.Debug("mcp capabilities refreshed", zap.Int("tools", len(tools)))
	return len(tools)
}

// Watch refreshes capabilities whenever a plugin starts, stops, fails or
// is unregistered. The returned func removes the subscription.
func (s *Server) Watch(bus plugin.Subscriber) func() {
	id := bus.Subscribe(func(_ context.Context, _ plugin.Event) error {
		s.Refresh()
		return nil
	}, plugin.TypeFilter("plugin.started", "plugin.stopped", "plugin.failed", "plugin.unregistered"))
	return func() { bus.Unsubscribe(id) }
}

// SDK returns the current MCP server.
func (s *Server) SDK() *sdkmcp.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

// ToolNames lists the exposed tool names.
func (s *Server) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

// Run serves the protocol over stdio until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.SDK().Run(ctx, &sdkmcp.StdioTransport{})
}

// Call invokes a qualified tool. Handler panics become errors. Every call,
// successful or not, is published and audited.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (result any, err error) {
	s.mu.RLock()
	bt, ok := s.tools[name]
	s.mu.RUnlock()

	start := time.Now()
	defer func() {
		s.record(ctx, name, bt.id, args, start, err)
	}()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if bt.owner.State() != plugin.StateRunning {
		return nil, fmt.Errorf("%s: %w", bt.id, ErrPluginNotRunning)
	}
	if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mcp tool panicked", zap.String("tool", name), zap.Any("panic", r))
			err = fmt.Errorf("tool %s panicked: %v", name, r)
		}
	}()
	return bt.tool.Handler(ctx, args)
}

func (s *Server) toolHandler(name string) sdkmcp.ToolHandlerFor[map[string]any, any] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, args map[string]any) (*sdkmcp.CallToolResult, any, error) {
		result, err := s.Call(ctx, name, args)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		return textResult(writeToolJSON(result)), nil, nil
	}
}

func (s *Server) record(ctx context.Context, name, pluginID string, args map[string]any, start time.Time, callErr error) {
	duration := time.Since(start)
	errMsg := ""
	if callErr != nil {
		errMsg = callErr.Error()
	}

	if s.bus != nil {
		severity := plugin.SeverityInfo
		if callErr != nil {
			severity = plugin.SeverityWarning
		}
		err := s.bus.Publish(ctx, plugin.Event{
			Type:     "mcp.tool.called",
			PluginID: pluginID,
			Severity: severity,
			Payload: map[string]any{
				"tool":        name,
				"caller":      s.caller,
				"success":     callErr == nil,
				"duration_ms": duration.Milliseconds(),
				"error":       errMsg,
			},
		})
		if err != nil {
			s.logger.Debug("failed to publish tool call", zap.Error(err))
		}
	}

	if s.audit == nil {
		return
	}
	entry := AuditEntry{
		Timestamp:    start,
		ToolName:     name,
		PluginID:     pluginID,
		InputJSON:    writeToolJSON(args),
		Caller:       s.caller,
		DurationMs:   duration.Milliseconds(),
		Success:      callErr == nil,
		ErrorMessage: errMsg,
	}
	if err := s.audit.Insert(ctx, entry); err != nil {
		s.logger.Warn("failed to write audit log", zap.Error(err))
	}
}

func resourceHandler(r plugin.Resource) sdkmcp.ResourceHandler {
	return func(ctx context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
		text, err := r.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", r.URI, err)
		}
		mime := r.MIMEType
		if mime == "" {
			mime = "text/plain"
		}
		return &sdkmcp.ReadResourceResult{
			Contents: []*sdkmcp.ResourceContents{
				{URI: req.Params.URI, MIMEType: mime, Text: text},
			},
		}, nil
	}
}

func promptHandler(p plugin.Prompt) sdkmcp.PromptHandler {
	return func(ctx context.Context, req *sdkmcp.GetPromptRequest) (*sdkmcp.GetPromptResult, error) {
		args := req.Params.Arguments
		for _, a := range p.Arguments {
			if a.Required && args[a.Name] == "" {
				return nil, fmt.Errorf("prompt %s: missing argument %q", p.Name, a.Name)
			}
		}
		text, err := p.Render(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("render prompt %s: %w", p.Name, err)
		}
		return &sdkmcp.GetPromptResult{
			Description: p.Description,
			Messages: []*sdkmcp.PromptMessage{
				{Role: "user", Content: &sdkmcp.TextContent{Text: text}},
			},
		}, nil
	}
}

// textResult creates a successful CallToolResult with text content.
func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{
			&sdkmcp.TextContent{Text: text},
		},
	}
}

// errorResult creates an error CallToolResult with text content.
func errorResult(msg string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{
			&sdkmcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// writeToolJSON marshals v to JSON for tool responses.
func writeToolJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to marshal response"}`
	}
	return string(data)
}
