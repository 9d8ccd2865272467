// Package system implements the core "system" module: plugin and event
// introspection tools, a periodic heartbeat, and alerting on plugin failures.
package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/switchyard/internal/registry"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
)

// Event types emitted by the system module.
const (
	TopicHeartbeat = "system.heartbeat"
	TopicAlert     = "system.alert"
)

// ErrNoInventory is returned by tools that need the plugin registry when
// the module was given only a plain resolver.
var ErrNoInventory = errors.New("plugin inventory not available")

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.Hooks         = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// Inventory is the registry view the module needs. The orchestrator passes
// the registry as the plugin resolver, which satisfies it.
type Inventory interface {
	All() []plugin.Plugin
	Stats() registry.Stats
}

// Config holds the system module configuration.
type Config struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HistoryLimit      int           `mapstructure:"history_limit"`
}

// DefaultConfig returns the module defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HistoryLimit:      100,
	}
}

// Module implements the system plugin.
type Module struct {
	*plugin.Base

	cfg       Config
	inventory Inventory
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new system plugin instance.
func New() *Module {
	m := &Module{cfg: DefaultConfig()}
	m.Base = plugin.NewBase(plugin.Metadata{
		ID:          "system",
		Name:        "System",
		Version:     "1.0.0",
		Category:    "core",
		Description: "Plugin and event introspection, heartbeat and failure alerts",
		Enabled:     true,
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}, m)
	return m
}

func (m *Module) OnInitialize(_ context.Context) error {
	pctx := m.Context()
	m.cfg = DefaultConfig()
	if cfg := pctx.Config; cfg != nil {
		if cfg.IsSet("heartbeat_interval") {
			m.cfg.HeartbeatInterval = cfg.GetDuration("heartbeat_interval")
		}
		if n := cfg.GetInt("history_limit"); n > 0 {
			m.cfg.HistoryLimit = n
		}
	}

	m.inventory, _ = pctx.Plugins.(Inventory)
	if m.inventory == nil {
		m.Logger().Warn("plugin inventory unavailable; plugin tools will report errors")
	}

	m.Logger().Info("system module initialized",
		zap.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
	)
	return nil
}

func (m *Module) OnStart(ctx context.Context) error {
	if _, err := m.On("plugin.failed", m.handlePluginFailed); err != nil {
		return err
	}
	m.startedAt = time.Now().UTC()

	if m.cfg.HeartbeatInterval > 0 {
		hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.cancel = cancel
		m.wg.Add(1)
		go m.heartbeatLoop(hbCtx)
	}

	m.Logger().Info("system module started")
	return nil
}

func (m *Module) OnStop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
	m.Logger().Info("system module stopped")
	return nil
}

// OnHealthCheck degrades when any registered plugin is in the error state.
func (m *Module) OnHealthCheck(_ context.Context) plugin.HealthStatus {
	if m.inventory == nil {
		return plugin.HealthStatus{Status: plugin.StatusHealthy, Message: "inventory unavailable"}
	}
	stats := m.inventory.Stats()
	details := map[string]string{
		"plugins": fmt.Sprint(stats.Total),
		"errored": fmt.Sprint(stats.Errored),
	}
	if stats.Errored > 0 {
		return plugin.HealthStatus{
			Status:  plugin.StatusDegraded,
			Message: fmt.Sprintf("%d plugin(s) in error state", stats.Errored),
			Details: details,
		}
	}
	return plugin.HealthStatus{Status: plugin.StatusHealthy, Details: details}
}

func (m *Module) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.EmitWithSeverity(ctx, TopicHeartbeat, plugin.SeverityDebug, m.heartbeat()); err != nil {
				m.Logger().Debug("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

// Heartbeat is the payload of system.heartbeat.
type Heartbeat struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Plugins       int    `json:"plugins"`
	Running       int    `json:"running"`
	EventsTotal   uint64 `json:"events_total"`
}

func (m *Module) heartbeat() Heartbeat {
	hb := Heartbeat{UptimeSeconds: int64(time.Since(m.startedAt).Seconds())}
	if m.inventory != nil {
		stats := m.inventory.Stats()
		hb.Plugins = stats.Total
		hb.Running = stats.ByState[plugin.StateRunning]
	}
	if bus := m.Context().Bus; bus != nil {
		hb.EventsTotal = bus.Stats().Total
	}
	return hb
}

// Alert is the payload of system.alert.
type Alert struct {
	Plugin  string `json:"plugin"`
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
}

func (m *Module) handlePluginFailed(ctx context.Context, e plugin.Event) error {
	alert := Alert{Plugin: e.PluginID, Message: "plugin failed"}
	if p, ok := e.Payload.(map[string]string); ok {
		alert.Phase = p["phase"]
		if msg := p["error"]; msg != "" {
			alert.Message = msg
		}
	}
	m.Logger().Warn("plugin failure reported",
		zap.String("plugin", alert.Plugin),
		zap.String("phase", alert.Phase),
		zap.String("error", alert.Message),
	)
	return m.EmitWithSeverity(ctx, TopicAlert, plugin.SeverityError, alert)
}

// PluginSummary describes one registered plugin.
type PluginSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Category    string   `json:"category"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
	Required    bool     `json:"required"`
	State       string   `json:"state"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// Summarize builds the summary of p.
func Summarize(p plugin.Plugin) PluginSummary {
	meta := p.Metadata()
	s := PluginSummary{
		ID:          meta.ID,
		Name:        meta.Name,
		Version:     meta.Version,
		Category:    meta.Category,
		Description: meta.Description,
		Enabled:     meta.Enabled,
		Required:    meta.Required,
		State:       string(p.State()),
	}
	for _, d := range p.Dependencies() {
		dep := d.ID
		if d.Optional {
			dep += "?"
		}
		s.DependsOn = append(s.DependsOn, dep)
	}
	for _, t := range p.Tools() {
		s.Tools = append(s.Tools, t.Name)
	}
	return s
}

func (m *Module) listPlugins(category string) ([]PluginSummary, error) {
	if m.inventory == nil {
		return nil, ErrNoInventory
	}
	var out []PluginSummary
	for _, p := range m.inventory.All() {
		if category != "" && p.Metadata().Category != category {
			continue
		}
		out = append(out, Summarize(p))
	}
	return out, nil
}

// Tools exposes the introspection surface.
func (m *Module) Tools() []plugin.Tool {
	return []plugin.Tool{
		{
			Name:        "list_plugins",
			Description: "List registered plugins with metadata, lifecycle state, dependencies and tools. Optional argument: category.",
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				category, _ := plugin.StringArg(args, "category")
				return m.listPlugins(category)
			},
		},
		{
			Name:        "plugin_stats",
			Description: "Registry statistics: totals by category and lifecycle state, errored and skipped counts.",
			Handler: func(context.Context, map[string]any) (any, error) {
				if m.inventory == nil {
					return nil, ErrNoInventory
				}
				return m.inventory.Stats(), nil
			},
		},
		{
			Name:        "event_history",
			Description: "Recent events, oldest first. Optional arguments: limit, type (exact or namespace.*), plugin.",
			Handler:     m.eventHistory,
		},
		{
			Name:        "event_stats",
			Description: "Event bus counters by type and severity, handler failures and history usage.",
			Handler: func(context.Context, map[string]any) (any, error) {
				bus := m.bus()
				if bus == nil {
					return nil, errors.New("event bus not available")
				}
				return bus.Stats(), nil
			},
		},
	}
}

func (m *Module) eventHistory(_ context.Context, args map[string]any) (any, error) {
	bus := m.bus()
	if bus == nil {
		return nil, errors.New("event bus not available")
	}
	limit, err := plugin.IntArg(args, "limit", m.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}

	filter := &plugin.Filter{}
	if t, ok := plugin.StringArg(args, "type"); ok {
		filter.Types = []string{t}
	}
	if id, ok := plugin.StringArg(args, "plugin"); ok {
		filter.PluginIDs = []string{id}
	}

	var events []plugin.Event
	for _, e := range bus.History(0) {
		if filter.Matches(e) {
			events = append(events, e)
		}
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (m *Module) bus() plugin.EventBus {
	if pctx := m.Context(); pctx != nil {
		return pctx.Bus
	}
	return nil
}

// Resources exposes the plugin inventory as a JSON document.
func (m *Module) Resources() []plugin.Resource {
	return []plugin.Resource{{
		URI:         "switchyard://plugins",
		Name:        "plugins",
		Description: "Registered plugins with state and capabilities",
		MIMEType:    "application/json",
		Read: func(context.Context) (string, error) {
			plugins, err := m.listPlugins("")
			if err != nil {
				return "", err
			}
			data, err := json.MarshalIndent(plugins, "", "  ")
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}}
}

// Prompts exposes a troubleshooting prompt for one plugin.
func (m *Module) Prompts() []plugin.Prompt {
	return []plugin.Prompt{{
		Name:        "diagnose_plugin",
		Description: "Summarize a plugin's state, health and recent events and ask for a diagnosis.",
		Arguments: []plugin.PromptArgument{
			{Name: "plugin_id", Description: "Plugin to diagnose", Required: true},
		},
		Render: m.renderDiagnosis,
	}}
}

func (m *Module) renderDiagnosis(ctx context.Context, args map[string]string) (string, error) {
	id := strings.TrimSpace(args["plugin_id"])
	if id == "" {
		return "", errors.New("plugin_id is required")
	}
	pctx := m.Context()
	if pctx == nil || pctx.Plugins == nil {
		return "", ErrNoInventory
	}
	p, ok := pctx.Plugins.GetPlugin(id)
	if !ok {
		return "", fmt.Errorf("plugin %q: %w", id, plugin.ErrPluginNotFound)
	}

	summary := Summarize(p)
	health := p.HealthCheck(ctx)

	var b strings.Builder
	fmt.Fprintf(&b, "Diagnose the Switchyard plugin %q (%s %s, category %s).\n", summary.ID, summary.Name, summary.Version, summary.Category)
	fmt.Fprintf(&b, "Lifecycle state: %s\n", summary.State)
	fmt.Fprintf(&b, "Health: %s", health.Status)
	if health.Message != "" {
		fmt.Fprintf(&b, " (%s)", health.Message)
	}
	b.WriteString("\n")
	if len(summary.DependsOn) > 0 {
		fmt.Fprintf(&b, "Dependencies: %s\n", strings.Join(summary.DependsOn, ", "))
	}

	if bus := m.bus(); bus != nil {
		filter := &plugin.Filter{PluginIDs: []string{id}}
		var recent []plugin.Event
		for _, e := range bus.History(0) {
			if filter.Matches(e) {
				recent = append(recent, e)
			}
		}
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		if len(recent) > 0 {
			b.WriteString("Recent events:\n")
			for _, e := range recent {
				fmt.Fprintf(&b, "- %s [%s] %s\n", e.Timestamp.Format(time.RFC3339), e.Severity, e.Type)
			}
		}
	}
	b.WriteString("Explain the most likely cause of any problem and the next step to resolve it.")
	return b.String(), nil
}
