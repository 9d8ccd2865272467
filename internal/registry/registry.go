// Package registry manages plugin lifecycle: registration, dependency resolution,
// initialization, and shutdown of Switchyard plugins.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.Resolver = (*Registry)(nil)

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string // registration order
	resolved []string // dependency order from the last successful resolve
	skipped  map[string]bool

	logger *zap.Logger
	bus    plugin.Publisher
	config plugin.Config
}

type entry struct {
	plugin    plugin.Plugin
	meta      plugin.Metadata
	deps      []plugin.Dependency
	overrides []plugin.ContextOverride
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus publishes plugin.* lifecycle events on bus.
func WithBus(bus plugin.Publisher) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithConfig lets plugins.<id>.enabled override each plugin's metadata.
func WithConfig(cfg plugin.Config) Option {
	return func(r *Registry) { r.config = cfg }
}

// New creates a new plugin registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		skipped: make(map[string]bool),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a plugin without initializing it. Overrides are applied to
// the plugin's context when InitAll builds it.
func (r *Registry) Register(p plugin.Plugin, overrides ...plugin.ContextOverride) error {
	meta := p.Metadata()
	id := meta.ID
	if id == "" {
		return fmt.Errorf("plugin has empty id")
	}
	if err := r.checkAPIVersion(id, meta.APIVersion); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", id, plugin.ErrDuplicateRegistration)
	}
	r.entries[id] = &entry{
		plugin:    p,
		meta:      meta,
		deps:      p.Dependencies(),
		overrides: overrides,
	}
	r.order = append(r.order, id)
	r.resolved = nil
	r.mu.Unlock()

	r.logger.Info("plugin registered",
		zap.String("plugin", id),
		zap.String("version", meta.Version),
		zap.String("category", meta.Category),
		zap.Int("api_version", meta.APIVersion),
	)
	r.publish(context.Background(), "plugin.registered", id, plugin.SeverityInfo, nil)
	return nil
}

// Unregister stops and cleans up a plugin, then removes it. Returns false
// when no plugin has that id.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("unregister of unknown plugin",
			zap.String("plugin", id),
			zap.Error(plugin.ErrPluginNotFound),
		)
		return false
	}
	delete(r.entries, id)
	delete(r.skipped, id)
	r.order = without(r.order, id)
	r.resolved = without(r.resolved, id)
	r.mu.Unlock()

	if s := e.plugin.State(); s == plugin.StateRunning || s == plugin.StateStarting {
		if err := r.safeCall(id, "stop", func() error { return e.plugin.Stop(ctx) }); err != nil {
			r.logger.Error("failed to stop plugin during unregister", zap.String("plugin", id), zap.Error(err))
		}
	}
	if err := r.safeCall(id, "cleanup", func() error { return e.plugin.Cleanup(ctx) }); err != nil {
		r.logger.Error("failed to clean up plugin during unregister", zap.String("plugin", id), zap.Error(err))
	}

	r.logger.Info("plugin unregistered", zap.String("plugin", id))
	r.publish(ctx, "plugin.unregistered", id, plugin.SeverityInfo, nil)
	return true
}

// Get returns a plugin by id.
func (r *Registry) Get(id string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// GetPlugin implements plugin.Resolver.
func (r *Registry) GetPlugin(id string) (plugin.Plugin, bool) {
	return r.Get(id)
}

// Has reports whether a plugin with id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// All returns every registered plugin in registration order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]plugin.Plugin, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.entries[id].plugin)
	}
	return result
}

// ByCategory returns the plugins tagged with category, in registration order.
func (r *Registry) ByCategory(category string) []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []plugin.Plugin
	for _, id := range r.order {
		if e := r.entries[id]; e.meta.Category == category {
			result = append(result, e.plugin)
		}
	}
	return result
}

// Order returns the dependency order computed by the last successful
// ResolveDependencies, or nil.
func (r *Registry) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.resolved...)
}

// IsEnabled reports whether a plugin is enabled after config overrides.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	return ok && r.enabled(e)
}

// IsSkipped reports whether a plugin was skipped by InitAll or StartAll
// because it or one of its hard dependencies failed.
func (r *Registry) IsSkipped(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skipped[id]
}

// Stats summarizes the registry.
type Stats struct {
	Total      int                           `json:"total"`
	Enabled    int                           `json:"enabled"`
	ByCategory map[string]int                `json:"by_category"`
	ByState    map[plugin.LifecycleState]int `json:"by_state"`
	Errored    int                           `json:"errored"`
	Skipped    int                           `json:"skipped"`
}

// Stats computes registry statistics on demand.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	skipped := len(r.skipped)
	r.mu.RUnlock()

	s := Stats{
		Total:      len(entries),
		ByCategory: make(map[string]int),
		ByState:    make(map[plugin.LifecycleState]int),
		Skipped:    skipped,
	}
	for _, e := range entries {
		if r.enabled(e) {
			s.Enabled++
		}
		s.ByCategory[e.meta.Category]++
		state := e.plugin.State()
		s.ByState[state]++
		if state == plugin.StateError {
			s.Errored++
		}
	}
	return s
}

// enabled applies the plugins.<id>.enabled config override.
func (r *Registry) enabled(e *entry) bool {
	key := "plugins." + e.meta.ID + ".enabled"
	if r.config != nil && r.config.IsSet(key) {
		return r.config.GetBool(key)
	}
	return e.meta.Enabled
}

func (r *Registry) publish(ctx context.Context, eventType, id string, severity plugin.Severity, payload any) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(ctx, plugin.Event{
		Type:     eventType,
		PluginID: id,
		Severity: severity,
		Payload:  payload,
	})
	if err != nil {
		r.logger.Debug("failed to publish lifecycle event",
			zap.String("type", eventType),
			zap.String("plugin", id),
			zap.Error(err),
		)
	}
}

// checkAPIVersion validates a plugin's API version against the server's range.
func (r *Registry) checkAPIVersion(id string, apiVersion int) error {
	if apiVersion < plugin.APIVersionMin {
		return fmt.Errorf(
			"plugin %q targets Plugin API v%d, but this server requires v%d or newer (current: v%d). Upgrade the plugin or use an older server",
			id, apiVersion, plugin.APIVersionMin, plugin.APIVersionCurrent,
		)
	}
	if apiVersion > plugin.APIVersionCurrent {
		return fmt.Errorf(
			"plugin %q targets Plugin API v%d, but this server only supports up to v%d. Upgrade the server to use this plugin",
			id, apiVersion, plugin.APIVersionCurrent,
		)
	}
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
