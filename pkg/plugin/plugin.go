// Package plugin provides the public SDK types for Switchyard plugins.
// All Switchyard modules (built-in and third-party) implement these interfaces.
package plugin

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// API version constants for plugin compatibility checking.
// The registry rejects plugins outside the supported range.
const (
	APIVersionMin     = 1 // Oldest Plugin API version this server supports
	APIVersionCurrent = 1 // Current Plugin API version
)

// Plugin defines the interface that all Switchyard modules must implement.
// Most modules embed *Base, which provides everything except the capability
// listers they choose to override.
type Plugin interface {
	// Metadata returns the plugin's immutable descriptor.
	Metadata() Metadata

	// Dependencies lists the plugins that must be running before this one.
	Dependencies() []Dependency

	// Initialize stores the shared context and prepares the plugin.
	Initialize(ctx context.Context, pctx *Context) error

	// Start begins the plugin's background operations.
	Start(ctx context.Context) error

	// Stop shuts the plugin down. It always leaves the plugin stopped.
	Stop(ctx context.Context) error

	// HealthCheck reports plugin health. It never fails.
	HealthCheck(ctx context.Context) HealthStatus

	// Cleanup releases everything the plugin holds before it is discarded.
	Cleanup(ctx context.Context) error

	// State returns the current lifecycle state.
	State() LifecycleState

	// Tools, Resources and Prompts declare the capabilities exposed to the
	// protocol-serving layer.
	Tools() []Tool
	Resources() []Resource
	Prompts() []Prompt
}

// Metadata contains plugin identity. It is immutable after construction.
type Metadata struct {
	ID          string // Unique, stable registry key: "system", "reachability"
	Name        string // Human-readable name
	Version     string // Semantic version string
	Category    string // Open tag: "core", "network", "execution"
	Author      string
	Description string
	Enabled     bool           // Disabled plugins stay registered but are never activated
	Required    bool           // If true, boot aborts when this plugin fails
	APIVersion  int            // Plugin API version targeted (currently 1)
	Config      map[string]any // Optional static defaults
}

// Dependency declares that a plugin requires another plugin.
type Dependency struct {
	ID       string
	Optional bool // Missing optional dependencies are logged, not fatal
}

// RequiredDependency returns a hard dependency on id.
func RequiredDependency(id string) Dependency {
	return Dependency{ID: id}
}

// OptionalDependency returns a soft dependency on id.
func OptionalDependency(id string) Dependency {
	return Dependency{ID: id, Optional: true}
}

// LifecycleState is a plugin's position in its state machine.
type LifecycleState string

const (
	StateUninitialized LifecycleState = "uninitialized"
	StateInitializing  LifecycleState = "initializing"
	StateInitialized   LifecycleState = "initialized"
	StateStarting      LifecycleState = "starting"
	StateRunning       LifecycleState = "running"
	StateStopping      LifecycleState = "stopping"
	StateStopped       LifecycleState = "stopped"
	StateError         LifecycleState = "error"
)

// AllStates lists every lifecycle state in state-machine order.
var AllStates = []LifecycleState{
	StateUninitialized,
	StateInitializing,
	StateInitialized,
	StateStarting,
	StateRunning,
	StateStopping,
	StateStopped,
	StateError,
}

// Context is the shared bundle handed to a plugin during Initialize.
// It is built by the orchestrator; plugins never construct their own.
type Context struct {
	Device   DeviceClient
	Executor Executor
	Bus      EventBus
	Cache    Cache
	State    StateStore
	Logger   *zap.Logger // Named logger for this plugin
	Config   Config      // Scoped to this plugin's config section
	Plugins  Resolver
}

// ContextOverride adjusts a plugin's context before Initialize. Passed to
// the registry at registration time.
type ContextOverride func(*Context)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents a plugin's health report.
type HealthStatus struct {
	Status  string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Healthy reports whether the status is healthy.
func (h HealthStatus) Healthy() bool {
	return h.Status == StatusHealthy
}

// HealthChecker is implemented by hooks that want to customize health reporting.
type HealthChecker interface {
	OnHealthCheck(ctx context.Context) HealthStatus
}

// Tool is a callable capability exposed by a plugin.
type Tool struct {
	Name        string
	Description string
	Handler     ToolHandler
}

// ToolHandler executes a tool call. The result is serialized as JSON.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Resource is a readable document exposed by a plugin.
type Resource struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
	Read        func(ctx context.Context) (string, error)
}

// Prompt is a reusable prompt template exposed by a plugin.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Render      func(ctx context.Context, args map[string]string) (string, error)
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Config abstracts configuration access. Wraps Viper today, replaceable later.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	IsSet(key string) bool
	Sub(key string) Config
}

// Resolver allows plugins to look up other plugins by id.
type Resolver interface {
	GetPlugin(id string) (Plugin, bool)
}

// Cache is a TTL key/value cache shared by plugins.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// StateStore persists small per-plugin values.
type StateStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// DeviceClient is an opaque request/response handle to the managed device's
// control API.
type DeviceClient interface {
	Do(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// Executor runs commands on the managed device.
type Executor interface {
	Run(ctx context.Context, command string) (ExecResult, error)
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}
