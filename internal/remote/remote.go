// Package remote implements the "remote" module: allowlisted command
// execution on the managed device through the shared executor.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/HerbHall/switchyard/internal/reachability"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
)

// TopicExecuted is emitted after every command run.
const TopicExecuted = "remote.command.executed"

const stateKeyLastResult = "last_result"

// Errors returned by run_command.
var (
	ErrNotAllowed      = errors.New("command not allowed")
	ErrNoExecutor      = errors.New("executor not configured")
	ErrHostUnreachable = errors.New("target host is unreachable")
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// StatusProvider reports host reachability. The reachability module
// satisfies it.
type StatusProvider interface {
	Status() []reachability.Result
}

// Config holds the remote module configuration.
type Config struct {
	Allowlist []string      `mapstructure:"allowlist"`
	Host      string        `mapstructure:"host"` // refuse to run while reachability reports this host down
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxOutput int           `mapstructure:"max_output"`
}

// DefaultConfig returns the module defaults.
func DefaultConfig() Config {
	return Config{
		Allowlist: []string{"uptime", "uname -a", "df -h", "free -m", "cat /proc/loadavg", "ip addr show", "ip route show"},
		Timeout:   30 * time.Second,
		MaxOutput: 64 * 1024,
	}
}

// Module implements the remote plugin.
type Module struct {
	*plugin.Base
	cfg Config
}

// New creates a new remote plugin instance.
func New() *Module {
	m := &Module{cfg: DefaultConfig()}
	m.Base = plugin.NewBase(plugin.Metadata{
		ID:          "remote",
		Name:        "Remote Execution",
		Version:     "1.0.0",
		Category:    "execution",
		Description: "Allowlisted command execution on the managed device",
		Enabled:     true,
		APIVersion:  plugin.APIVersionCurrent,
	}, m,
		plugin.RequiredDependency("reachability"),
		plugin.OptionalDependency("system"),
	)
	return m
}

func (m *Module) OnInitialize(_ context.Context) error {
	m.cfg = DefaultConfig()
	if cfg := m.Context().Config; cfg != nil {
		if cfg.IsSet("allowlist") {
			m.cfg.Allowlist = cfg.GetStringSlice("allowlist")
		}
		m.cfg.Host = cfg.GetString("host")
		if d := cfg.GetDuration("timeout"); d > 0 {
			m.cfg.Timeout = d
		}
		if n := cfg.GetInt("max_output"); n > 0 {
			m.cfg.MaxOutput = n
		}
	}
	if m.Context().Executor == nil {
		m.Logger().Warn("no executor configured; run_command will fail")
	}
	m.Logger().Info("remote module initialized",
		zap.Strings("allowlist", m.cfg.Allowlist),
		zap.Duration("timeout", m.cfg.Timeout),
	)
	return nil
}

func (m *Module) OnStart(_ context.Context) error { return nil }

func (m *Module) OnStop(_ context.Context) error { return nil }

// OnHealthCheck degrades when no executor is available.
func (m *Module) OnHealthCheck(_ context.Context) plugin.HealthStatus {
	if m.Context().Executor == nil {
		return plugin.HealthStatus{Status: plugin.StatusDegraded, Message: ErrNoExecutor.Error()}
	}
	return plugin.HealthStatus{Status: plugin.StatusHealthy}
}

// shellMeta are characters that could chain, redirect, quote or expand.
const shellMeta = ";|&`$<>\n\r\\'\"*?[]{}~()#"

// wildcardSuffix marks an allowlist entry that accepts extra arguments.
const wildcardSuffix = " *"

// Allowed reports whether command matches an allowlist entry. Entries match
// the whole command, ignoring repeated spaces. An entry ending in " *"
// ("journalctl -n *") also accepts arguments after its prefix. Shell
// metacharacters are always rejected.
func Allowed(allowlist []string, command string) bool {
	if strings.ContainsAny(command, shellMeta) {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		prefix, wildcard := strings.CutSuffix(entry, wildcardSuffix)
		want := strings.Fields(prefix)
		if len(want) == 0 || len(fields) < len(want) {
			continue
		}
		if !slices.Equal(fields[:len(want)], want) {
			continue
		}
		if len(fields) == len(want) || wildcard {
			return true
		}
	}
	return false
}

// CommandRecord is what the module persists and emits for a run.
type CommandRecord struct {
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMs int64     `json:"duration_ms"`
	Truncated  bool      `json:"truncated,omitempty"`
	RanAt      time.Time `json:"ran_at"`
}

// Run executes an allowlisted command.
func (m *Module) Run(ctx context.Context, command string) (CommandRecord, error) {
	command = strings.TrimSpace(command)
	if !Allowed(m.cfg.Allowlist, command) {
		return CommandRecord{}, fmt.Errorf("%w: %q", ErrNotAllowed, command)
	}
	pctx := m.Context()
	if pctx.Executor == nil {
		return CommandRecord{}, ErrNoExecutor
	}
	if err := m.checkHost(); err != nil {
		return CommandRecord{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	start := time.Now()
	res, err := pctx.Executor.Run(runCtx, command)
	if err != nil {
		m.Logger().Warn("remote command failed", zap.String("command", command), zap.Error(err))
		return CommandRecord{}, fmt.Errorf("run %q: %w", command, err)
	}

	rec := CommandRecord{
		Command:    command,
		ExitCode:   res.ExitCode,
		DurationMs: time.Since(start).Milliseconds(),
		RanAt:      start.UTC(),
	}
	var t1, t2 bool
	rec.Stdout, t1 = truncate(res.Stdout, m.cfg.MaxOutput)
	rec.Stderr, t2 = truncate(res.Stderr, m.cfg.MaxOutput)
	rec.Truncated = t1 || t2

	if pctx.State != nil {
		if data, err := json.Marshal(rec); err == nil {
			if err := pctx.State.Set(ctx, m.Metadata().ID, stateKeyLastResult, data); err != nil {
				m.Logger().Warn("failed to persist command result", zap.Error(err))
			}
		}
	}

	severity := plugin.SeverityInfo
	if rec.ExitCode != 0 {
		severity = plugin.SeverityWarning
	}
	if err := m.EmitWithSeverity(ctx, TopicExecuted, severity, map[string]any{
		"command":     rec.Command,
		"exit_code":   rec.ExitCode,
		"duration_ms": rec.DurationMs,
	}); err != nil {
		m.Logger().Debug("failed to emit command event", zap.Error(err))
	}
	return rec, nil
}

// checkHost consults the reachability module when a target host is set.
func (m *Module) checkHost() error {
	if m.cfg.Host == "" {
		return nil
	}
	resolver := m.Context().Plugins
	if resolver == nil {
		return nil
	}
	p, ok := resolver.GetPlugin("reachability")
	if !ok {
		return nil
	}
	sp, ok := p.(StatusProvider)
	if !ok {
		return nil
	}
	for _, r := range sp.Status() {
		if r.Host == m.cfg.Host && !r.Reachable {
			return fmt.Errorf("%w: %s", ErrHostUnreachable, m.cfg.Host)
		}
	}
	return nil
}

// LastResult returns the most recent persisted run.
func (m *Module) LastResult(ctx context.Context) (CommandRecord, bool, error) {
	store := m.Context().State
	if store == nil {
		return CommandRecord{}, false, nil
	}
	data, ok, err := store.Get(ctx, m.Metadata().ID, stateKeyLastResult)
	if err != nil || !ok {
		return CommandRecord{}, false, err
	}
	var rec CommandRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CommandRecord{}, false, fmt.Errorf("decode last result: %w", err)
	}
	return rec, true, nil
}

func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	return s[:limit], true
}

// Tools exposes command execution.
func (m *Module) Tools() []plugin.Tool {
	return []plugin.Tool{
		{
			Name:        "run_command",
			Description: "Run an allowlisted read-only command on the managed device and return its output and exit code. Argument: command.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				command, ok := plugin.StringArg(args, "command")
				if !ok {
					return nil, errors.New("command is required")
				}
				return m.Run(ctx, command)
			},
		},
		{
			Name:        "last_result",
			Description: "Return the result of the most recent run_command call.",
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				rec, ok, err := m.LastResult(ctx)
				if err != nil {
					return nil, err
				}
				if !ok {
					return map[string]string{"status": "no command has run yet"}, nil
				}
				return rec, nil
			},
		},
		{
			Name:        "allowed_commands",
			Description: "List the command prefixes run_command accepts.",
			Handler: func(context.Context, map[string]any) (any, error) {
				return append([]string(nil), m.cfg.Allowlist...), nil
			},
		},
	}
}
