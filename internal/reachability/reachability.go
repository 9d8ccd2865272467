// Package reachability implements the "reachability" module. It pings the
// managed device's hosts on an interval, caches the results and emits
// device.reachable / device.unreachable when a host changes state.
package reachability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Event types emitted by the reachability module.
const (
	TopicReachable   = "device.reachable"
	TopicUnreachable = "device.unreachable"
)

const maxPingCount = 10

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// Config holds the reachability module configuration.
type Config struct {
	Hosts       []string      `mapstructure:"hosts"`
	HostsPath   string        `mapstructure:"hosts_path"` // device API path listing extra hosts
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Count       int           `mapstructure:"count"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Concurrency int           `mapstructure:"concurrency"`
	Privileged  bool          `mapstructure:"privileged"`
}

// DefaultConfig returns the module defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     2 * time.Second,
		Count:       3,
		CacheTTL:    time.Minute,
		Concurrency: 8,
		Privileged:  runtime.GOOS == "windows",
	}
}

// Option configures a Module.
type Option func(*Module)

// WithPinger replaces the ICMP pinger.
func WithPinger(p Pinger) Option {
	return func(m *Module) { m.ping = p }
}

// Module implements the reachability plugin.
type Module struct {
	*plugin.Base

	cfg  Config
	ping Pinger

	mu     sync.RWMutex
	status map[string]Result

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new reachability plugin instance.
func New(opts ...Option) *Module {
	m := &Module{
		cfg:    DefaultConfig(),
		ping:   ICMPPinger,
		status: make(map[string]Result),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Base = plugin.NewBase(plugin.Metadata{
		ID:          "reachability",
		Name:        "Reachability",
		Version:     "1.0.0",
		Category:    "network",
		Description: "ICMP reachability monitoring of managed hosts",
		Enabled:     true,
		APIVersion:  plugin.APIVersionCurrent,
	}, m)
	return m
}

func (m *Module) OnInitialize(_ context.Context) error {
	m.cfg = DefaultConfig()
	if cfg := m.Context().Config; cfg != nil {
		m.cfg.Hosts = cfg.GetStringSlice("hosts")
		m.cfg.HostsPath = cfg.GetString("hosts_path")
		if cfg.IsSet("interval") {
			m.cfg.Interval = cfg.GetDuration("interval")
		}
		if d := cfg.GetDuration("timeout"); d > 0 {
			m.cfg.Timeout = d
		}
		if n := cfg.GetInt("count"); n > 0 {
			m.cfg.Count = min(n, maxPingCount)
		}
		if d := cfg.GetDuration("cache_ttl"); d > 0 {
			m.cfg.CacheTTL = d
		}
		if n := cfg.GetInt("concurrency"); n > 0 {
			m.cfg.Concurrency = n
		}
		if cfg.IsSet("privileged") {
			m.cfg.Privileged = cfg.GetBool("privileged")
		}
	}

	m.mu.Lock()
	m.status = make(map[string]Result)
	m.mu.Unlock()

	m.Logger().Info("reachability module initialized",
		zap.Strings("hosts", m.cfg.Hosts),
		zap.String("hosts_path", m.cfg.HostsPath),
		zap.Duration("interval", m.cfg.Interval),
	)
	return nil
}

func (m *Module) OnStart(ctx context.Context) error {
	if m.cfg.Interval <= 0 {
		m.Logger().Info("reachability polling disabled")
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		// Run immediately on start, then on each tick.
		m.CheckAll(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.CheckAll(loopCtx)
			}
		}
	}()
	return nil
}

func (m *Module) OnStop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
	return nil
}

// OnHealthCheck degrades when any monitored host is unreachable.
func (m *Module) OnHealthCheck(_ context.Context) plugin.HealthStatus {
	snapshot := m.Status()
	if len(snapshot) == 0 {
		return plugin.HealthStatus{Status: plugin.StatusHealthy, Message: "no hosts checked yet"}
	}
	details := make(map[string]string, len(snapshot))
	down := 0
	for _, r := range snapshot {
		if r.Reachable {
			details[r.Host] = "up"
			continue
		}
		details[r.Host] = "down"
		down++
	}
	if down > 0 {
		return plugin.HealthStatus{
			Status:  plugin.StatusDegraded,
			Message: fmt.Sprintf("%d of %d hosts unreachable", down, len(snapshot)),
			Details: details,
		}
	}
	return plugin.HealthStatus{Status: plugin.StatusHealthy, Details: details}
}

// CheckAll pings every monitored host concurrently and records the
// results. Transition events are emitted in host order.
func (m *Module) CheckAll(ctx context.Context) []Result {
	hosts := m.hosts(ctx)
	if len(hosts) == 0 {
		return nil
	}

	results := make([]Result, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i, host := range hosts {
		g.Go(func() error {
			results[i] = m.check(gctx, host, m.cfg.Count)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil
	}
	for _, r := range results {
		m.record(ctx, r)
	}
	return results
}

// Status returns the last result per monitored host, sorted by host.
func (m *Module) Status() []Result {
	m.mu.RLock()
	out := make([]Result, 0, len(m.status))
	for _, r := range m.status {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// hosts merges configured hosts with those listed by the device API.
func (m *Module) hosts(ctx context.Context) []string {
	seen := make(map[string]bool)
	var hosts []string
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	for _, h := range m.cfg.Hosts {
		add(h)
	}

	if m.cfg.HostsPath == "" {
		return hosts
	}
	device := m.Context().Device
	if device == nil {
		return hosts
	}
	raw, err := device.Do(ctx, http.MethodGet, m.cfg.HostsPath, nil)
	if err != nil {
		m.Logger().Warn("failed to list hosts from device", zap.String("path", m.cfg.HostsPath), zap.Error(err))
		return hosts
	}
	listed, err := parseHosts(raw)
	if err != nil {
		m.Logger().Warn("unexpected host list format", zap.String("path", m.cfg.HostsPath), zap.Error(err))
		return hosts
	}
	for _, h := range listed {
		add(h)
	}
	return hosts
}

// parseHosts accepts ["a", "b"] or [{"host": "a"}, {"address": "b"}].
func parseHosts(raw json.RawMessage) ([]string, error) {
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var objs []struct {
		Host    string `json:"host"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, err
	}
	for _, o := range objs {
		if o.Host != "" {
			names = append(names, o.Host)
		} else if o.Address != "" {
			names = append(names, o.Address)
		}
	}
	return names, nil
}

// check pings host and caches the result. Ping errors yield an
// unreachable result rather than an error.
func (m *Module) check(ctx context.Context, host string, count int) Result {
	r, err := m.ping(ctx, host, count, m.cfg.Timeout, m.cfg.Privileged)
	if err != nil {
		r = Result{Host: host, Error: err.Error()}
	}
	r.Host = host
	r.CheckedAt = time.Now().UTC()

	if c := m.Context().Cache; c != nil {
		if data, err := json.Marshal(r); err == nil {
			if err := c.Set(ctx, cacheKey(host), data, m.cfg.CacheTTL); err != nil {
				m.Logger().Debug("cache write failed", zap.String("host", host), zap.Error(err))
			}
		}
	}
	return r
}

// record stores r and emits an event when the host's state changes. The
// first result for a host counts as a change.
func (m *Module) record(ctx context.Context, r Result) {
	m.mu.Lock()
	prev, seen := m.status[r.Host]
	m.status[r.Host] = r
	m.mu.Unlock()

	if seen && prev.Reachable == r.Reachable {
		return
	}
	topic, severity := TopicReachable, plugin.SeverityInfo
	if !r.Reachable {
		topic, severity = TopicUnreachable, plugin.SeverityWarning
	}
	m.Logger().Info("host reachability changed",
		zap.String("host", r.Host),
		zap.Bool("reachable", r.Reachable),
	)
	if err := m.EmitWithSeverity(ctx, topic, severity, r); err != nil {
		m.Logger().Warn("failed to emit reachability event", zap.Error(err))
	}
}

func cacheKey(host string) string {
	return "host:" + host
}

// PingResponse is the result of the ping_host tool.
type PingResponse struct {
	Result
	Cached bool `json:"cached"`
}

// Tools exposes on-demand pings.
func (m *Module) Tools() []plugin.Tool {
	return []plugin.Tool{{
		Name:        "ping_host",
		Description: "Ping a host and report reachability, packet loss and average RTT. Arguments: host (required), count (1-10), fresh (skip the cache).",
		Handler:     m.pingHost,
	}}
}

func (m *Module) pingHost(ctx context.Context, args map[string]any) (any, error) {
	host, ok := plugin.StringArg(args, "host")
	if !ok {
		return nil, errors.New("host is required")
	}
	count, err := plugin.IntArg(args, "count", m.cfg.Count)
	if err != nil {
		return nil, err
	}
	if count < 1 || count > maxPingCount {
		return nil, fmt.Errorf("count must be between 1 and %d", maxPingCount)
	}

	fresh, _ := args["fresh"].(bool)
	if c := m.Context().Cache; c != nil && !fresh {
		data, hit, err := c.Get(ctx, cacheKey(host))
		if err == nil && hit {
			var r Result
			if json.Unmarshal(data, &r) == nil {
				return PingResponse{Result: r, Cached: true}, nil
			}
		}
	}
	return PingResponse{Result: m.check(ctx, host, count)}, nil
}

// Resources exposes the monitored host status.
func (m *Module) Resources() []plugin.Resource {
	return []plugin.Resource{{
		URI:         "switchyard://reachability/status",
		Name:        "status",
		Description: "Last reachability result per monitored host",
		MIMEType:    "application/json",
		Read: func(context.Context) (string, error) {
			data, err := json.MarshalIndent(m.Status(), "", "  ")
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}}
}
