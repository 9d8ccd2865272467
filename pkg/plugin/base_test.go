package plugin_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/switchyard/internal/event"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"github.com/HerbHall/switchyard/pkg/plugin/plugintest"
	"go.uber.org/zap/zaptest"
)

type testModule struct {
	*plugin.Base

	mu       sync.Mutex
	calls    []string
	initErr  error
	startErr error
	stopErr  error
	panicOn  string
	health   *plugin.HealthStatus
	healthFn func(ctx context.Context) plugin.HealthStatus
	block    chan struct{}
	entered  chan struct{}
	onStart  func(m *testModule) error
	cleanups int
}

func newTestModule(id string, deps ...plugin.Dependency) *testModule {
	m := &testModule{}
	m.Base = plugin.NewBase(plugin.Metadata{
		ID:       id,
		Name:     "Test " + id,
		Version:  "0.1.0",
		Category: "test",
		Enabled:  true,
		Config:   map[string]any{"k": "v"},
	}, m, deps...)
	return m
}

func (m *testModule) record(hook string) {
	m.mu.Lock()
	m.calls = append(m.calls, hook)
	m.mu.Unlock()
	if m.panicOn == hook {
		panic(hook + " exploded")
	}
}

func (m *testModule) OnInitialize(context.Context) error {
	m.record("initialize")
	return m.initErr
}

func (m *testModule) OnStart(context.Context) error {
	m.record("start")
	if m.block != nil {
		close(m.entered)
		<-m.block
	}
	if m.onStart != nil {
		if err := m.onStart(m); err != nil {
			return err
		}
	}
	return m.startErr
}

func (m *testModule) OnStop(context.Context) error {
	m.record("stop")
	return m.stopErr
}

func (m *testModule) OnCleanup(context.Context) error {
	m.cleanups++
	return nil
}

func (m *testModule) OnHealthCheck(ctx context.Context) plugin.HealthStatus {
	m.record("health")
	if m.healthFn != nil {
		return m.healthFn(ctx)
	}
	if m.health != nil {
		return *m.health
	}
	return plugin.HealthStatus{Status: plugin.StatusHealthy}
}

func initialize(t *testing.T, p plugin.Plugin, opts ...plugintest.Option) {
	t.Helper()
	if err := p.Initialize(context.Background(), plugintest.NewContext(t, p.Metadata().ID, opts...)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return newTestModule("contract") })
}

func TestBase_Lifecycle(t *testing.T) {
	m := newTestModule("net")
	ctx := context.Background()

	initialize(t, m)
	if got := m.State(); got != plugin.StateInitialized {
		t.Fatalf("State() = %s, want initialized", got)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := m.State(); got != plugin.StateRunning {
		t.Fatalf("State() = %s, want running", got)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := m.State(); got != plugin.StateStopped {
		t.Fatalf("State() = %s, want stopped", got)
	}

	want := "initialize,start,stop"
	if got := strings.Join(m.calls, ","); got != want {
		t.Errorf("hook calls = %s, want %s", got, want)
	}
}

func TestBase_Violations(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		setup func(t *testing.T, m *testModule)
		op    func(m *testModule) error
		state plugin.LifecycleState
	}{
		{
			name:  "start before initialize",
			setup: func(*testing.T, *testModule) {},
			op:    func(m *testModule) error { return m.Start(ctx) },
			state: plugin.StateUninitialized,
		},
		{
			name:  "stop from initialized",
			setup: func(t *testing.T, m *testModule) { initialize(t, m) },
			op:    func(m *testModule) error { return m.Stop(ctx) },
			state: plugin.StateInitialized,
		},
		{
			name: "initialize twice",
			setup: func(t *testing.T, m *testModule) {
				initialize(t, m)
			},
			op: func(m *testModule) error {
				return m.Initialize(ctx, plugintest.NewContext(t, "net"))
			},
			state: plugin.StateInitialized,
		},
		{
			name: "start while running",
			setup: func(t *testing.T, m *testModule) {
				initialize(t, m)
				if err := m.Start(ctx); err != nil {
					t.Fatalf("Start() error = %v", err)
				}
			},
			op:    func(m *testModule) error { return m.Start(ctx) },
			state: plugin.StateRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModule("net")
			tt.setup(t, m)
			err := tt.op(m)
			var lerr *plugin.LifecycleError
			if !errors.As(err, &lerr) || !errors.Is(err, plugin.ErrLifecycleViolation) {
				t.Fatalf("error = %v, want *LifecycleError", err)
			}
			if got := m.State(); got != tt.state {
				t.Errorf("State() = %s, want %s (unchanged)", got, tt.state)
			}
		})
	}
}

func TestBase_InitializeFailureAndRecovery(t *testing.T) {
	cause := errors.New("device unreachable")
	m := newTestModule("net")
	m.initErr = cause

	err := m.Initialize(context.Background(), plugintest.NewContext(t, "net"))
	if !errors.Is(err, plugin.ErrHookFailure) || !errors.Is(err, cause) {
		t.Fatalf("Initialize() error = %v, want HookError wrapping cause", err)
	}
	if got := m.State(); got != plugin.StateError {
		t.Fatalf("State() = %s, want error", got)
	}
	if !errors.Is(m.LastError(), cause) {
		t.Errorf("LastError() = %v, want %v", m.LastError(), cause)
	}
	status := m.HealthCheck(context.Background())
	if status.Status != plugin.StatusUnhealthy || !strings.Contains(status.Message, "device unreachable") {
		t.Errorf("HealthCheck() = %+v, want unhealthy with last error", status)
	}

	m.initErr = nil
	initialize(t, m)
	if m.LastError() != nil {
		t.Errorf("LastError() after recovery = %v, want nil", m.LastError())
	}
}

func TestBase_StartFailureRemovesSubscriptions(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t), 10)
	m := newTestModule("net")
	m.onStart = func(m *testModule) error {
		if _, err := m.On("firewall.*", func(context.Context, plugin.Event) error { return nil }); err != nil {
			return err
		}
		return errors.New("port in use")
	}
	initialize(t, m, plugintest.WithBus(bus))

	if err := m.Start(context.Background()); !errors.Is(err, plugin.ErrHookFailure) {
		t.Fatalf("Start() error = %v, want ErrHookFailure", err)
	}
	if got := m.State(); got != plugin.StateError {
		t.Errorf("State() = %s, want error", got)
	}
	if got := bus.Stats().Subscriptions; got != 0 {
		t.Errorf("bus subscriptions = %d, want 0", got)
	}
}

func TestBase_StopAlwaysEndsStopped(t *testing.T) {
	m := newTestModule("net")
	m.stopErr = errors.New("flush failed")
	initialize(t, m)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := m.Stop(context.Background())
	if !errors.Is(err, plugin.ErrHookFailure) {
		t.Fatalf("Stop() error = %v, want ErrHookFailure", err)
	}
	if got := m.State(); got != plugin.StateStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
}

func TestBase_HookPanicBecomesHookError(t *testing.T) {
	m := newTestModule("net")
	m.panicOn = "initialize"

	err := m.Initialize(context.Background(), plugintest.NewContext(t, "net"))
	var herr *plugin.HookError
	if !errors.As(err, &herr) {
		t.Fatalf("Initialize() error = %v, want *HookError", err)
	}
	if herr.Hook != "initialize" || !strings.Contains(herr.Error(), "exploded") {
		t.Errorf("HookError = %v", herr)
	}
	if got := m.State(); got != plugin.StateError {
		t.Errorf("State() = %s, want error", got)
	}
}

func TestBase_HealthCheck(t *testing.T) {
	degraded := plugin.HealthStatus{Status: plugin.StatusDegraded, Message: "1 of 3 hosts down"}
	tests := []struct {
		name    string
		health  *plugin.HealthStatus
		panicOn string
		start   bool
		want    string
	}{
		{"not started", nil, "", false, plugin.StatusUnhealthy},
		{"running default", nil, "", true, plugin.StatusHealthy},
		{"running custom", &degraded, "", true, plugin.StatusDegraded},
		{"hook panics", nil, "health", true, plugin.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestModule("net")
			m.health = tt.health
			m.panicOn = tt.panicOn
			initialize(t, m)
			if tt.start {
				if err := m.Start(context.Background()); err != nil {
					t.Fatalf("Start() error = %v", err)
				}
			}
			if got := m.HealthCheck(context.Background()); got.Status != tt.want {
				t.Errorf("HealthCheck().Status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestBase_HealthCheckTimeout(t *testing.T) {
	m := newTestModule("net")
	release := make(chan struct{})
	defer close(release)
	m.healthFn = func(ctx context.Context) plugin.HealthStatus {
		<-release
		return plugin.HealthStatus{Status: plugin.StatusHealthy}
	}
	m.SetHealthTimeout(20 * time.Millisecond)
	initialize(t, m)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	status := m.HealthCheck(context.Background())
	if status.Status != plugin.StatusUnhealthy {
		t.Errorf("HealthCheck().Status = %s, want unhealthy after hook timeout", status.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("HealthCheck() took %v, want bounded by the timeout", elapsed)
	}
}

func TestBase_HealthCheckDoesNotBlockLifecycle(t *testing.T) {
	m := newTestModule("net")
	inHealth := make(chan struct{})
	release := make(chan struct{})
	m.healthFn = func(ctx context.Context) plugin.HealthStatus {
		close(inHealth)
		<-release
		return plugin.HealthStatus{Status: plugin.StatusHealthy}
	}
	initialize(t, m)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan plugin.HealthStatus, 1)
	go func() { done <- m.HealthCheck(ctx) }()
	<-inHealth

	// A health check in flight must not make lifecycle calls fail fast.
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() during health check error = %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() during health check error = %v", err)
	}
	close(release)
	if status := <-done; status.Status != plugin.StatusHealthy {
		t.Errorf("HealthCheck().Status = %s, want healthy", status.Status)
	}
}

func TestBase_OneLifecycleOperationAtATime(t *testing.T) {
	m := newTestModule("net")
	m.block = make(chan struct{})
	m.entered = make(chan struct{})
	initialize(t, m)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()
	<-m.entered

	if got := m.State(); got != plugin.StateStarting {
		t.Fatalf("State() = %s, want starting", got)
	}
	if err := m.Start(context.Background()); !errors.Is(err, plugin.ErrLifecycleViolation) {
		t.Errorf("concurrent Start() error = %v, want ErrLifecycleViolation", err)
	}
	if status := m.HealthCheck(context.Background()); status.Status != plugin.StatusUnhealthy {
		t.Errorf("HealthCheck() during start = %s, want unhealthy", status.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() during start error = %v, want deadline exceeded", err)
	}

	close(m.block)
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestBase_Cleanup(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t), 10)
	m := newTestModule("net")
	initialize(t, m, plugintest.WithBus(bus))
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := m.On("x.y", func(context.Context, plugin.Event) error { return nil }); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
	if m.cleanups != 1 {
		t.Errorf("OnCleanup calls = %d, want 1", m.cleanups)
	}
	if got := m.State(); got != plugin.StateStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
	if got := bus.Stats().Subscriptions; got != 0 {
		t.Errorf("bus subscriptions = %d, want 0", got)
	}
	if err := m.Start(ctx); !errors.Is(err, plugin.ErrLifecycleViolation) {
		t.Errorf("Start() after Cleanup() error = %v, want ErrLifecycleViolation", err)
	}
}

func TestBase_EmitAndOn(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t), 10)
	ctx := context.Background()

	listener := newTestModule("audit")
	emitter := newTestModule("fw")
	initialize(t, listener, plugintest.WithBus(bus))
	initialize(t, emitter, plugintest.WithBus(bus))
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var got []plugin.Event
	if _, err := listener.On("firewall.*", func(_ context.Context, e plugin.Event) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("On() error = %v", err)
	}

	if err := emitter.Emit(ctx, "firewall.rule.created", map[string]string{"rule": "allow-ssh"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := emitter.Emit(ctx, "system.heartbeat", nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("listener got %d events, want 1", len(got))
	}
	if got[0].PluginID != "fw" || got[0].Severity != plugin.SeverityInfo {
		t.Errorf("event = %+v, want plugin fw with info severity", got[0])
	}

	if err := listener.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	_ = emitter.Emit(ctx, "firewall.rule.deleted", nil)
	if len(got) != 1 {
		t.Errorf("listener got %d events after Stop(), want 1", len(got))
	}
}

func TestBase_EmitBeforeInitialize(t *testing.T) {
	m := newTestModule("net")
	err := m.Emit(context.Background(), "x.y", nil)
	if !errors.Is(err, plugin.ErrLifecycleViolation) {
		t.Errorf("Emit() error = %v, want ErrLifecycleViolation", err)
	}
	if _, err := m.On("x.y", nil); !errors.Is(err, plugin.ErrLifecycleViolation) {
		t.Errorf("On() error = %v, want ErrLifecycleViolation", err)
	}
}

func TestBase_MetadataIsACopy(t *testing.T) {
	m := newTestModule("net")
	meta := m.Metadata()
	meta.Config["k"] = "changed"
	meta.ID = "other"

	again := m.Metadata()
	if again.ID != "net" || again.Config["k"] != "v" {
		t.Errorf("Metadata() = %+v, want unchanged descriptor", again)
	}
	if again.APIVersion != plugin.APIVersionCurrent {
		t.Errorf("APIVersion = %d, want %d", again.APIVersion, plugin.APIVersionCurrent)
	}
}
