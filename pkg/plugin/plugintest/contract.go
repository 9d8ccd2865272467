// Package plugintest provides shared contract tests that verify any
// plugin.Plugin implementation behaves correctly. Every module's test
// file should call TestPluginContract to ensure conformance.
package plugintest

import (
	"context"
	"errors"
	"testing"

	"github.com/HerbHall/switchyard/pkg/plugin"
)

// TestPluginContract runs a suite of behavioral contract tests against
// any plugin.Plugin implementation. Call this from each module's _test.go:
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, func() plugin.Plugin { return system.New() })
//	}
//
// Options adjust the context handed to Initialize, e.g. to install a fake
// executor or config values the module needs to start.
func TestPluginContract(t *testing.T, factory func() plugin.Plugin, opts ...Option) {
	t.Helper()

	t.Run("Metadata_is_valid", func(t *testing.T) {
		meta := factory().Metadata()
		if meta.ID == "" {
			t.Error("Metadata().ID must not be empty")
		}
		if meta.Name == "" {
			t.Error("Metadata().Name must not be empty")
		}
		if meta.Version == "" {
			t.Error("Metadata().Version must not be empty")
		}
		if meta.APIVersion < plugin.APIVersionMin || meta.APIVersion > plugin.APIVersionCurrent {
			t.Errorf("Metadata().APIVersion = %d, want in [%d, %d]",
				meta.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
		}
	})

	t.Run("Metadata_is_idempotent", func(t *testing.T) {
		p := factory()
		a, b := p.Metadata(), p.Metadata()
		if a.ID != b.ID || a.Version != b.Version || a.Category != b.Category {
			t.Error("Metadata() must return consistent results")
		}
	})

	t.Run("New_plugin_is_uninitialized", func(t *testing.T) {
		if got := factory().State(); got != plugin.StateUninitialized {
			t.Errorf("State() = %s, want %s", got, plugin.StateUninitialized)
		}
	})

	t.Run("Start_before_Initialize_is_violation", func(t *testing.T) {
		p := factory()
		err := p.Start(context.Background())
		if !errors.Is(err, plugin.ErrLifecycleViolation) {
			t.Fatalf("Start() error = %v, want ErrLifecycleViolation", err)
		}
		if got := p.State(); got != plugin.StateUninitialized {
			t.Errorf("State() after violation = %s, want %s", got, plugin.StateUninitialized)
		}
	})

	t.Run("Initialize_succeeds", func(t *testing.T) {
		p := factory()
		if err := p.Initialize(context.Background(), NewContext(t, p.Metadata().ID, opts...)); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if got := p.State(); got != plugin.StateInitialized {
			t.Errorf("State() = %s, want %s", got, plugin.StateInitialized)
		}
	})

	t.Run("Stop_from_initialized_is_violation", func(t *testing.T) {
		p := factory()
		mustInitialize(t, p, opts...)
		err := p.Stop(context.Background())
		if !errors.Is(err, plugin.ErrLifecycleViolation) {
			t.Fatalf("Stop() error = %v, want ErrLifecycleViolation", err)
		}
		if got := p.State(); got != plugin.StateInitialized {
			t.Errorf("State() after violation = %s, want %s", got, plugin.StateInitialized)
		}
	})

	t.Run("Start_Stop_Restart", func(t *testing.T) {
		p := factory()
		mustInitialize(t, p, opts...)
		ctx := context.Background()

		if err := p.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if got := p.State(); got != plugin.StateRunning {
			t.Fatalf("State() = %s, want %s", got, plugin.StateRunning)
		}
		if status := p.HealthCheck(ctx); status.Status == "" {
			t.Error("HealthCheck().Status must not be empty")
		}
		if err := p.Stop(ctx); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if got := p.State(); got != plugin.StateStopped {
			t.Fatalf("State() = %s, want %s", got, plugin.StateStopped)
		}
		if err := p.Start(ctx); err != nil {
			t.Fatalf("restart Start() error = %v", err)
		}
		_ = p.Cleanup(ctx)
	})

	t.Run("Cleanup_is_idempotent_and_final", func(t *testing.T) {
		p := factory()
		mustInitialize(t, p, opts...)
		ctx := context.Background()
		if err := p.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := p.Cleanup(ctx); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
		if got := p.State(); got == plugin.StateRunning {
			t.Error("State() after Cleanup() = running, want stopped")
		}
		if err := p.Cleanup(ctx); err != nil {
			t.Fatalf("second Cleanup() error = %v", err)
		}
		err := p.Initialize(ctx, NewContext(t, p.Metadata().ID, opts...))
		if !errors.Is(err, plugin.ErrLifecycleViolation) {
			t.Errorf("Initialize() after Cleanup() error = %v, want ErrLifecycleViolation", err)
		}
	})

	t.Run("HealthCheck_never_fails_when_not_running", func(t *testing.T) {
		p := factory()
		if status := p.HealthCheck(context.Background()); status.Healthy() {
			t.Errorf("HealthCheck() before Initialize = %s, want not healthy", status.Status)
		}
	})

	t.Run("Capabilities_are_well_formed", func(t *testing.T) {
		p := factory()
		seen := make(map[string]bool)
		for _, tool := range p.Tools() {
			if tool.Name == "" || tool.Handler == nil {
				t.Errorf("tool %+v must have a name and a handler", tool)
			}
			if seen[tool.Name] {
				t.Errorf("duplicate tool name %q", tool.Name)
			}
			seen[tool.Name] = true
		}
		for _, r := range p.Resources() {
			if r.URI == "" || r.Read == nil {
				t.Errorf("resource %q must have a URI and a reader", r.Name)
			}
		}
		for _, pr := range p.Prompts() {
			if pr.Name == "" || pr.Render == nil {
				t.Errorf("prompt %+v must have a name and a renderer", pr)
			}
		}
	})
}

func mustInitialize(t *testing.T, p plugin.Plugin, opts ...Option) {
	t.Helper()
	if err := p.Initialize(context.Background(), NewContext(t, p.Metadata().ID, opts...)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
}
