package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// healthConcurrency bounds concurrent health checks in HealthAll.
const healthConcurrency = 8

// ContextFunc builds the shared context for one plugin.
type ContextFunc func(id string) *plugin.Context

// InitAll resolves dependencies and initializes every enabled plugin in
// dependency order. Resolution errors abort before any plugin is touched.
// A required plugin that fails aborts InitAll; an optional one is skipped
// along with every plugin that hard-depends on it.
func (r *Registry) InitAll(ctx context.Context, contextFn ContextFunc) error {
	order, err := r.ResolveDependencies()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.skipped = make(map[string]bool)
	r.mu.Unlock()

	for _, id := range order {
		e, ok := r.entry(id)
		if !ok {
			continue
		}
		if err := r.checkDependencies(e, "initialize"); err != nil {
			return err
		}
		if r.IsSkipped(id) {
			continue
		}

		pctx := contextFn(id)
		if pctx == nil {
			pctx = &plugin.Context{}
		}
		for _, override := range e.overrides {
			override(pctx)
		}

		r.logger.Info("initializing plugin", zap.String("plugin", id))
		err := r.safeCall(id, "initialize", func() error { return e.plugin.Initialize(ctx, pctx) })
		if err != nil {
			if abort := r.fail(ctx, e, "initialize", err); abort != nil {
				return abort
			}
			continue
		}
		r.publish(ctx, "plugin.initialized", id, plugin.SeverityInfo, nil)
	}
	return nil
}

// StartAll starts every initialized plugin in dependency order, with the
// same failure policy as InitAll.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, id := range r.Order() {
		e, ok := r.entry(id)
		if !ok {
			continue
		}
		if err := r.checkDependencies(e, "start"); err != nil {
			return err
		}
		if r.IsSkipped(id) {
			continue
		}

		r.logger.Info("starting plugin", zap.String("plugin", id))
		err := r.safeCall(id, "start", func() error { return e.plugin.Start(ctx) })
		if err != nil {
			if abort := r.fail(ctx, e, "start", err); abort != nil {
				return abort
			}
			continue
		}
		r.publish(ctx, "plugin.started", id, plugin.SeverityInfo, nil)
	}
	return nil
}

// StopAll stops running plugins in reverse dependency order. Errors are
// logged and never interrupt the remaining stops.
func (r *Registry) StopAll(ctx context.Context) {
	order := r.Order()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		e, ok := r.entry(id)
		if !ok {
			continue
		}
		if s := e.plugin.State(); s != plugin.StateRunning && s != plugin.StateStarting {
			continue
		}
		r.logger.Info("stopping plugin", zap.String("plugin", id))
		if err := r.safeCall(id, "stop", func() error { return e.plugin.Stop(ctx) }); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("plugin", id), zap.Error(err))
		}
		r.publish(ctx, "plugin.stopped", id, plugin.SeverityInfo, nil)
	}
}

// CleanupAll runs Cleanup on every registered plugin in reverse
// registration order. Errors are logged.
func (r *Registry) CleanupAll(ctx context.Context) {
	plugins := r.All()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		id := p.Metadata().ID
		if err := r.safeCall(id, "cleanup", func() error { return p.Cleanup(ctx) }); err != nil {
			r.logger.Error("failed to clean up plugin", zap.String("plugin", id), zap.Error(err))
		}
	}
}

// HealthAll checks every registered plugin concurrently, once each. Checks
// never take a plugin's lifecycle slot, so probing does not interfere with
// a concurrent start or stop.
func (r *Registry) HealthAll(ctx context.Context) map[string]plugin.HealthStatus {
	plugins := r.All()

	var mu sync.Mutex
	result := make(map[string]plugin.HealthStatus, len(plugins))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthConcurrency)
	for _, p := range plugins {
		g.Go(func() error {
			id := p.Metadata().ID
			status := r.safeHealth(gctx, id, p)
			mu.Lock()
			result[id] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (r *Registry) safeHealth(ctx context.Context, id string, p plugin.Plugin) (status plugin.HealthStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("plugin health check panicked", zap.String("plugin", id), zap.Any("panic", rec))
			status = plugin.HealthStatus{
				Status:  plugin.StatusUnhealthy,
				Message: fmt.Sprintf("health check panicked: %v", rec),
			}
		}
	}()
	return p.HealthCheck(ctx)
}

// checkDependencies cascades a skip from failed hard dependencies. A
// required plugin with a failed dependency aborts the drive.
func (r *Registry) checkDependencies(e *entry, phase string) error {
	id := e.meta.ID
	for _, dep := range e.deps {
		if dep.Optional || !r.IsSkipped(dep.ID) {
			continue
		}
		if e.meta.Required {
			return fmt.Errorf("required plugin %q cannot %s: dependency %q failed", id, phase, dep.ID)
		}
		r.logger.Warn("cascade skipping plugin",
			zap.String("plugin", id),
			zap.String("failed_dependency", dep.ID),
		)
		r.markSkipped(id)
		return nil
	}
	return nil
}

// fail records a lifecycle failure. It returns a non-nil error when the
// plugin is required and the drive must abort.
func (r *Registry) fail(ctx context.Context, e *entry, phase string, err error) error {
	id := e.meta.ID
	r.publish(ctx, "plugin.failed", id, plugin.SeverityError, map[string]string{
		"phase": phase,
		"error": err.Error(),
	})
	if e.meta.Required {
		return fmt.Errorf("required plugin %q failed to %s: %w", id, phase, err)
	}
	r.logger.Error("optional plugin failed, skipping",
		zap.String("plugin", id),
		zap.String("phase", phase),
		zap.Error(err),
	)
	r.markSkipped(id)
	return nil
}

func (r *Registry) markSkipped(id string) {
	r.mu.Lock()
	r.skipped[id] = true
	r.mu.Unlock()
}

func (r *Registry) entry(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// safeCall runs a lifecycle method, converting a panic into an error.
func (r *Registry) safeCall(id, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("plugin panicked",
				zap.String("plugin", id),
				zap.String("op", op),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("plugin %q panicked during %s: %v", id, op, rec)
		}
	}()
	return fn()
}
