package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Hooks are the module-specific steps Base runs during lifecycle transitions.
type Hooks interface {
	OnInitialize(ctx context.Context) error
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

// Cleaner is implemented by hooks that hold resources beyond Stop.
type Cleaner interface {
	OnCleanup(ctx context.Context) error
}

// Compile-time interface guard.
var _ Plugin = (*Base)(nil)

// Base implements the lifecycle state machine shared by all modules.
// Modules embed *Base and pass themselves as Hooks:
//
//	func New() *Module {
//	    m := &Module{}
//	    m.Base = plugin.NewBase(plugin.Metadata{ID: "net", ...}, m)
//	    return m
//	}
//
// Base must be created with NewBase.
type Base struct {
	meta  Metadata
	deps  []Dependency
	hooks Hooks

	// op is a one-slot semaphore: at most one lifecycle hook runs at a time.
	op chan struct{}

	mu      sync.RWMutex
	state   LifecycleState
	pctx    *Context
	lastErr error
	subs    []string
	cleaned bool

	healthTimeout time.Duration
}

// NewBase creates a Base in the uninitialized state.
func NewBase(meta Metadata, hooks Hooks, deps ...Dependency) *Base {
	if hooks == nil {
		hooks = noopHooks{}
	}
	if meta.APIVersion == 0 {
		meta.APIVersion = APIVersionCurrent
	}
	return &Base{
		meta:  meta,
		deps:  append([]Dependency(nil), deps...),
		hooks: hooks,
		op:    make(chan struct{}, 1),
		state: StateUninitialized,

		healthTimeout: DefaultHealthTimeout,
	}
}

// Metadata returns a copy of the plugin descriptor.
func (b *Base) Metadata() Metadata {
	m := b.meta
	if b.meta.Config != nil {
		m.Config = make(map[string]any, len(b.meta.Config))
		for k, v := range b.meta.Config {
			m.Config[k] = v
		}
	}
	return m
}

// Dependencies returns the declared dependencies.
func (b *Base) Dependencies() []Dependency {
	return append([]Dependency(nil), b.deps...)
}

// State returns the current lifecycle state.
func (b *Base) State() LifecycleState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// LastError returns the most recent hook failure, or nil.
func (b *Base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Context returns the shared context stored by Initialize.
func (b *Base) Context() *Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pctx
}

// Logger returns the plugin's logger, or a no-op logger before Initialize.
func (b *Base) Logger() *zap.Logger {
	if pctx := b.Context(); pctx != nil && pctx.Logger != nil {
		return pctx.Logger
	}
	return zap.NewNop()
}

// Config returns the plugin's config slice, or nil before Initialize.
func (b *Base) Config() Config {
	if pctx := b.Context(); pctx != nil {
		return pctx.Config
	}
	return nil
}

// Tools returns no tools. Modules override it to expose capabilities.
func (b *Base) Tools() []Tool { return nil }

// Resources returns no resources.
func (b *Base) Resources() []Resource { return nil }

// Prompts returns no prompts.
func (b *Base) Prompts() []Prompt { return nil }

// Initialize stores the context and runs OnInitialize. Legal from
// uninitialized, and from error to recover a failed plugin.
func (b *Base) Initialize(ctx context.Context, pctx *Context) error {
	if pctx == nil {
		return fmt.Errorf("plugin %q: initialize: nil context", b.meta.ID)
	}
	if !b.tryAcquire() {
		return b.busy("initialize")
	}
	defer b.release()

	if err := b.transition("initialize", StateInitializing, StateUninitialized, StateError); err != nil {
		return err
	}
	b.mu.Lock()
	b.pctx = pctx
	b.mu.Unlock()

	err := b.callHook(ctx, "initialize", b.hooks.OnInitialize)
	b.finish(err, StateInitialized)
	return err
}

// Start runs OnStart. Legal from initialized, or from stopped to restart.
func (b *Base) Start(ctx context.Context) error {
	if !b.tryAcquire() {
		return b.busy("start")
	}
	defer b.release()

	if err := b.transition("start", StateStarting, StateInitialized, StateStopped); err != nil {
		return err
	}
	err := b.callHook(ctx, "start", b.hooks.OnStart)
	b.finish(err, StateRunning)
	return err
}

// Stop runs OnStop and always leaves the plugin stopped, even when the hook
// fails; the hook error is recorded and returned. Stop waits for an
// in-flight Initialize or Start to finish, bounded by ctx.
func (b *Base) Stop(ctx context.Context) error {
	if b.State() == StateStopping {
		return b.violation("stop", StateStopping, "stop already in progress")
	}
	if err := b.acquire(ctx); err != nil {
		return fmt.Errorf("plugin %q: stop: %w", b.meta.ID, err)
	}
	defer b.release()
	return b.stopLocked(ctx)
}

func (b *Base) stopLocked(ctx context.Context) error {
	if err := b.transition("stop", StateStopping, StateRunning, StateStarting); err != nil {
		return err
	}
	err := b.callHook(ctx, "stop", b.hooks.OnStop)
	b.removeSubscriptions()

	b.mu.Lock()
	b.state = StateStopped
	if err != nil {
		b.lastErr = err
	}
	b.mu.Unlock()
	return err
}

// DefaultHealthTimeout bounds a single OnHealthCheck call.
const DefaultHealthTimeout = 5 * time.Second

// SetHealthTimeout changes the OnHealthCheck bound. Non-positive values
// restore DefaultHealthTimeout.
func (b *Base) SetHealthTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultHealthTimeout
	}
	b.mu.Lock()
	b.healthTimeout = d
	b.mu.Unlock()
}

// HealthCheck reports health without ever failing. While running, hooks
// implementing HealthChecker decide; otherwise the plugin is unhealthy.
// It does not take the lifecycle slot, so probing never blocks or fails a
// concurrent Initialize, Start or Stop. A transitional state reports
// unhealthy without calling the hook.
func (b *Base) HealthCheck(ctx context.Context) HealthStatus {
	b.mu.RLock()
	state, lastErr, cleaned, timeout := b.state, b.lastErr, b.cleaned, b.healthTimeout
	b.mu.RUnlock()

	details := map[string]string{"state": string(state)}
	switch {
	case cleaned:
		return HealthStatus{Status: StatusUnhealthy, Message: "plugin cleaned up", Details: details}
	case state == StateError:
		msg := "plugin in error state"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		return HealthStatus{Status: StatusUnhealthy, Message: msg, Details: details}
	case state != StateRunning:
		return HealthStatus{Status: StatusUnhealthy, Message: "plugin is " + string(state), Details: details}
	}

	hc, ok := b.hooks.(HealthChecker)
	if !ok {
		return HealthStatus{Status: StatusHealthy, Details: details}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so a hook that ignores ctx can finish after we give up.
	result := make(chan HealthStatus, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- HealthStatus{
					Status:  StatusUnhealthy,
					Message: fmt.Sprintf("health check panicked: %v", r),
					Details: details,
				}
			}
		}()
		result <- hc.OnHealthCheck(ctx)
	}()

	select {
	case status := <-result:
		if status.Status == "" {
			status.Status = StatusHealthy
		}
		return status
	case <-ctx.Done():
		return HealthStatus{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("health check did not finish: %v", ctx.Err()),
			Details: details,
		}
	}
}

// Cleanup stops the plugin if it is running, runs OnCleanup when the hooks
// implement Cleaner, and drops every subscription. Safe to call repeatedly.
// After Cleanup every lifecycle call fails with ErrLifecycleViolation.
func (b *Base) Cleanup(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return fmt.Errorf("plugin %q: cleanup: %w", b.meta.ID, err)
	}
	defer b.release()

	b.mu.RLock()
	cleaned, state := b.cleaned, b.state
	b.mu.RUnlock()
	if cleaned {
		return nil
	}

	var stopErr, cleanErr error
	if state == StateRunning || state == StateStarting {
		stopErr = b.stopLocked(ctx)
	}
	if c, ok := b.hooks.(Cleaner); ok {
		cleanErr = b.callHook(ctx, "cleanup", c.OnCleanup)
	}
	b.removeSubscriptions()

	b.mu.Lock()
	b.cleaned = true
	b.mu.Unlock()
	return errors.Join(stopErr, cleanErr)
}

// Emit publishes an info-level event tagged with this plugin's id.
func (b *Base) Emit(ctx context.Context, eventType string, payload any) error {
	return b.EmitWithSeverity(ctx, eventType, SeverityInfo, payload)
}

// EmitWithSeverity publishes an event with an explicit severity.
func (b *Base) EmitWithSeverity(ctx context.Context, eventType string, severity Severity, payload any) error {
	bus := b.bus()
	if bus == nil {
		return b.violation("emit", b.State(), "no event bus (not initialized)")
	}
	return bus.Publish(ctx, Event{
		Type:     eventType,
		PluginID: b.meta.ID,
		Payload:  payload,
		Severity: severity,
	})
}

// On subscribes handler to one event type (or namespace pattern such as
// "firewall.*"). The subscription is removed automatically on Stop and Cleanup.
func (b *Base) On(eventType string, handler EventHandler) (string, error) {
	return b.OnFilter(TypeFilter(eventType), handler)
}

// OnFilter is On with an arbitrary filter.
func (b *Base) OnFilter(filter *Filter, handler EventHandler) (string, error) {
	bus := b.bus()
	if bus == nil {
		return "", b.violation("subscribe", b.State(), "no event bus (not initialized)")
	}
	id := bus.Subscribe(handler, filter)
	b.mu.Lock()
	b.subs = append(b.subs, id)
	b.mu.Unlock()
	return id, nil
}

// Off removes one subscription created by On.
func (b *Base) Off(id string) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	bus := b.busLocked()
	b.mu.Unlock()
	if bus != nil {
		bus.Unsubscribe(id)
	}
}

// SubscriptionCount returns the number of live subscriptions created by On.
func (b *Base) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Base) bus() EventBus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.busLocked()
}

func (b *Base) busLocked() EventBus {
	if b.pctx == nil {
		return nil
	}
	return b.pctx.Bus
}

func (b *Base) removeSubscriptions() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	bus := b.busLocked()
	b.mu.Unlock()
	if bus == nil {
		return
	}
	for _, id := range subs {
		bus.Unsubscribe(id)
	}
}

// transition moves to the transitional state `to` if the current state is
// one of allowed. Must be called with the op semaphore held.
func (b *Base) transition(op string, to LifecycleState, allowed ...LifecycleState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaned {
		return &LifecycleError{PluginID: b.meta.ID, Op: op, State: b.state, Reason: "plugin cleaned up"}
	}
	for _, s := range allowed {
		if b.state == s {
			b.state = to
			return nil
		}
	}
	return &LifecycleError{PluginID: b.meta.ID, Op: op, State: b.state}
}

// finish records the hook outcome of Initialize or Start.
func (b *Base) finish(err error, success LifecycleState) {
	if err != nil {
		b.removeSubscriptions()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.state = StateError
		b.lastErr = err
		return
	}
	b.state = success
	b.lastErr = nil
}

func (b *Base) callHook(ctx context.Context, hook string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{PluginID: b.meta.ID, Hook: hook, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if hookErr := fn(ctx); hookErr != nil {
		return &HookError{PluginID: b.meta.ID, Hook: hook, Err: hookErr}
	}
	return nil
}

func (b *Base) violation(op string, state LifecycleState, reason string) error {
	return &LifecycleError{PluginID: b.meta.ID, Op: op, State: state, Reason: reason}
}

func (b *Base) busy(op string) error {
	return b.violation(op, b.State(), "another lifecycle operation is in progress")
}

func (b *Base) tryAcquire() bool {
	select {
	case b.op <- struct{}{}:
		return true
	default:
		return false
	}
}

func (b *Base) acquire(ctx context.Context) error {
	select {
	case b.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Base) release() {
	<-b.op
}

type noopHooks struct{}

func (noopHooks) OnInitialize(context.Context) error { return nil }
func (noopHooks) OnStart(context.Context) error      { return nil }
func (noopHooks) OnStop(context.Context) error       { return nil }
