package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Plugin system errors. Structured errors below match these with errors.Is.
var (
	ErrDuplicateRegistration = errors.New("plugin already registered")
	ErrPluginNotFound        = errors.New("plugin not found")
	ErrMissingDependency     = errors.New("plugin dependency not found")
	ErrCircularDependency    = errors.New("circular plugin dependency")
	ErrLifecycleViolation    = errors.New("illegal lifecycle transition")
	ErrHookFailure           = errors.New("plugin hook failed")
	ErrDeliveryFailure       = errors.New("event delivery failed")
	ErrInvalidEvent          = errors.New("invalid event")
)

// LifecycleError reports a lifecycle call made from a state that does not
// allow it. The plugin's state is unchanged.
type LifecycleError struct {
	PluginID string
	Op       string
	State    LifecycleState
	Reason   string
}

func (e *LifecycleError) Error() string {
	msg := fmt.Sprintf("plugin %q: cannot %s from state %s", e.PluginID, e.Op, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *LifecycleError) Unwrap() error { return ErrLifecycleViolation }

// HookError wraps a failure returned (or panicked) by a plugin hook.
type HookError struct {
	PluginID string
	Hook     string
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %q: %s failed: %v", e.PluginID, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

func (e *HookError) Is(target error) bool { return target == ErrHookFailure }

// CycleError names every member of a dependency cycle in traversal order,
// with the first member repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular plugin dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCircularDependency }

// MissingDependencyError reports a hard dependency that is not registered
// or not enabled.
type MissingDependencyError struct {
	PluginID     string
	DependencyID string
	Reason       string // "not registered" or "disabled"
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %q depends on %q which is %s", e.PluginID, e.DependencyID, e.Reason)
}

func (e *MissingDependencyError) Unwrap() error { return ErrMissingDependency }

// DeliveryError records a subscriber or observer that failed to take an event.
type DeliveryError struct {
	Subscriber string
	EventType  string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.EventType, e.Subscriber, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailure }

// InvalidEventError is returned by Publish for events missing required fields.
type InvalidEventError struct {
	Type   string
	Reason string
}

func (e *InvalidEventError) Error() string {
	if e.Type == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event %q: %s", e.Type, e.Reason)
}

func (e *InvalidEventError) Unwrap() error { return ErrInvalidEvent }
