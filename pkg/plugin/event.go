package plugin

import (
	"context"
	"strings"
	"time"
)

// Severity grades an event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Severities lists the valid severities from least to most severe.
var Severities = []Severity{
	SeverityDebug,
	SeverityInfo,
	SeverityWarning,
	SeverityError,
	SeverityCritical,
}

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity converts a string to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

// Event represents a typed message on the event bus. Events are values:
// the bus copies them and never mutates a published event. Payloads must
// be treated as read-only by every handler.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // dot-namespaced: "firewall.rule.created"
	Timestamp time.Time `json:"timestamp"`
	PluginID  string    `json:"plugin_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Severity  Severity  `json:"severity"`
}

// Validate checks the fields every published event must carry.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return &InvalidEventError{Reason: "event type is empty"}
	}
	if !e.Severity.Valid() {
		return &InvalidEventError{Type: e.Type, Reason: "invalid severity " + string(e.Severity)}
	}
	return nil
}

// Namespace returns the first segment of the event type ("firewall" for
// "firewall.rule.created").
func (e Event) Namespace() string {
	ns, _, _ := strings.Cut(e.Type, ".")
	return ns
}

// EventHandler processes events from the bus. A returned error is recorded
// by the bus and never reaches the publisher.
type EventHandler func(ctx context.Context, event Event) error

// Filter restricts the events a subscription receives. Empty sets match
// everything; non-empty sets must all match.
type Filter struct {
	Types      []string   `json:"types,omitempty"`
	Severities []Severity `json:"severities,omitempty"`
	PluginIDs  []string   `json:"plugin_ids,omitempty"`
}

// TypeFilter returns a filter for the given event types.
func TypeFilter(types ...string) *Filter {
	return &Filter{Types: types}
}

// Matches reports whether e passes the filter. A nil filter matches all events.
func (f *Filter) Matches(e Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 && !matchAnyType(f.Types, e.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if len(f.PluginIDs) > 0 && !containsString(f.PluginIDs, e.PluginID) {
		return false
	}
	return true
}

// MatchType reports whether an event type matches a pattern. Patterns are
// exact types, namespace wildcards ending in ".*", or "*".
func MatchType(pattern, eventType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == eventType
	}
}

func matchAnyType(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if MatchType(p, eventType) {
			return true
		}
	}
	return false
}

func containsSeverity(set []Severity, s Severity) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Publisher sends events to the bus. Use this thin interface in code
// that only needs to emit events (follows io.Writer pattern).
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber registers event handlers. Use this thin interface in code
// that only needs to listen for events.
type Subscriber interface {
	Subscribe(handler EventHandler, filter *Filter) (id string)
	Unsubscribe(id string)
}

// EventBus provides filtered publish/subscribe for inter-plugin
// communication plus introspection of recent traffic.
type EventBus interface {
	Publisher
	Subscriber
	History(limit int) []Event
	Stats() BusStats
}

// BusStats summarizes bus traffic. Counters are cumulative since the bus
// was created and are not affected by history eviction.
type BusStats struct {
	Total           uint64              `json:"total"`
	ByType          map[string]uint64   `json:"by_type"`
	BySeverity      map[Severity]uint64 `json:"by_severity"`
	HandlerFailures uint64              `json:"handler_failures"`
	Subscriptions   int                 `json:"subscriptions"`
	HistorySize     int                 `json:"history_size"`
	HistoryCapacity int                 `json:"history_capacity"`
}
