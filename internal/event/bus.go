// Package event provides an in-memory implementation of the plugin.EventBus interface.
package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/switchyard/pkg/plugin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHistorySize is the history capacity used when none is configured.
const DefaultHistorySize = 1000

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

// Bus is an in-memory event bus implementing plugin.EventBus.
// Publish is synchronous: when it returns, every matching handler has
// returned. Handlers run in the publisher's goroutine in subscription order.
type Bus struct {
	logger *zap.Logger

	mu         sync.RWMutex
	subs       []*subscription // registration order
	history    *ring
	total      uint64
	byType     map[string]uint64
	bySeverity map[plugin.Severity]uint64

	failures atomic.Uint64
}

type subscription struct {
	id      string
	filter  *plugin.Filter
	handler plugin.EventHandler

	// cancelled stops delivery of events already snapshotted by an
	// in-flight Publish.
	cancelled atomic.Bool
}

// NewBus creates a new in-memory event bus keeping the last historySize
// events. A non-positive size selects DefaultHistorySize.
func NewBus(logger *zap.Logger, historySize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		logger:     logger,
		history:    newRing(historySize),
		byType:     make(map[string]uint64),
		bySeverity: make(map[plugin.Severity]uint64),
	}
}

// Publish validates the event, stamps its ID and timestamp when absent,
// records it, and dispatches it to all matching handlers. Handler failures
// are logged and counted; they are never returned to the publisher.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history.push(event)
	b.total++
	b.byType[event.Type]++
	b.bySeverity[event.Severity]++
	matching := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Matches(event) {
			matching = append(matching, s)
		}
	}
	b.mu.Unlock()

	eventsPublished.WithLabelValues(string(event.Severity)).Inc()

	for _, s := range matching {
		if s.cancelled.Load() {
			continue
		}
		b.safeCall(ctx, s, event)
	}
	return nil
}

// Subscribe registers a handler. A nil filter receives every event.
func (b *Bus) Subscribe(handler plugin.EventHandler, filter *plugin.Filter) string {
	s := &subscription{
		id:      uuid.NewString(),
		filter:  filter,
		handler: handler,
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			s.cancelled.Store(true)
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// History returns up to limit of the most recent events, oldest first.
// A non-positive limit returns the whole buffer.
func (b *Bus) History(limit int) []plugin.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.last(limit)
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() plugin.BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byType := make(map[string]uint64, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	bySeverity := make(map[plugin.Severity]uint64, len(b.bySeverity))
	for k, v := range b.bySeverity {
		bySeverity[k] = v
	}
	return plugin.BusStats{
		Total:           b.total,
		ByType:          byType,
		BySeverity:      bySeverity,
		HandlerFailures: b.failures.Load(),
		Subscriptions:   len(b.subs),
		HistorySize:     b.history.len(),
		HistoryCapacity: b.history.cap(),
	}
}

func (b *Bus) safeCall(ctx context.Context, s *subscription, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.recordFailure(s, event, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := s.handler(ctx, event); err != nil {
		b.recordFailure(s, event, err)
	}
}

func (b *Bus) recordFailure(s *subscription, event plugin.Event, err error) {
	b.failures.Add(1)
	handlerFailures.Inc()
	b.logger.Warn("event handler failed",
		zap.String("event_id", event.ID),
		zap.String("plugin_id", event.PluginID),
		zap.Error(&plugin.DeliveryError{Subscriber: s.id, EventType: event.Type, Err: err}),
	)
}
