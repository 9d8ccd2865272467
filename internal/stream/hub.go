// Package stream relays event bus traffic to long-lived remote observers
// (WebSocket clients and message-broker bridges).
package stream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/switchyard/pkg/plugin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink delivers messages to one remote observer. Send is only ever called
// from the observer's own writer goroutine.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Config controls per-observer buffering and failure handling.
type Config struct {
	QueueSize              int           `mapstructure:"queue_size"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	WriteTimeout           time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:              256,
		MaxConsecutiveFailures: 5,
		WriteTimeout:           5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Connection describes an attached observer.
type Connection struct {
	ID       string         `json:"id"`
	Topic    string         `json:"topic"`
	Filter   *plugin.Filter `json:"filter,omitempty"`
	Remote   string         `json:"remote,omitempty"`
	OpenedAt time.Time      `json:"opened_at"`
	Sent     uint64         `json:"sent"`
	Dropped  uint64         `json:"dropped"`
	Failures uint64         `json:"consecutive_failures"`
}

// Stats summarizes hub traffic since creation.
type Stats struct {
	Connections int    `json:"connections"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
	Failures    uint64 `json:"send_failures"`
	Evicted     uint64 `json:"evicted"`
}

// AttachOption customizes Attach.
type AttachOption func(*attachOptions)

type attachOptions struct {
	history int
	remote  string
}

// WithHistory replays up to n recent matching events before live traffic.
func WithHistory(n int) AttachOption {
	return func(o *attachOptions) { o.history = n }
}

// WithRemote records the observer's remote address.
func WithRemote(addr string) AttachOption {
	return func(o *attachOptions) { o.remote = addr }
}

type observer struct {
	id       string
	topic    string
	topicF   *plugin.Filter
	filter   *plugin.Filter
	remote   string
	openedAt time.Time
	sink     Sink
	queue    chan Message
	done     chan struct{}
	once     sync.Once

	// replayed holds ids sent from history; written only before the
	// observer is visible to dispatch.
	replayed map[string]struct{}

	sent     atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64 // consecutive
}

func (o *observer) matches(e plugin.Event) bool {
	return o.topicF.Matches(e) && o.filter.Matches(e)
}

func (o *observer) connection() Connection {
	return Connection{
		ID:       o.id,
		Topic:    o.topic,
		Filter:   o.filter,
		Remote:   o.remote,
		OpenedAt: o.openedAt,
		Sent:     o.sent.Load(),
		Dropped:  o.dropped.Load(),
		Failures: o.failures.Load(),
	}
}

// Hub fans bus events out to observers. It holds one bus subscription;
// the bus handler only performs non-blocking enqueues, so a slow or broken
// observer never delays the publisher or other observers.
type Hub struct {
	bus    plugin.EventBus
	logger *zap.Logger
	cfg    Config
	subID  string

	mu        sync.RWMutex
	observers map[string]*observer
	closed    bool

	wg sync.WaitGroup

	sent     atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
	evicted  atomic.Uint64
}

// NewHub creates a hub subscribed to every event on bus.
func NewHub(bus plugin.EventBus, logger *zap.Logger, cfg Config) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		bus:       bus,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		observers: make(map[string]*observer),
	}
	h.subID = bus.Subscribe(h.dispatch, nil)
	return h
}

// Attach registers sink as an observer of topic, narrowed by filter (nil for
// everything on the topic). Matching events published after Attach returns
// are delivered in publish order.
func (h *Hub) Attach(sink Sink, topic string, filter *plugin.Filter, opts ...AttachOption) string {
	var o attachOptions
	for _, opt := range opts {
		opt(&o)
	}
	if topic == "" {
		topic = TopicAll
	}

	obs := &observer{
		id:       uuid.NewString(),
		topic:    topic,
		topicF:   TopicFilter(topic),
		filter:   filter,
		remote:   o.remote,
		openedAt: time.Now().UTC(),
		sink:     sink,
		queue:    make(chan Message, h.cfg.QueueSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = sink.Close()
		return obs.id
	}
	if o.history > 0 {
		h.replay(obs, o.history)
	}
	h.observers[obs.id] = obs
	h.wg.Add(1)
	h.mu.Unlock()

	connectionsGauge.Inc()
	go h.writeLoop(obs)

	h.logger.Debug("stream observer attached",
		zap.String("id", obs.id),
		zap.String("topic", topic),
		zap.String("remote", obs.remote),
	)
	return obs.id
}

// replay enqueues recent matching events. Called with h.mu held so no live
// event can reach the observer first.
func (h *Hub) replay(obs *observer, n int) {
	var matching []plugin.Event
	for _, e := range h.bus.History(0) {
		if obs.matches(e) {
			matching = append(matching, e)
		}
	}
	if len(matching) > n {
		matching = matching[len(matching)-n:]
	}
	obs.replayed = make(map[string]struct{}, len(matching))
	for _, e := range matching {
		select {
		case obs.queue <- NewMessage(MessageHistory, e):
			obs.replayed[e.ID] = struct{}{}
		default:
			obs.dropped.Add(1)
		}
	}
}

// Detach stops forwarding to an observer and closes its sink. Returns
// false if the id is unknown or already detached.
func (h *Hub) Detach(id string) bool {
	return h.remove(id, "detached")
}

// Connections lists attached observers, oldest first.
func (h *Hub) Connections() []Connection {
	h.mu.RLock()
	conns := make([]Connection, 0, len(h.observers))
	for _, o := range h.observers {
		conns = append(conns, o.connection())
	}
	h.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		if conns[i].OpenedAt.Equal(conns[j].OpenedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].OpenedAt.Before(conns[j].OpenedAt)
	})
	return conns
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.observers)
	h.mu.RUnlock()
	return Stats{
		Connections: n,
		Sent:        h.sent.Load(),
		Dropped:     h.dropped.Load(),
		Failures:    h.failures.Load(),
		Evicted:     h.evicted.Load(),
	}
}

// Close unsubscribes from the bus, detaches every observer and waits for
// writer goroutines to exit.
func (h *Hub) Close() {
	h.bus.Unsubscribe(h.subID)

	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.observers))
	for id := range h.observers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.remove(id, "hub closed")
	}
	h.wg.Wait()
}

// dispatch is the bus handler.
func (h *Hub) dispatch(_ context.Context, e plugin.Event) error {
	msg := NewMessage(MessageEvent, e)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range h.observers {
		if !o.matches(e) {
			continue
		}
		if _, seen := o.replayed[e.ID]; seen {
			continue
		}
		select {
		case o.queue <- msg:
		default:
			o.dropped.Add(1)
			h.dropped.Add(1)
			messagesDropped.WithLabelValues("queue_full").Inc()
			h.logger.Debug("observer queue full, dropping message",
				zap.String("id", o.id),
				zap.String("event_type", e.Type),
			)
		}
	}
	return nil
}

func (h *Hub) writeLoop(o *observer) {
	defer h.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case msg := <-o.queue:
			select {
			case <-o.done:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			err := o.sink.Send(ctx, msg)
			cancel()
			if err != nil {
				n := o.failures.Add(1)
				h.failures.Add(1)
				messagesDropped.WithLabelValues("send_failed").Inc()
				h.logger.Debug("stream send failed",
					zap.String("id", o.id),
					zap.Uint64("consecutive", n),
					zap.Error(err),
				)
				if n >= uint64(h.cfg.MaxConsecutiveFailures) {
					h.logger.Warn("evicting stream observer after repeated send failures",
						zap.String("id", o.id),
						zap.String("remote", o.remote),
						zap.Uint64("failures", n),
					)
					if h.remove(o.id, "evicted") {
						h.evicted.Add(1)
					}
					return
				}
				continue
			}
			o.failures.Store(0)
			o.sent.Add(1)
			h.sent.Add(1)
			messagesSent.Inc()
		}
	}
}

func (h *Hub) remove(id, reason string) bool {
	h.mu.Lock()
	o, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	o.once.Do(func() { close(o.done) })
	connectionsGauge.Dec()
	if err := o.sink.Close(); err != nil {
		h.logger.Debug("closing stream sink", zap.String("id", id), zap.Error(err))
	}
	h.logger.Debug("stream observer removed", zap.String("id", id), zap.String("reason", reason))
	return true
}
