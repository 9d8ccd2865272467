package plugintest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/switchyard/internal/cache"
	"github.com/HerbHall/switchyard/internal/config"
	"github.com/HerbHall/switchyard/internal/event"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap/zaptest"
)

// Option adjusts a test context.
type Option func(*plugin.Context)

// WithConfig sets the plugin's config slice from a flat key/value map.
func WithConfig(values map[string]any) Option {
	return func(c *plugin.Context) {
		v := viper.New()
		for k, val := range values {
			v.Set(k, val)
		}
		c.Config = config.New(v)
	}
}

// WithBus replaces the default bus.
func WithBus(bus plugin.EventBus) Option {
	return func(c *plugin.Context) { c.Bus = bus }
}

// WithExecutor replaces the default executor.
func WithExecutor(e plugin.Executor) Option {
	return func(c *plugin.Context) { c.Executor = e }
}

// WithDevice replaces the default device client.
func WithDevice(d plugin.DeviceClient) Option {
	return func(c *plugin.Context) { c.Device = d }
}

// WithResolver sets the plugin lookup.
func WithResolver(r plugin.Resolver) Option {
	return func(c *plugin.Context) { c.Plugins = r }
}

// NewContext builds a plugin context backed by a real event bus, an
// in-memory cache and state store, and recording device/executor fakes.
func NewContext(t testing.TB, id string, opts ...Option) *plugin.Context {
	t.Helper()
	logger := zaptest.NewLogger(t).Named(id)
	mem := cache.NewMemory(time.Minute)
	t.Cleanup(mem.Close)

	c := &plugin.Context{
		Device:   &Device{},
		Executor: &Executor{},
		Bus:      event.NewBus(logger.Named("event"), 100),
		Cache:    mem,
		State:    NewState(),
		Logger:   logger,
		Config:   config.New(nil),
		Plugins:  Resolver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolver is a static plugin lookup.
type Resolver map[string]plugin.Plugin

func (r Resolver) GetPlugin(id string) (plugin.Plugin, bool) {
	p, ok := r[id]
	return p, ok
}

// State is an in-memory plugin.StateStore.
type State struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewState returns an empty State.
func NewState() *State {
	return &State{data: make(map[string][]byte)}
}

func (s *State) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[namespace+"/"+key]
	return v, ok, nil
}

func (s *State) Set(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[namespace+"/"+key] = append([]byte(nil), value...)
	return nil
}

func (s *State) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, namespace+"/"+key)
	return nil
}

// Device records requests and answers from Responses, keyed "METHOD path".
// Unknown requests return an empty JSON object.
type Device struct {
	mu        sync.Mutex
	Responses map[string]json.RawMessage
	Requests  []string
}

func (d *Device) Do(_ context.Context, method, path string, _ any) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := method + " " + path
	d.Requests = append(d.Requests, key)
	if resp, ok := d.Responses[key]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

// Executor records commands. RunFunc, when set, produces the result.
type Executor struct {
	mu       sync.Mutex
	RunFunc  func(command string) (plugin.ExecResult, error)
	Commands []string
}

func (e *Executor) Run(_ context.Context, command string) (plugin.ExecResult, error) {
	e.mu.Lock()
	e.Commands = append(e.Commands, command)
	fn := e.RunFunc
	e.mu.Unlock()
	if fn != nil {
		return fn(command)
	}
	return plugin.ExecResult{Command: command, Stdout: fmt.Sprintf("ran %s\n", command)}, nil
}
