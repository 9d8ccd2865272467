package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/switchyard/internal/stream"
	"github.com/HerbHall/switchyard/pkg/plugin"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap/zaptest"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error, complete bool) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	err          error
	hang         bool
	pubs         []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := payload.([]byte)
	c.pubs = append(c.pubs, published{topic: topic, retained: retained, payload: b})
	return newToken(c.err, !c.hang)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func msg(eventType, pluginID string, data any) stream.Message {
	return stream.Message{
		Type:      stream.MessageEvent,
		EventID:   "evt-1",
		EventType: eventType,
		PluginID:  pluginID,
		Severity:  plugin.SeverityInfo,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Data:      data,
	}
}

func TestSink_Topic(t *testing.T) {
	tests := []struct {
		prefix    string
		eventType string
		want      string
	}{
		{"switchyard", "firewall.rule.created", "switchyard/firewall/rule/created"},
		{"switchyard", "system.heartbeat", "switchyard/system/heartbeat"},
		{"homelab/net", "device.unreachable", "homelab/net/device/unreachable"},
		{"", "plugin.failed", "switchyard/plugin/failed"},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			s := New(&fakeClient{}, Config{TopicPrefix: tt.prefix}, nil)
			if got := s.Topic(tt.eventType); got != tt.want {
				t.Errorf("Topic(%q) = %q, want %q", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestSink_SendPublishesJSON(t *testing.T) {
	client := &fakeClient{connected: true}
	s := New(client, DefaultConfig(), zaptest.NewLogger(t))

	if err := s.Send(context.Background(), msg("firewall.rule.created", "firewall", map[string]string{"rule": "allow-dns"})); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(client.pubs) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.pubs))
	}
	p := client.pubs[0]
	if p.topic != "switchyard/firewall/rule/created" {
		t.Errorf("topic = %q, want switchyard/firewall/rule/created", p.topic)
	}
	if p.retained {
		t.Error("event publish retained, want not retained")
	}
	var got stream.Message
	if err := json.Unmarshal(p.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.EventType != "firewall.rule.created" || got.PluginID != "firewall" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSink_SendErrors(t *testing.T) {
	tests := []struct {
		name    string
		client  *fakeClient
		timeout time.Duration
		wantErr error
	}{
		{name: "not connected", client: &fakeClient{}, wantErr: ErrNotConnected},
		{name: "broker error", client: &fakeClient{connected: true, err: errors.New("not authorized")}},
		{name: "publish hangs past deadline", client: &fakeClient{connected: true, hang: true}, timeout: 10 * time.Millisecond, wantErr: context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}
			err := New(tt.client, DefaultConfig(), nil).Send(ctx, msg("device.updated", "", nil))
			if err == nil {
				t.Fatal("Send() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSink_HADiscovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HADiscovery = true

	tests := []struct {
		name       string
		msg        stream.Message
		wantTopics []string
		wantState  string
	}{
		{
			name: "host reachable",
			msg:  msg("device.reachable", "reachability", map[string]any{"host": "10.0.0.1", "rtt_ms": 1.5}),
			wantTopics: []string{
				"switchyard/device/reachable",
				"homeassistant/binary_sensor/switchyard_10_0_0_1/reachable/config",
				"switchyard/device/10_0_0_1/reachable",
			},
			wantState: "ON",
		},
		{
			name: "typed payload unreachable",
			msg: msg("device.unreachable", "reachability", struct {
				Host string `json:"host"`
			}{Host: "nas.lan"}),
			wantTopics: []string{
				"switchyard/device/unreachable",
				"homeassistant/binary_sensor/switchyard_nas_lan/reachable/config",
				"switchyard/device/nas_lan/reachable",
			},
			wantState: "OFF",
		},
		{
			name: "plugin failed",
			msg:  msg("plugin.failed", "remote", map[string]string{"phase": "start"}),
			wantTopics: []string{
				"switchyard/plugin/failed",
				"homeassistant/binary_sensor/switchyard_plugin_remote/problem/config",
				"switchyard/plugin/remote/problem",
			},
			wantState: "ON",
		},
		{
			name: "plugin started clears problem",
			msg:  msg("plugin.started", "remote", nil),
			wantTopics: []string{
				"switchyard/plugin/started",
				"switchyard/plugin/remote/problem",
			},
			wantState: "OFF",
		},
		{
			name:       "unrelated event",
			msg:        msg("system.heartbeat", "system", nil),
			wantTopics: []string{"switchyard/system/heartbeat"},
		},
		{
			name:       "reachability without host",
			msg:        msg("device.reachable", "reachability", map[string]any{}),
			wantTopics: []string{"switchyard/device/reachable"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{connected: true}
			s := New(client, cfg, zaptest.NewLogger(t))
			if err := s.Send(context.Background(), tt.msg); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if len(client.pubs) != len(tt.wantTopics) {
				t.Fatalf("published %d messages, want %d: %+v", len(client.pubs), len(tt.wantTopics), client.pubs)
			}
			for i, want := range tt.wantTopics {
				if client.pubs[i].topic != want {
					t.Errorf("pubs[%d].topic = %q, want %q", i, client.pubs[i].topic, want)
				}
			}
			if tt.wantState != "" {
				last := client.pubs[len(client.pubs)-1]
				if string(last.payload) != tt.wantState || !last.retained {
					t.Errorf("state = %q (retained %v), want %q retained", last.payload, last.retained, tt.wantState)
				}
			}
		})
	}
}

func TestSink_PluginUnregisteredRemovesSensor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HADiscovery = true
	client := &fakeClient{connected: true}
	s := New(client, cfg, nil)

	if err := s.Send(context.Background(), msg("plugin.unregistered", "remote", nil)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	last := client.pubs[len(client.pubs)-1]
	if last.topic != "homeassistant/binary_sensor/switchyard_plugin_remote/problem/config" {
		t.Errorf("topic = %q", last.topic)
	}
	if len(last.payload) != 0 {
		t.Errorf("removal payload = %q, want empty", last.payload)
	}
}

func TestSink_Close(t *testing.T) {
	client := &fakeClient{connected: true}
	s := New(client, DefaultConfig(), nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !client.disconnected {
		t.Error("Close() did not disconnect the client")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestConnect_RequiresBrokerURL(t *testing.T) {
	if _, err := Connect(Config{}, nil); err == nil {
		t.Error("Connect() with empty broker URL error = nil, want error")
	}
}

func TestSink_AttachedToHubEvictedWhenDisconnected(t *testing.T) {
	hub, bus := newHub(t)
	client := &fakeClient{}
	s := New(client, DefaultConfig(), nil)
	hub.Attach(s, s.StreamTopic(), nil)

	for range 5 {
		if err := bus.Publish(context.Background(), plugin.Event{Type: "device.updated", Severity: plugin.SeverityInfo}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for hub.Stats().Evicted != 1 {
		if time.Now().After(deadline) {
			t.Fatal("bridge was not evicted after repeated failures")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
