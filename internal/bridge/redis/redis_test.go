package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/HerbHall/switchyard/internal/stream"
	"github.com/HerbHall/switchyard/pkg/plugin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	channel string
	payload []byte
}

type fakeClient struct {
	calls  []publishCall
	err    error
	closed int
}

func (c *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	b, _ := message.([]byte)
	c.calls = append(c.calls, publishCall{channel: channel, payload: b})
	cmd := goredis.NewIntCmd(ctx, "publish", channel, message)
	if c.err != nil {
		cmd.SetErr(c.err)
	} else {
		cmd.SetVal(2)
	}
	return cmd
}

func (c *fakeClient) Close() error {
	c.closed++
	if c.closed > 1 {
		return goredis.ErrClosed
	}
	return nil
}

func TestSink_Send(t *testing.T) {
	client := &fakeClient{}
	s := New(client, Config{}, nil)

	err := s.Send(context.Background(), stream.Message{
		Type:      stream.MessageEvent,
		EventID:   "e1",
		EventType: "firewall.rule.created",
		PluginID:  "firewall",
		Severity:  plugin.SeverityInfo,
	})
	require.NoError(t, err)
	require.Len(t, client.calls, 1)
	assert.Equal(t, "switchyard:events:firewall.rule.created", client.calls[0].channel)

	var got stream.Message
	require.NoError(t, json.Unmarshal(client.calls[0].payload, &got))
	assert.Equal(t, "e1", got.EventID)
	assert.Equal(t, "firewall", got.PluginID)
}

func TestSink_SendError(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	s := New(client, Config{Prefix: "lab"}, nil)

	err := s.Send(context.Background(), stream.Message{EventType: "device.updated"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lab:device.updated")
}

func TestSink_Defaults(t *testing.T) {
	s := New(&fakeClient{}, Config{Topic: "firewall"}, nil)
	assert.Equal(t, "firewall", s.StreamTopic())
	assert.Equal(t, "switchyard:events:x.y", s.Channel("x.y"))

	s = New(&fakeClient{}, Config{}, nil)
	assert.Equal(t, "all", s.StreamTopic())
}

func TestSink_CloseIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	s := New(client, Config{}, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 2, client.closed)
}

func TestConnect_RequiresAddress(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, nil)
	require.Error(t, err)
}
