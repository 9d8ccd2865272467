package mqtt

import (
	"testing"

	"github.com/HerbHall/switchyard/internal/event"
	"github.com/HerbHall/switchyard/internal/stream"
	"go.uber.org/zap/zaptest"
)

func newHub(t *testing.T) (*stream.Hub, *event.Bus) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := event.NewBus(logger, 10)
	hub := stream.NewHub(bus, logger, stream.Config{})
	t.Cleanup(hub.Close)
	return hub, bus
}
