package stream

import (
	"time"

	"github.com/HerbHall/switchyard/pkg/plugin"
)

// MessageType discriminates stream messages.
type MessageType string

const (
	MessageEvent   MessageType = "event"   // live bus event
	MessageHistory MessageType = "history" // replayed from bus history on attach
)

// Message is the envelope for everything sent to an observer.
type Message struct {
	Type      MessageType     `json:"type"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	PluginID  string          `json:"plugin_id,omitempty"`
	Severity  plugin.Severity `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Data      any             `json:"data,omitempty"`
}

// NewMessage wraps a bus event.
func NewMessage(t MessageType, e plugin.Event) Message {
	return Message{
		Type:      t,
		EventID:   e.ID,
		EventType: e.Type,
		PluginID:  e.PluginID,
		Severity:  e.Severity,
		Timestamp: e.Timestamp,
		Data:      e.Payload,
	}
}
