// ABOUTME: Event types and constructors for the gateway's internal event bus.
// ABOUTME: Events are immutable once published and carry a typed payload map.

package events

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies an event for subscription matching.
type Type string

// Event types published by the gateway core and platform adapters.
const (
	TypeMessageReceived      Type = "message_received"
	TypeMessageSent          Type = "message_sent"
	TypePlatformConnected    Type = "platform_connected"
	TypePlatformDisconnected Type = "platform_disconnected"
	TypeErrorOccurred        Type = "error_occurred"
	TypeHealthCheck          Type = "health_check"
	TypeCustom               Type = "custom"
)

// Event is one occurrence flowing through the bus. Treat it as immutable
// after publishing: subscribers run concurrently and share the same value.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New creates an event with a generated id and the current timestamp.
func New(t Type, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
	}
}
