package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of history event.
type EventType string

const (
	EventStart         EventType = "start"
	EventStop          EventType = "stop"
	EventAdopt         EventType = "adopt"
	EventCommandFailed EventType = "command_failed"
	EventLifecycle     EventType = "lifecycle"
)

// Event is one service or container transition exported to external systems.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	Service     string    `json:"service,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
	Action      string    `json:"action,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NewEvent stamps a fresh id and the current UTC time.
func NewEvent(t EventType, service, containerID string) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		OccurredAt:  time.Now().UTC(),
		Service:     service,
		ContainerID: containerID,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
