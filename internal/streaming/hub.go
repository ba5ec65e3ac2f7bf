package streaming

import "context"

// StreamEvent is a real-time event emitted during workflow execution.
// Notify steps publish with EventType "notification" and a
// Notification payload; lifecycle transitions publish their event
// type with an arbitrary payload.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id,omitempty"`
	EventType   string `json:"event_type"`
	Payload     any    `json:"payload,omitempty"`
}

// Notification is the payload of a notify step's stream event.
type Notification struct {
	Variant string `json:"variant"` // info | success | warning | error
	Message string `json:"message"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
