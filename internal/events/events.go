package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

// TypeTaskFinished is emitted once a Task reaches a terminal status.
const TypeTaskFinished = "task.finished"

// Event is an in-process message between Requester components. The payload
// is kept as JSON so emitters do not depend on their consumers' packages.
type Event struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type selects the payload shape
	Type string `json:"type"`

	// Payload contains the type-specific data serialized as JSON
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// NewEvent creates an Event with the specified type and payload.
func NewEvent(eventType string, payload any) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Payload:   payloadBytes,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// TaskFinished is the payload of TypeTaskFinished. It carries enough of the
// Task for handlers to address its requester without a store lookup.
type TaskFinished struct {
	TaskID      uuid.UUID         `json:"task_id"`
	Kind        string            `json:"kind"`
	Name        string            `json:"name,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
	PipelineID  *uuid.UUID        `json:"pipeline_id,omitempty"`
	Status      domain.TaskStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
}

// NewTaskFinished builds a TypeTaskFinished event for task.
func NewTaskFinished(task *domain.Task) (*Event, error) {
	return NewEvent(TypeTaskFinished, TaskFinished{
		TaskID:      task.ID,
		Kind:        task.Kind,
		PipelineID:  task.PipelineID,
		Status:      task.Status,
		Name:        task.Name,
		RequestedBy: task.RequestedBy,
		Error:       task.Error,
	})
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *Event) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}
