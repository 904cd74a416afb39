// Package bus provides the event bus carrying progress events from the
// engine's components to the streaming hub and any external subscribers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published by the engine. The streaming hub forwards these
// verbatim as SSE event names.
const (
	EventTaskProgress     = "task_progress"
	EventContainerStarted = "container_started"
	EventContainerStopped = "container_stopped"
	EventContainerLogs    = "container_logs"
	EventDiffCreated      = "diff_created"
	EventTaskCreated      = "task_created"
	EventTaskCompleted    = "task_completed"
	EventRepoActivity     = "repo_activity"
)

// SubjectPrefix is the subject namespace for all engine events.
const SubjectPrefix = "parallelwork.events."

// SubjectAll matches every engine event subject.
const SubjectAll = SubjectPrefix + ">"

// Subject returns the bus subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the interface shared by the in-memory and NATS-backed buses.
// Subjects use NATS conventions, including the * and > wildcards.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus and releases all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
