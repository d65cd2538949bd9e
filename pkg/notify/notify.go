// Package notify publishes conversation events to a message broker so
// external systems (CRM, operator consoles) can react without polling.
package notify

import (
	"context"
	"time"
)

// EventKind names a published event.
type EventKind string

const (
	EventHumanTransferRequested EventKind = "human-transfer-requested"
	EventEnrollmentCompleted    EventKind = "enrollment-completed"
	EventAppointmentBooked      EventKind = "appointment-booked"
	EventInstanceStatusChanged  EventKind = "instance-status-changed"
)

// Meta carries the envelope identifiers of an event.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Event is the broker envelope. Payload content depends on Kind.
type Event struct {
	Meta       Meta           `json:"meta"`
	Kind       EventKind      `json:"kind"`
	TenantID   string         `json:"tenant_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Publisher delivers events to external consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
