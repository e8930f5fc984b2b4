package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a queue domain event.
type EventType string

const (
	EventAdded           EventType = "queue.entry.added"
	EventCheckedIn       EventType = "queue.entry.checked_in"
	EventCalled          EventType = "queue.entry.called"
	EventMarkedAbsent    EventType = "queue.entry.marked_absent"
	EventReturned        EventType = "queue.entry.returned"
	EventStatusChanged   EventType = "queue.entry.status_changed"
	EventPositionChanged EventType = "queue.entry.position_changed"
)

// Event is a fire-and-forget notification of a queue change.
type Event struct {
	ID                uuid.UUID  `json:"id"`
	Type              EventType  `json:"type"`
	ClinicID          string     `json:"clinic_id"`
	StaffID           string     `json:"staff_id"`
	EntryID           uuid.UUID  `json:"entry_id"`
	Status            Status     `json:"status"`
	PreviousStatus    Status     `json:"previous_status,omitempty"`
	Position          int        `json:"position"`
	PreviousPosition  int        `json:"previous_position,omitempty"`
	DisplacedEntryID  *uuid.UUID `json:"displaced_entry_id,omitempty"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`
	Actor             string     `json:"actor,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// Publisher delivers events to listeners. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func newEvent(t EventType, e *Entry, actor string, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		ClinicID:   e.ClinicID,
		StaffID:    e.StaffID,
		EntryID:    e.ID,
		Status:     e.Status,
		Position:   e.QueuePosition,
		Actor:      actor,
		OccurredAt: at,
	}
}
