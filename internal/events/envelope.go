// Package events moves queue domain events to listeners outside the
// process: a transactional outbox, Redis pub/sub and SQS.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-queue/internal/queue"
)

// Envelope captures transport metadata for a queue event.
type Envelope struct {
	EventID         uuid.UUID       `json:"event_id"`
	EventType       string          `json:"event_type"`
	Aggregate       string          `json:"aggregate"`
	TimestampMicros int64           `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
}

var (
	errMissingClinic = errors.New("events: clinic id is required")
	nowFunc          = time.Now
)

// NewEnvelope wraps evt for the wire. The aggregate is the clinic so
// consumers can partition by it.
func NewEnvelope(evt queue.Event) (Envelope, error) {
	if strings.TrimSpace(evt.ClinicID) == "" {
		return Envelope{}, errMissingClinic
	}
	if evt.Type == "" {
		return Envelope{}, fmt.Errorf("events: event type missing")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := evt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	ts := evt.OccurredAt
	if ts.IsZero() {
		ts = nowFunc()
	}
	return Envelope{
		EventID:         id,
		EventType:       string(evt.Type),
		Aggregate:       "clinic:" + evt.ClinicID,
		TimestampMicros: ts.UTC().UnixMicro(),
		Payload:         payload,
	}, nil
}

// Event decodes the payload back into a queue event.
func (e Envelope) Event() (queue.Event, error) {
	var evt queue.Event
	if err := json.Unmarshal(e.Payload, &evt); err != nil {
		return queue.Event{}, fmt.Errorf("events: decode payload: %w", err)
	}
	return evt, nil
}
