package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action names a manually attributable queue change.
type Action string

const (
	ActionCreate     Action = "create"
	ActionCheckIn    Action = "check_in"
	ActionCall       Action = "call"
	ActionSkip       Action = "skip"
	ActionMarkAbsent Action = "mark_absent"
	ActionReturn     Action = "return"
	ActionReorder    Action = "reorder"
	ActionComplete   Action = "complete"
	ActionCancel     Action = "cancel"
	ActionAutoCancel Action = "auto_cancel"
)

// AuditRecord is one append-only override row. It is diagnostic only; the
// queue never reads it back.
type AuditRecord struct {
	ID             uuid.UUID `json:"id"`
	EntryID        uuid.UUID `json:"entry_id"`
	ClinicID       string    `json:"clinic_id"`
	Actor          string    `json:"actor"`
	Action         Action    `json:"action"`
	Reason         string    `json:"reason,omitempty"`
	PositionBefore *int      `json:"position_before,omitempty"`
	PositionAfter  *int      `json:"position_after,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditLog persists override records.
type AuditLog interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// WaitEstimator supplies an optional predicted wait for an entry.
type WaitEstimator interface {
	Estimate(ctx context.Context, e *Entry) (*WaitEstimate, error)
}

type nopAuditLog struct{}

func (nopAuditLog) Record(context.Context, AuditRecord) error { return nil }
