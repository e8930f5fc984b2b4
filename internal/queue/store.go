package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable home of queue entries and absences. Implementations
// must make each method atomic; the service relies on that for its
// concurrency guarantees.
type Store interface {
	PositionSource

	// CreateEntry inserts e, assigning QueuePosition as max+1 within the
	// clinic's scope under the scope lock.
	CreateEntry(ctx context.Context, e *Entry, scope Window) (*Entry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListClinicDay(ctx context.Context, clinicID string, scope Window) ([]*Entry, error)
	ListStaffDay(ctx context.Context, staffID string, scope Window) ([]*Entry, error)

	// UpdateEntry writes e only if the stored version still equals e.Version,
	// returning ErrStaleEntry otherwise.
	UpdateEntry(ctx context.Context, e *Entry) (*Entry, error)

	// UpdateWithAbsence is UpdateEntry plus an upsert of a, in one transaction.
	UpdateWithAbsence(ctx context.Context, e *Entry, a *Absence) (*Entry, error)

	// ClaimNext moves one entry to in_progress if it is still callable,
	// completing the staff member's current in_progress entry and bumping
	// the skip count of bypassed entries.
	ClaimNext(ctx context.Context, req ClaimRequest) (*ClaimResult, error)

	// Reinsert writes a returned entry at the tail of its scope. The proposed
	// position is raised if another writer appended first.
	Reinsert(ctx context.Context, e *Entry, a *Absence, scope Window) (*Entry, error)

	// Reposition moves e to e.QueuePosition; an active entry already holding
	// that position in the scope takes e's previous position.
	Reposition(ctx context.Context, e *Entry, scope Window) (*RepositionResult, error)

	OpenAbsence(ctx context.Context, entryID uuid.UUID) (*Absence, error)
	ListExpiredAbsences(ctx context.Context, clinicID string, asOf time.Time) ([]*Absence, error)
}

// ClaimRequest describes one call-next transition.
type ClaimRequest struct {
	EntryID  uuid.UUID
	StaffID  string
	StaffDay Window
	Bypassed []uuid.UUID
	Actor    string
	Now      time.Time
}

// ClaimResult is the outcome of a successful claim.
type ClaimResult struct {
	Called *Entry
}

// RepositionResult is the outcome of a manual reorder.
type RepositionResult struct {
	Moved     *Entry
	Displaced *Entry
}
