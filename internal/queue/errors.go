package queue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing entry or an empty selection.
	ErrNotFound = errors.New("not found")

	// ErrBusinessRule marks an operation the entry's current state does not allow.
	ErrBusinessRule = errors.New("business rule violated")

	// ErrConflict marks an operation that would repeat an already-applied state.
	ErrConflict = errors.New("conflict")
)

var (
	// ErrEntryNotFound is returned by stores when an entry id is unknown.
	ErrEntryNotFound = fmt.Errorf("queue entry %w", ErrNotFound)

	// ErrAbsenceNotFound is returned by stores when an entry has no open absence.
	ErrAbsenceNotFound = fmt.Errorf("absence record %w", ErrNotFound)

	// ErrQueueEmpty is returned when the staff member has no entries for the day.
	ErrQueueEmpty = fmt.Errorf("queue is empty: %w", ErrNotFound)

	// ErrStaleEntry is returned by stores when a conditional write lost a race.
	ErrStaleEntry = fmt.Errorf("queue entry changed concurrently: %w", ErrConflict)

	// ErrClaimLost is returned by ClaimNext when the chosen entry is no longer callable.
	ErrClaimLost = fmt.Errorf("entry is no longer callable: %w", ErrConflict)

	// ErrVisitInProgress is returned by ClaimNext when the staff member already
	// has a visit in progress for the day.
	ErrVisitInProgress = fmt.Errorf("staff member has a visit in progress: %w", ErrConflict)
)

// Error is a typed failure raised by the service. Kind is one of the four
// sentinel errors above and is what errors.Is matches.
type Error struct {
	Kind    error
	Op      string
	EntryID uuid.UUID
	Message string
}

func (e *Error) Error() string {
	if e.EntryID != uuid.Nil {
		return fmt.Sprintf("queue: %s %s: %s: %s", e.Op, e.EntryID, e.Kind, e.Message)
	}
	return fmt.Sprintf("queue: %s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func validationError(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Message: msg}
}

func ruleError(op string, id uuid.UUID, msg string) error {
	return &Error{Kind: ErrBusinessRule, Op: op, EntryID: id, Message: msg}
}

func conflictError(op string, id uuid.UUID, msg string) error {
	return &Error{Kind: ErrConflict, Op: op, EntryID: id, Message: msg}
}

// NoEligibleError is returned by CallNextPatient when the day has entries but
// none can be called. Nominal is the entry that would be next if present, so a
// caller can offer to mark that patient present or absent.
type NoEligibleError struct {
	StaffID string
	Day     Day
	Pending int
	Nominal *Entry
}

func (e *NoEligibleError) Error() string {
	return fmt.Sprintf("queue: call next: no eligible patient for staff %s on %s (%d pending)", e.StaffID, e.Day, e.Pending)
}

func (e *NoEligibleError) Unwrap() error {
	return ErrNotFound
}

// KindOf returns the sentinel kind of err, or nil for infrastructure failures.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrBusinessRule, ErrConflict} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
