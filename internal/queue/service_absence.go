package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// MarkPatientAbsent takes a pre-service patient out of selection and opens an
// absence with a grace deadline. A zero gracePeriod uses the clinic policy.
func (s *Service) MarkPatientAbsent(ctx context.Context, entryID uuid.UUID, actor, reason string, gracePeriod time.Duration) (updated *Entry, err error) {
	const op = "mark absent"
	ctx, done := s.start(ctx, "mark_absent", attribute.String("clinicqueue.entry_id", entryID.String()))
	defer func() { done(err) }()

	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if gracePeriod < 0 {
		return nil, validationError(op, "grace period must not be negative")
	}
	entry, err := s.load(ctx, op, entryID)
	if err != nil {
		return nil, err
	}
	switch {
	case entry.Status.Terminal():
		return nil, ruleError(op, entryID, fmt.Sprintf("entry is %s", entry.Status))
	case entry.Status == StatusInProgress:
		return nil, ruleError(op, entryID, "entry is already in progress")
	case entry.IsAbsent():
		return nil, conflictError(op, entryID, "patient is already marked absent")
	}

	policy, err := s.policy(ctx, entry.ClinicID)
	if err != nil {
		return nil, err
	}
	if gracePeriod == 0 {
		gracePeriod = policy.GracePeriod
	}

	now := s.now()
	deadline := now.Add(gracePeriod)
	entry.IsPresent = false
	entry.SkipReason = SkipPatientAbsent
	entry.MarkedAbsentAt = timePtr(now)
	entry.ReturnedAt = nil
	entry.OverrideBy = actor
	entry.UpdatedAt = now

	absence := &Absence{
		ID:                uuid.New(),
		EntryID:           entry.ID,
		ClinicID:          entry.ClinicID,
		Reason:            reason,
		MarkedAbsentAt:    now,
		GracePeriodEndsAt: timePtr(deadline),
	}
	updated, err = s.store.UpdateWithAbsence(ctx, entry, absence)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}

	s.record(ctx, AuditRecord{
		EntryID:        updated.ID,
		ClinicID:       updated.ClinicID,
		Actor:          actor,
		Action:         ActionMarkAbsent,
		Reason:         reason,
		PositionBefore: intPtr(updated.QueuePosition),
		PositionAfter:  intPtr(updated.QueuePosition),
	})
	evt := newEvent(EventMarkedAbsent, updated, actor, now)
	evt.GracePeriodEndsAt = timePtr(deadline)
	s.publish(ctx, evt)
	return updated, nil
}

// MarkPatientReturned puts an absent patient back in the queue at the tail of
// the clinic-day. No other entry moves.
func (s *Service) MarkPatientReturned(ctx context.Context, entryID uuid.UUID, actor string) (updated *Entry, err error) {
	const op = "mark returned"
	ctx, done := s.start(ctx, "mark_returned", attribute.String("clinicqueue.entry_id", entryID.String()))
	defer func() { done(err) }()

	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	entry, err := s.load(ctx, op, entryID)
	if err != nil {
		return nil, err
	}
	switch {
	case entry.Status.Terminal():
		return nil, ruleError(op, entryID, fmt.Sprintf("entry is %s", entry.Status))
	case entry.MarkedAbsentAt == nil:
		return nil, ruleError(op, entryID, "patient was never marked absent")
	case entry.ReturnedAt != nil:
		return nil, ruleError(op, entryID, "patient has already returned")
	}

	policy, err := s.policy(ctx, entry.ClinicID)
	if err != nil {
		return nil, err
	}
	loc := policy.Location()
	day := DayOf(entry.StartTime, loc)
	position, err := s.allocator.NextPosition(ctx, entry.ClinicID, day, loc)
	if err != nil {
		return nil, err
	}

	absence, err := s.store.OpenAbsence(ctx, entry.ID)
	if err != nil && !errors.Is(err, ErrAbsenceNotFound) {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}

	now := s.now()
	before := entry.QueuePosition
	entry.QueuePosition = position
	entry.IsPresent = true
	entry.Status = StatusWaiting
	entry.SkipReason = SkipNone
	entry.ReturnedAt = timePtr(now)
	if entry.CheckedInAt == nil {
		entry.CheckedInAt = timePtr(now)
	}
	entry.OverrideBy = actor
	entry.UpdatedAt = now
	if absence != nil {
		absence.ReturnedAt = timePtr(now)
	}

	updated, err = s.store.Reinsert(ctx, entry, absence, day.Window(loc))
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}

	s.record(ctx, AuditRecord{
		EntryID:        updated.ID,
		ClinicID:       updated.ClinicID,
		Actor:          actor,
		Action:         ActionReturn,
		PositionBefore: intPtr(before),
		PositionAfter:  intPtr(updated.QueuePosition),
	})
	evt := newEvent(EventReturned, updated, actor, now)
	evt.PreviousPosition = before
	s.publish(ctx, evt)
	return updated, nil
}

// ExpireAbsences cancels entries whose absence grace period ended at or before
// asOf, for clinics whose policy auto-cancels. An empty clinicID sweeps every
// clinic. The queue never calls this itself; a caller polls it.
func (s *Service) ExpireAbsences(ctx context.Context, clinicID string, asOf time.Time, actor string) (cancelled []*Entry, err error) {
	const op = "expire absences"
	ctx, done := s.start(ctx, "expire_absences", attribute.String("clinicqueue.clinic_id", clinicID))
	defer func() { done(err) }()

	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}

	expired, err := s.store.ListExpiredAbsences(ctx, clinicID, asOf)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}

	policies := make(map[string]Policy)
	for _, absence := range expired {
		policy, ok := policies[absence.ClinicID]
		if !ok {
			policy, err = s.policy(ctx, absence.ClinicID)
			if err != nil {
				return cancelled, err
			}
			policies[absence.ClinicID] = policy
		}
		if !policy.AutoCancelOnExpiry {
			continue
		}

		entry, err := s.store.GetEntry(ctx, absence.EntryID)
		if err != nil {
			return cancelled, fmt.Errorf("queue: %s: %w", op, err)
		}
		if entry.Status.Terminal() || !entry.IsAbsent() {
			continue
		}

		now := s.now()
		previous := entry.Status
		entry.Status = StatusCancelled
		entry.OverrideBy = actor
		entry.UpdatedAt = now
		absence.AutoCancelled = true
		absence.AutoCancelledAt = timePtr(now)

		updated, err := s.store.UpdateWithAbsence(ctx, entry, absence)
		if errors.Is(err, ErrStaleEntry) {
			s.logger.Warn("absence expiry skipped, entry changed concurrently", "entry_id", entry.ID)
			continue
		}
		if err != nil {
			return cancelled, fmt.Errorf("queue: %s: %w", op, err)
		}

		s.record(ctx, AuditRecord{
			EntryID:        updated.ID,
			ClinicID:       updated.ClinicID,
			Actor:          actor,
			Action:         ActionAutoCancel,
			Reason:         "absence grace period expired",
			PositionBefore: intPtr(updated.QueuePosition),
			PositionAfter:  intPtr(updated.QueuePosition),
		})
		evt := newEvent(EventStatusChanged, updated, actor, now)
		evt.PreviousStatus = previous
		evt.GracePeriodEndsAt = cloneTime(absence.GracePeriodEndsAt)
		s.publish(ctx, evt)
		cancelled = append(cancelled, updated)
	}

	s.metrics.ObserveExpired(len(cancelled))
	if len(cancelled) > 0 {
		s.logger.Info("absences expired", "clinic_id", clinicID, "cancelled", len(cancelled))
	}
	return cancelled, nil
}
