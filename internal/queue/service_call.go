package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// CallNextPatient moves the next eligible patient for the staff member's day
// to in_progress. With skipAbsent false only the nominal head of the queue may
// be called; otherwise absent or not-yet-arrived patients are passed over and
// their skip count grows.
//
// A staff member sees one patient at a time: while a visit is in progress the
// call is rejected and the visit must be completed first.
func (s *Service) CallNextPatient(ctx context.Context, clinicID, staffID string, day Day, actor string, skipAbsent bool) (called *Entry, err error) {
	const op = "call next"
	ctx, done := s.start(ctx, "call_next",
		attribute.String("clinicqueue.clinic_id", clinicID),
		attribute.String("clinicqueue.staff_id", staffID),
		attribute.String("clinicqueue.day", day.String()),
		attribute.Bool("clinicqueue.skip_absent", skipAbsent),
	)
	defer func() { done(err) }()

	if strings.TrimSpace(clinicID) == "" || strings.TrimSpace(staffID) == "" {
		return nil, validationError(op, "clinic id and staff id are required")
	}
	if day.IsZero() {
		return nil, validationError(op, "day is required")
	}
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}

	policy, err := s.policy(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	strategy := StrategyFor(policy, day)
	scope := day.Window(policy.Location())

	for attempt := 0; ; attempt++ {
		now := s.now()
		entries, err := s.staffDay(ctx, clinicID, staffID, scope)
		if err != nil {
			return nil, fmt.Errorf("queue: %s: %w", op, err)
		}

		pending := make([]*Entry, 0, len(entries))
		for _, e := range entries {
			if e.Status == StatusInProgress {
				return nil, ruleError(op, e.ID, "complete the current visit before calling the next patient")
			}
			if e.Status.PreService() {
				pending = append(pending, e)
			}
		}
		if len(pending) == 0 {
			return nil, ErrQueueEmpty
		}
		strategy.Order(pending)
		nominal := pending[0]

		chosen, ok := strategy.SelectNext(pending, now)
		if !ok || (!skipAbsent && chosen.ID != nominal.ID) {
			return nil, &NoEligibleError{StaffID: staffID, Day: day, Pending: len(pending), Nominal: nominal}
		}

		var bypassed []uuid.UUID
		for _, e := range pending {
			if e.ID == chosen.ID {
				break
			}
			bypassed = append(bypassed, e.ID)
		}

		res, err := s.store.ClaimNext(ctx, ClaimRequest{
			EntryID:  chosen.ID,
			StaffID:  staffID,
			StaffDay: scope,
			Bypassed: bypassed,
			Actor:    actor,
			Now:      now,
		})
		// A lost claim or a visit started concurrently: re-read and reselect.
		if errors.Is(err, ErrConflict) {
			if attempt >= s.claimRetries {
				return nil, conflictError(op, chosen.ID, "lost the claim to a concurrent call; retry")
			}
			s.metrics.ObserveClaimRetry()
			s.logger.Debug("call next claim lost, reselecting", "staff_id", staffID, "entry_id", chosen.ID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: %s: %w", op, err)
		}

		s.afterClaim(ctx, res.Called, chosen.Status, len(bypassed), actor, now)
		return res.Called, nil
	}
}

func (s *Service) afterClaim(ctx context.Context, called *Entry, previous Status, skipped int, actor string, now time.Time) {
	rec := AuditRecord{
		EntryID:        called.ID,
		ClinicID:       called.ClinicID,
		Actor:          actor,
		Action:         ActionCall,
		PositionBefore: intPtr(called.QueuePosition),
		PositionAfter:  intPtr(called.QueuePosition),
	}
	if skipped > 0 {
		rec.Reason = fmt.Sprintf("bypassed %d entries ahead", skipped)
	}
	s.record(ctx, rec)

	evt := newEvent(EventCalled, called, actor, now)
	evt.PreviousStatus = previous
	s.publish(ctx, evt)

	s.logger.Info("patient called", "entry_id", called.ID, "staff_id", called.StaffID, "position", called.QueuePosition, "skipped", skipped)
}
