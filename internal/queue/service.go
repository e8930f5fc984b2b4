package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-queue/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

var queueTracer = otel.Tracer("clinicqueue.internal.queue")

const defaultClaimRetries = 3

// Service is the only entry point for queue mutations. It holds no queue
// state of its own; every call re-reads the store.
type Service struct {
	store        Store
	policies     PolicyProvider
	allocator    *Allocator
	audit        AuditLog
	publisher    Publisher
	estimator    WaitEstimator
	metrics      *metrics.QueueMetrics
	logger       *logging.Logger
	now          func() time.Time
	claimRetries int
}

// Schedule is a staff member's day as the clinic's discipline orders it.
type Schedule struct {
	ClinicID string   `json:"clinic_id"`
	StaffID  string   `json:"staff_id"`
	Day      string   `json:"day"`
	Mode     Mode     `json:"mode"`
	Entries  []*Entry `json:"entries"`
}

// NewService wires the queue service. audit and publisher may be nil.
func NewService(store Store, policies PolicyProvider, audit AuditLog, publisher Publisher, logger *logging.Logger) *Service {
	if store == nil {
		panic("queue: store required")
	}
	if policies == nil {
		policies = NewStaticPolicies(DefaultPolicy())
	}
	if audit == nil {
		audit = nopAuditLog{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:        store,
		policies:     policies,
		allocator:    NewAllocator(store),
		audit:        audit,
		publisher:    publisher,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		claimRetries: defaultClaimRetries,
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithEstimator attaches an optional wait-time estimator used at creation.
func (s *Service) WithEstimator(estimator WaitEstimator) *Service {
	s.estimator = estimator
	return s
}

// WithMetrics attaches prometheus metrics.
func (s *Service) WithMetrics(m *metrics.QueueMetrics) *Service {
	s.metrics = m
	return s
}

// WithClaimRetries bounds how often CallNextPatient re-selects after losing a race.
func (s *Service) WithClaimRetries(n int) *Service {
	if n >= 0 {
		s.claimRetries = n
	}
	return s
}

// CreateAppointment books an appointment or registers a walk-in. The store
// assigns the queue position atomically.
func (s *Service) CreateAppointment(ctx context.Context, d Draft, actor string) (created *Entry, err error) {
	const op = "create appointment"
	ctx, done := s.start(ctx, "create",
		attribute.String("clinicqueue.clinic_id", d.ClinicID),
		attribute.String("clinicqueue.staff_id", d.StaffID),
		attribute.Bool("clinicqueue.walk_in", d.IsWalkIn),
	)
	defer func() { done(err) }()

	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	d.ClinicID = strings.TrimSpace(d.ClinicID)
	d.StaffID = strings.TrimSpace(d.StaffID)
	d.PatientID = strings.TrimSpace(d.PatientID)
	d.GuestID = strings.TrimSpace(d.GuestID)
	if d.ClinicID == "" || d.StaffID == "" {
		return nil, validationError(op, "clinic id and staff id are required")
	}
	if (d.PatientID == "") == (d.GuestID == "") {
		return nil, validationError(op, "exactly one of patient id or guest id is required")
	}

	policy, err := s.policy(ctx, d.ClinicID)
	if err != nil {
		return nil, err
	}
	apptType := strings.TrimSpace(d.AppointmentType)
	if apptType == "" {
		apptType = policy.DefaultAppointmentType(d.IsWalkIn)
	} else if !policy.AllowsAppointmentType(apptType) {
		return nil, validationError(op, fmt.Sprintf("appointment type %q is not offered by this clinic", apptType))
	}

	now := s.now()
	start, end := d.StartTime, d.EndTime
	if d.IsWalkIn && start.IsZero() {
		start = now
	}
	if start.IsZero() {
		return nil, validationError(op, "start time is required")
	}
	if !d.IsWalkIn && !start.After(now) {
		return nil, validationError(op, "start time must be in the future")
	}
	if end.IsZero() {
		end = start.Add(policy.DefaultDuration)
	}
	if !start.Before(end) {
		return nil, validationError(op, "start time must be before end time")
	}

	entry := &Entry{
		ID:              uuid.New(),
		ClinicID:        d.ClinicID,
		StaffID:         d.StaffID,
		PatientID:       d.PatientID,
		GuestID:         d.GuestID,
		AppointmentType: apptType,
		IsWalkIn:        d.IsWalkIn,
		StartTime:       start.UTC(),
		EndTime:         end.UTC(),
		Status:          StatusScheduled,
		OverrideBy:      actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if d.IsWalkIn {
		entry.Status = StatusWaiting
		entry.IsPresent = true
		entry.CheckedInAt = timePtr(now)
	}
	if s.estimator != nil {
		estimate, estErr := s.estimator.Estimate(ctx, entry)
		if estErr != nil {
			s.logger.Warn("wait estimate unavailable", "clinic_id", entry.ClinicID, "error", estErr)
		} else {
			entry.WaitEstimate = estimate
		}
	}

	loc := policy.Location()
	created, err = s.store.CreateEntry(ctx, entry, DayOf(entry.StartTime, loc).Window(loc))
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}

	s.record(ctx, AuditRecord{
		EntryID:       created.ID,
		ClinicID:      created.ClinicID,
		Actor:         actor,
		Action:        ActionCreate,
		PositionAfter: intPtr(created.QueuePosition),
	})
	s.publish(ctx, newEvent(EventAdded, created, actor, now))
	s.logger.Info("queue entry created", "entry_id", created.ID, "clinic_id", created.ClinicID, "position", created.QueuePosition, "walk_in", created.IsWalkIn)
	return created, nil
}

// CheckInPatient marks a booked patient as arrived.
func (s *Service) CheckInPatient(ctx context.Context, entryID uuid.UUID, actor string) (updated *Entry, err error) {
	const op = "check in"
	ctx, done := s.start(ctx, "check_in", attribute.String("clinicqueue.entry_id", entryID.String()))
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
	case entry.Status == StatusInProgress:
		return nil, ruleError(op, entryID, "entry is already in progress")
	case entry.IsAbsent():
		return nil, ruleError(op, entryID, "patient is marked absent; mark them returned instead")
	}

	now := s.now()
	previous := entry.Status
	entry.Status = StatusWaiting
	entry.IsPresent = true
	entry.CheckedInAt = timePtr(now)
	entry.OverrideBy = actor
	entry.UpdatedAt = now

	updated, err = s.store.UpdateEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}

	s.record(ctx, AuditRecord{
		EntryID:        updated.ID,
		ClinicID:       updated.ClinicID,
		Actor:          actor,
		Action:         ActionCheckIn,
		PositionBefore: intPtr(updated.QueuePosition),
		PositionAfter:  intPtr(updated.QueuePosition),
	})
	evt := newEvent(EventCheckedIn, updated, actor, now)
	evt.PreviousStatus = previous
	s.publish(ctx, evt)
	return updated, nil
}

// CompleteAppointment finishes the visit currently in progress.
func (s *Service) CompleteAppointment(ctx context.Context, entryID uuid.UUID, actor string) (updated *Entry, err error) {
	const op = "complete"
	ctx, done := s.start(ctx, "complete", attribute.String("clinicqueue.entry_id", entryID.String()))
	defer func() { done(err) }()

	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	entry, err := s.load(ctx, op, entryID)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case StatusCompleted:
		return nil, conflictError(op, entryID, "entry is already completed")
	case StatusCancelled:
		return nil, ruleError(op, entryID, "entry is cancelled")
	case StatusInProgress:
	default:
		return nil, ruleError(op, entryID, fmt.Sprintf("entry is %s, not in progress", entry.Status))
	}

	now := s.now()
	entry.Status = StatusCompleted
	entry.ActualEndTime = timePtr(now)
	entry.OverrideBy = actor
	entry.UpdatedAt = now

	updated, err = s.store.UpdateEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}

	s.record(ctx, AuditRecord{
		EntryID:        updated.ID,
		ClinicID:       updated.ClinicID,
		Actor:          actor,
		Action:         ActionComplete,
		PositionBefore: intPtr(updated.QueuePosition),
		PositionAfter:  intPtr(updated.QueuePosition),
	})
	evt := newEvent(EventStatusChanged, updated, actor, now)
	evt.PreviousStatus = StatusInProgress
	s.publish(ctx, evt)
	return updated, nil
}

// CancelAppointment moves any non-terminal entry to cancelled.
func (s *Service) CancelAppointment(ctx context.Context, entryID uuid.UUID, actor, reason string) (updated *Entry, err error) {
	const op = "cancel"
	ctx, done := s.start(ctx, "cancel", attribute.String("clinicqueue.entry_id", entryID.String()))
	defer func() { done(err) }()

	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	entry, err := s.load(ctx, op, entryID)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case StatusCancelled:
		return nil, conflictError(op, entryID, "entry is already cancelled")
	case StatusCompleted:
		return nil, ruleError(op, entryID, "entry is completed")
	}

	now := s.now()
	previous := entry.Status
	entry.Status = StatusCancelled
	entry.OverrideBy = actor
	entry.UpdatedAt = now

	updated, err = s.store.UpdateEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}

	s.record(ctx, AuditRecord{
		EntryID:        updated.ID,
		ClinicID:       updated.ClinicID,
		Actor:          actor,
		Action:         ActionCancel,
		Reason:         reason,
		PositionBefore: intPtr(updated.QueuePosition),
		PositionAfter:  intPtr(updated.QueuePosition),
	})
	evt := newEvent(EventStatusChanged, updated, actor, now)
	evt.PreviousStatus = previous
	s.publish(ctx, evt)
	return updated, nil
}

// ReorderQueue moves an entry to newPosition. Asking for the current position
// succeeds without writing anything.
func (s *Service) ReorderQueue(ctx context.Context, entryID uuid.UUID, newPosition int, actor, reason string) (updated *Entry, err error) {
	const op = "reorder"
	ctx, done := s.start(ctx, "reorder",
		attribute.String("clinicqueue.entry_id", entryID.String()),
		attribute.Int("clinicqueue.position", newPosition),
	)
	defer func() { done(err) }()

	if newPosition < 1 {
		return nil, validationError(op, "position must be at least 1")
	}
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	entry, err := s.load(ctx, op, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status.Terminal() {
		return nil, ruleError(op, entryID, fmt.Sprintf("entry is %s", entry.Status))
	}
	if entry.QueuePosition == newPosition {
		return entry, nil
	}

	policy, err := s.policy(ctx, entry.ClinicID)
	if err != nil {
		return nil, err
	}
	loc := policy.Location()

	now := s.now()
	before := entry.QueuePosition
	entry.QueuePosition = newPosition
	entry.OverrideBy = actor
	entry.UpdatedAt = now

	res, err := s.store.Reposition(ctx, entry, DayOf(entry.StartTime, loc).Window(loc))
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}
	updated = res.Moved

	s.record(ctx, AuditRecord{
		EntryID:        updated.ID,
		ClinicID:       updated.ClinicID,
		Actor:          actor,
		Action:         ActionReorder,
		Reason:         reason,
		PositionBefore: intPtr(before),
		PositionAfter:  intPtr(updated.QueuePosition),
	})
	evt := newEvent(EventPositionChanged, updated, actor, now)
	evt.PreviousPosition = before
	if res.Displaced != nil {
		displaced := res.Displaced.ID
		evt.DisplacedEntryID = &displaced
	}
	s.publish(ctx, evt)

	// The swapped entry moved too and gets its own trail.
	if d := res.Displaced; d != nil {
		s.record(ctx, AuditRecord{
			EntryID:        d.ID,
			ClinicID:       d.ClinicID,
			Actor:          actor,
			Action:         ActionReorder,
			Reason:         fmt.Sprintf("displaced by %s", updated.ID),
			PositionBefore: intPtr(updated.QueuePosition),
			PositionAfter:  intPtr(d.QueuePosition),
		})
		swapped := newEvent(EventPositionChanged, d, actor, now)
		swapped.PreviousPosition = updated.QueuePosition
		s.publish(ctx, swapped)
	}
	return updated, nil
}

// GetDailySchedule returns the staff member's entries for day in the order
// the clinic's discipline for that day prescribes.
func (s *Service) GetDailySchedule(ctx context.Context, clinicID, staffID string, day Day) (sched *Schedule, err error) {
	const op = "daily schedule"
	ctx, done := s.start(ctx, "schedule",
		attribute.String("clinicqueue.clinic_id", clinicID),
		attribute.String("clinicqueue.staff_id", staffID),
		attribute.String("clinicqueue.day", day.String()),
	)
	defer func() { done(err) }()

	if strings.TrimSpace(clinicID) == "" || strings.TrimSpace(staffID) == "" {
		return nil, validationError(op, "clinic id and staff id are required")
	}
	if day.IsZero() {
		return nil, validationError(op, "day is required")
	}
	policy, err := s.policy(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	strategy := StrategyFor(policy, day)

	entries, err := s.staffDay(ctx, clinicID, staffID, day.Window(policy.Location()))
	if err != nil {
		return nil, fmt.Errorf("queue: %s: %w", op, err)
	}
	strategy.Order(entries)
	return &Schedule{
		ClinicID: clinicID,
		StaffID:  staffID,
		Day:      day.String(),
		Mode:     strategy.Mode(),
		Entries:  entries,
	}, nil
}

func (s *Service) staffDay(ctx context.Context, clinicID, staffID string, scope Window) ([]*Entry, error) {
	all, err := s.store.ListStaffDay(ctx, staffID, scope)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(all))
	for _, e := range all {
		if e.ClinicID == clinicID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *Service) load(ctx context.Context, op string, id uuid.UUID) (*Entry, error) {
	if id == uuid.Nil {
		return nil, validationError(op, "entry id is required")
	}
	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue: %s %s: %w", op, id, err)
	}
	return entry, nil
}

func (s *Service) policy(ctx context.Context, clinicID string) (Policy, error) {
	p, err := s.policies.Policy(ctx, clinicID)
	if err != nil {
		return Policy{}, fmt.Errorf("queue: load policy for clinic %s: %w", clinicID, err)
	}
	return p.Normalize(), nil
}

func requireActor(op, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return validationError(op, "actor is required")
	}
	return nil
}

func (s *Service) start(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := queueTracer.Start(ctx, "queue."+operation)
	span.SetAttributes(attrs...)
	began := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		s.metrics.ObserveOperation(operation, outcome(err), time.Since(began).Seconds())
		span.End()
	}
}

func outcome(err error) string {
	switch kind := KindOf(err); {
	case err == nil:
		return "ok"
	case errors.Is(kind, ErrValidation):
		return "validation"
	case errors.Is(kind, ErrNotFound):
		return "not_found"
	case errors.Is(kind, ErrBusinessRule):
		return "business_rule"
	case errors.Is(kind, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// record and publish are side channels: a failure is logged and counted but
// never fails the operation that already committed.
func (s *Service) record(ctx context.Context, rec AuditRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		s.metrics.ObserveSideEffectFailure("audit")
		s.logger.Error("queue audit write failed",
			"entry_id", rec.EntryID,
			"action", rec.Action,
			"trace_id", traceID(ctx),
			"error", err,
		)
	}
}

func (s *Service) publish(ctx context.Context, evt Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.metrics.ObserveSideEffectFailure("event")
		s.logger.Error("queue event publish failed",
			"entry_id", evt.EntryID,
			"event_type", evt.Type,
			"trace_id", traceID(ctx),
			"error", err,
		)
	}
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
