package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-queue/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

const (
	testClinic = "clinic-1"
	testStaff  = "staff-1"
	testActor  = "frontdesk@clinic-1"
)

// 2026-03-10 is a Tuesday.
var testBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAudit struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (a *recordingAudit) Record(_ context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAudit) actions() []Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Action, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.Action)
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) last() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc       *Service
	store     *MemoryStore
	policies  *StaticPolicies
	audit     *recordingAudit
	publisher *recordingPublisher
	clock     *testClock
	day       Day
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     NewMemoryStore(),
		policies:  NewStaticPolicies(DefaultPolicy()),
		audit:     &recordingAudit{},
		publisher: &recordingPublisher{},
		clock:     &testClock{now: testBase},
		day:       DayOf(testBase, time.UTC),
	}
	h.svc = NewService(h.store, h.policies, h.audit, h.publisher, logging.New("error")).
		WithClock(h.clock.Now)
	return h
}

func (h *harness) walkIn(t *testing.T, patientID string) *Entry {
	t.Helper()
	e, err := h.svc.CreateAppointment(context.Background(), Draft{
		ClinicID:  testClinic,
		StaffID:   testStaff,
		PatientID: patientID,
		IsWalkIn:  true,
	}, testActor)
	require.NoError(t, err)
	return e
}

func (h *harness) booked(t *testing.T, patientID string, start time.Time) *Entry {
	t.Helper()
	e, err := h.svc.CreateAppointment(context.Background(), Draft{
		ClinicID:  testClinic,
		StaffID:   testStaff,
		PatientID: patientID,
		StartTime: start,
	}, testActor)
	require.NoError(t, err)
	return e
}

func (h *harness) callNext(skipAbsent bool) (*Entry, error) {
	return h.svc.CallNextPatient(context.Background(), testClinic, testStaff, h.day, testActor, skipAbsent)
}

func (h *harness) get(t *testing.T, id uuid.UUID) *Entry {
	t.Helper()
	e, err := h.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestCreateAppointment_WalkIn(t *testing.T) {
	h := newHarness(t)

	e := h.walkIn(t, "p-1")

	assert.Equal(t, StatusWaiting, e.Status)
	assert.True(t, e.IsPresent)
	assert.Equal(t, 1, e.QueuePosition)
	assert.Equal(t, "walk_in", e.AppointmentType)
	assert.Equal(t, testBase, e.StartTime)
	assert.Equal(t, testBase.Add(15*time.Minute), e.EndTime)
	require.NotNil(t, e.CheckedInAt)
	assert.Equal(t, testActor, e.OverrideBy)

	assert.Equal(t, []Action{ActionCreate}, h.audit.actions())
	assert.Equal(t, []EventType{EventAdded}, h.publisher.types())
	assert.Equal(t, 1, h.publisher.last().Position)
}

func TestCreateAppointment_BookedStartsScheduled(t *testing.T) {
	h := newHarness(t)

	e := h.booked(t, "p-1", testBase.Add(time.Hour))

	assert.Equal(t, StatusScheduled, e.Status)
	assert.False(t, e.IsPresent)
	assert.Nil(t, e.CheckedInAt)
	assert.Equal(t, "consultation", e.AppointmentType)
}

func TestCreateAppointment_PositionsIncrease(t *testing.T) {
	h := newHarness(t)

	for i := 1; i <= 4; i++ {
		e := h.walkIn(t, uuid.NewString())
		assert.Equal(t, i, e.QueuePosition)
	}

	// a different day starts again at 1
	e := h.booked(t, "p-tomorrow", testBase.Add(24*time.Hour))
	assert.Equal(t, 1, e.QueuePosition)
}

func TestCreateAppointment_Validation(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
		actor string
	}{
		{
			name:  "missing actor",
			draft: Draft{ClinicID: testClinic, StaffID: testStaff, PatientID: "p", IsWalkIn: true},
		},
		{
			name:  "missing staff",
			draft: Draft{ClinicID: testClinic, PatientID: "p", IsWalkIn: true},
			actor: testActor,
		},
		{
			name:  "patient and guest",
			draft: Draft{ClinicID: testClinic, StaffID: testStaff, PatientID: "p", GuestID: "g", IsWalkIn: true},
			actor: testActor,
		},
		{
			name:  "neither patient nor guest",
			draft: Draft{ClinicID: testClinic, StaffID: testStaff, IsWalkIn: true},
			actor: testActor,
		},
		{
			name:  "booked without start",
			draft: Draft{ClinicID: testClinic, StaffID: testStaff, PatientID: "p"},
			actor: testActor,
		},
		{
			name:  "booked in the past",
			draft: Draft{ClinicID: testClinic, StaffID: testStaff, PatientID: "p", StartTime: testBase.Add(-time.Minute)},
			actor: testActor,
		},
		{
			name: "end before start",
			draft: Draft{
				ClinicID: testClinic, StaffID: testStaff, PatientID: "p",
				StartTime: testBase.Add(time.Hour), EndTime: testBase.Add(30 * time.Minute),
			},
			actor: testActor,
		},
		{
			name:  "unknown appointment type",
			draft: Draft{ClinicID: testClinic, StaffID: testStaff, GuestID: "g", IsWalkIn: true, AppointmentType: "surgery"},
			actor: testActor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.CreateAppointment(context.Background(), tt.draft, tt.actor)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Empty(t, h.audit.actions())
		})
	}
}

func TestCreateAppointment_WalkInInPastAllowed(t *testing.T) {
	h := newHarness(t)

	e, err := h.svc.CreateAppointment(context.Background(), Draft{
		ClinicID:  testClinic,
		StaffID:   testStaff,
		GuestID:   "guest-1",
		IsWalkIn:  true,
		StartTime: testBase.Add(-10 * time.Minute),
	}, testActor)

	require.NoError(t, err)
	assert.Equal(t, "guest-1", e.GuestID)
}

type fixedEstimator struct{ minutes int }

func (f fixedEstimator) Estimate(context.Context, *Entry) (*WaitEstimate, error) {
	return &WaitEstimate{Minutes: f.minutes, Source: "fixed"}, nil
}

func TestCreateAppointment_CarriesEstimate(t *testing.T) {
	h := newHarness(t)
	h.svc.WithEstimator(fixedEstimator{minutes: 25})

	e := h.walkIn(t, "p-1")

	require.NotNil(t, e.WaitEstimate)
	assert.Equal(t, 25, e.WaitEstimate.Minutes)
	assert.Equal(t, "fixed", e.WaitEstimate.Source)
}

func TestCheckInPatient(t *testing.T) {
	h := newHarness(t)
	e := h.booked(t, "p-1", testBase.Add(time.Hour))

	h.clock.Advance(40 * time.Minute)
	updated, err := h.svc.CheckInPatient(context.Background(), e.ID, testActor)

	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, updated.Status)
	assert.True(t, updated.IsPresent)
	require.NotNil(t, updated.CheckedInAt)
	assert.Equal(t, testBase.Add(40*time.Minute), *updated.CheckedInAt)
	evt := h.publisher.last()
	assert.Equal(t, EventCheckedIn, evt.Type)
	assert.Equal(t, StatusScheduled, evt.PreviousStatus)
}

func TestCheckInPatient_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.walkIn(t, "p-done")
	_, err := h.callNext(true)
	require.NoError(t, err)
	_, err = h.svc.CompleteAppointment(ctx, done.ID, testActor)
	require.NoError(t, err)

	_, err = h.svc.CheckInPatient(ctx, done.ID, testActor)
	assert.ErrorIs(t, err, ErrBusinessRule)

	absent := h.walkIn(t, "p-absent")
	_, err = h.svc.MarkPatientAbsent(ctx, absent.ID, testActor, "stepped out", 0)
	require.NoError(t, err)
	_, err = h.svc.CheckInPatient(ctx, absent.ID, testActor)
	assert.ErrorIs(t, err, ErrBusinessRule)

	_, err = h.svc.CheckInPatient(ctx, uuid.New(), testActor)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Flow days call present walk-ins in position order.
func TestCallNextPatient_FlowInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.walkIn(t, "p-1")
	second := h.walkIn(t, "p-2")
	third := h.walkIn(t, "p-3")

	for _, want := range []*Entry{first, second, third} {
		called, err := h.callNext(true)
		require.NoError(t, err)
		assert.Equal(t, want.ID, called.ID)
		assert.Equal(t, StatusInProgress, called.Status)
		require.NotNil(t, called.ActualStartTime)
		h.clock.Advance(10 * time.Minute)
		_, err = h.svc.CompleteAppointment(ctx, called.ID, testActor)
		require.NoError(t, err)
	}

	_, err := h.callNext(true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	for _, e := range []*Entry{first, second, third} {
		assert.Equal(t, StatusCompleted, h.get(t, e.ID).Status)
	}
}

// An absent patient is passed over and rejoins at the tail on return.
func TestCallNextPatient_SkipsAbsentAndReturnAppendsToTail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var entries []*Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, h.walkIn(t, uuid.NewString()))
	}
	absent := entries[1]

	_, err := h.svc.MarkPatientAbsent(ctx, absent.ID, testActor, "left the waiting room", 0)
	require.NoError(t, err)
	for _, i := range []int{0, 2, 3, 4} {
		assert.Equal(t, i+1, h.get(t, entries[i].ID).QueuePosition)
	}

	called, err := h.callNext(true)
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, called.ID)
	_, err = h.svc.CompleteAppointment(ctx, called.ID, testActor)
	require.NoError(t, err)

	called, err = h.callNext(true)
	require.NoError(t, err)
	assert.Equal(t, entries[2].ID, called.ID)
	assert.Equal(t, 1, h.get(t, absent.ID).SkipCount)

	returned, err := h.svc.MarkPatientReturned(ctx, absent.ID, testActor)
	require.NoError(t, err)
	assert.Equal(t, 6, returned.QueuePosition)
	assert.True(t, returned.IsPresent)
	assert.Equal(t, SkipNone, returned.SkipReason)
	assert.Equal(t, StatusWaiting, returned.Status)
	require.NotNil(t, returned.ReturnedAt)

	for _, i := range []int{0, 2, 3, 4} {
		assert.Equal(t, i+1, h.get(t, entries[i].ID).QueuePosition)
	}

	evt := h.publisher.last()
	assert.Equal(t, EventReturned, evt.Type)
	assert.Equal(t, 6, evt.Position)
	assert.Equal(t, 2, evt.PreviousPosition)

	_, err = h.store.OpenAbsence(ctx, absent.ID)
	assert.ErrorIs(t, err, ErrAbsenceNotFound)
}

// Slotted days pass over an absent earlier slot for a present later one.
func TestCallNextPatient_SlottedSkipsAbsentEarlierSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slotted := DefaultPolicy()
	slotted.Mode = ModeSlotted
	h.policies.Set(testClinic, slotted)

	h.clock.Set(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	a := h.booked(t, "p-a", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	b := h.booked(t, "p-b", time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC))

	_, err := h.svc.CheckInPatient(ctx, a.ID, testActor)
	require.NoError(t, err)
	_, err = h.svc.CheckInPatient(ctx, b.ID, testActor)
	require.NoError(t, err)
	_, err = h.svc.MarkPatientAbsent(ctx, a.ID, testActor, "", 0)
	require.NoError(t, err)

	h.clock.Set(time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC))
	called, err := h.callNext(true)

	require.NoError(t, err)
	assert.Equal(t, b.ID, called.ID)
	assert.True(t, called.IsPresent)
}

func TestCallNextPatient_SlottedWaitsForSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slotted := DefaultPolicy()
	slotted.Mode = ModeSlotted
	slotted.EarlyCallWindow = 0
	h.policies.Set(testClinic, slotted)

	h.clock.Set(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	a := h.booked(t, "p-a", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	_, err := h.svc.CheckInPatient(ctx, a.ID, testActor)
	require.NoError(t, err)

	h.clock.Set(time.Date(2026, 3, 10, 8, 45, 0, 0, time.UTC))
	_, err = h.callNext(true)
	var noEligible *NoEligibleError
	require.ErrorAs(t, err, &noEligible)
	assert.Equal(t, a.ID, noEligible.Nominal.ID)

	h.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	called, err := h.callNext(true)
	require.NoError(t, err)
	assert.Equal(t, a.ID, called.ID)
}

func TestCallNextPatient_SlottedReturnedPatientKeepsEarlierSlot(t *testing.T) {
	for _, skipAbsent := range []bool{false, true} {
		t.Run(fmt.Sprintf("skip_absent=%v", skipAbsent), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			slotted := DefaultPolicy()
			slotted.Mode = ModeSlotted
			h.policies.Set(testClinic, slotted)

			h.clock.Set(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
			a := h.booked(t, "p-a", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
			b := h.booked(t, "p-b", time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC))
			_, err := h.svc.CheckInPatient(ctx, a.ID, testActor)
			require.NoError(t, err)
			_, err = h.svc.CheckInPatient(ctx, b.ID, testActor)
			require.NoError(t, err)
			_, err = h.svc.MarkPatientAbsent(ctx, a.ID, testActor, "", 0)
			require.NoError(t, err)
			returned, err := h.svc.MarkPatientReturned(ctx, a.ID, testActor)
			require.NoError(t, err)
			require.Equal(t, 3, returned.QueuePosition)
			require.Equal(t, 2, h.get(t, b.ID).QueuePosition)

			h.clock.Set(time.Date(2026, 3, 10, 9, 40, 0, 0, time.UTC))
			called, err := h.callNext(skipAbsent)

			require.NoError(t, err)
			assert.Equal(t, a.ID, called.ID)
			assert.Equal(t, 0, called.SkipCount)
			assert.Equal(t, 0, h.get(t, b.ID).SkipCount)
			assert.Equal(t, StatusWaiting, h.get(t, b.ID).Status)
		})
	}
}

func TestCallNextPatient_NobodyPresent(t *testing.T) {
	h := newHarness(t)
	e := h.booked(t, "p-1", testBase.Add(time.Hour))

	_, err := h.callNext(true)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrQueueEmpty)
	var noEligible *NoEligibleError
	require.ErrorAs(t, err, &noEligible)
	assert.Equal(t, e.ID, noEligible.Nominal.ID)
	assert.Equal(t, 1, noEligible.Pending)
}

func TestCallNextPatient_WithoutSkipOnlyCallsHead(t *testing.T) {
	h := newHarness(t)
	head := h.walkIn(t, "p-1")
	h.walkIn(t, "p-2")
	_, err := h.svc.MarkPatientAbsent(context.Background(), head.ID, testActor, "", 0)
	require.NoError(t, err)

	_, err = h.callNext(false)

	var noEligible *NoEligibleError
	require.ErrorAs(t, err, &noEligible)
	assert.Equal(t, head.ID, noEligible.Nominal.ID)
	assert.Equal(t, 0, h.get(t, head.ID).SkipCount)
}

func TestCallNextPatient_RejectedWhileVisitInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.walkIn(t, "p-1")
	second := h.walkIn(t, "p-2")

	_, err := h.callNext(true)
	require.NoError(t, err)
	h.clock.Advance(12 * time.Minute)
	events := len(h.publisher.types())

	_, err = h.callNext(true)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusinessRule)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, first.ID, qerr.EntryID)

	current := h.get(t, first.ID)
	assert.Equal(t, StatusInProgress, current.Status)
	assert.Nil(t, current.ActualEndTime)
	assert.Equal(t, StatusWaiting, h.get(t, second.ID).Status)
	assert.Equal(t, []Action{ActionCreate, ActionCreate, ActionCall}, h.audit.actions())
	assert.Len(t, h.publisher.types(), events)

	_, err = h.svc.CompleteAppointment(ctx, first.ID, testActor)
	require.NoError(t, err)
	called, err := h.callNext(true)
	require.NoError(t, err)
	assert.Equal(t, second.ID, called.ID)
	assert.Equal(t, []Action{ActionCreate, ActionCreate, ActionCall, ActionComplete, ActionCall}, h.audit.actions())
}

func TestCallNextPatient_ConcurrentCallsKeepOneInProgress(t *testing.T) {
	h := newHarness(t)
	h.svc.WithClaimRetries(10)
	for i := 0; i < 6; i++ {
		h.walkIn(t, uuid.NewString())
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		called []uuid.UUID
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := h.callNext(true)
			if err != nil {
				assert.True(t, errors.Is(err, ErrBusinessRule) || errors.Is(err, ErrConflict), "unexpected error %v", err)
				return
			}
			assert.True(t, e.IsPresent)
			mu.Lock()
			called = append(called, e.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, called, 1)
	assert.Equal(t, StatusInProgress, h.get(t, called[0]).Status)
	assert.NotContains(t, h.audit.actions(), ActionComplete)

	entries, err := h.store.ListStaffDay(context.Background(), testStaff, h.day.Window(time.UTC))
	require.NoError(t, err)
	inProgress := 0
	for _, e := range entries {
		if e.Status == StatusInProgress {
			inProgress++
		}
	}
	assert.Equal(t, 1, inProgress)
}

func TestMarkPatientAbsent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.walkIn(t, "p-1")

	updated, err := h.svc.MarkPatientAbsent(ctx, e.ID, testActor, "not in lobby", 0)

	require.NoError(t, err)
	assert.False(t, updated.IsPresent)
	assert.Equal(t, SkipPatientAbsent, updated.SkipReason)
	require.NotNil(t, updated.MarkedAbsentAt)

	absence, err := h.store.OpenAbsence(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, absence.GracePeriodEndsAt)
	assert.Equal(t, testBase.Add(15*time.Minute), *absence.GracePeriodEndsAt)
	assert.Equal(t, "not in lobby", absence.Reason)

	evt := h.publisher.last()
	assert.Equal(t, EventMarkedAbsent, evt.Type)
	require.NotNil(t, evt.GracePeriodEndsAt)
	assert.Equal(t, testBase.Add(15*time.Minute), *evt.GracePeriodEndsAt)
}

func TestMarkPatientAbsent_TwiceIsConflictAndUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.walkIn(t, "p-1")

	_, err := h.svc.MarkPatientAbsent(ctx, e.ID, testActor, "", 5*time.Minute)
	require.NoError(t, err)
	before := h.get(t, e.ID)
	auditCount := len(h.audit.actions())

	h.clock.Advance(time.Minute)
	_, err = h.svc.MarkPatientAbsent(ctx, e.ID, testActor, "", 5*time.Minute)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, before, h.get(t, e.ID))
	assert.Len(t, h.audit.actions(), auditCount)
}

func TestMarkPatientAbsent_TerminalIsBusinessRule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.walkIn(t, "p-1")
	_, err := h.svc.CancelAppointment(ctx, e.ID, testActor, "changed mind")
	require.NoError(t, err)

	_, err = h.svc.MarkPatientAbsent(ctx, e.ID, testActor, "", 0)

	assert.ErrorIs(t, err, ErrBusinessRule)
}

func TestMarkPatientReturned_NeverAbsent(t *testing.T) {
	h := newHarness(t)
	e := h.walkIn(t, "p-1")

	_, err := h.svc.MarkPatientReturned(context.Background(), e.ID, testActor)

	assert.ErrorIs(t, err, ErrBusinessRule)
}

func TestMarkPatientReturned_AlreadyReturned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.walkIn(t, "p-1")
	_, err := h.svc.MarkPatientAbsent(ctx, e.ID, testActor, "", 0)
	require.NoError(t, err)
	_, err = h.svc.MarkPatientReturned(ctx, e.ID, testActor)
	require.NoError(t, err)

	_, err = h.svc.MarkPatientReturned(ctx, e.ID, testActor)

	assert.ErrorIs(t, err, ErrBusinessRule)
}

// Completing twice conflicts and keeps the first end time.
func TestCompleteAppointment_Twice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.walkIn(t, "p-1")
	_, err := h.callNext(true)
	require.NoError(t, err)

	h.clock.Advance(20 * time.Minute)
	done, err := h.svc.CompleteAppointment(ctx, e.ID, testActor)
	require.NoError(t, err)
	require.NotNil(t, done.ActualEndTime)
	firstEnd := *done.ActualEndTime
	evt := h.publisher.last()
	assert.Equal(t, EventStatusChanged, evt.Type)
	assert.Equal(t, StatusInProgress, evt.PreviousStatus)

	h.clock.Advance(5 * time.Minute)
	_, err = h.svc.CompleteAppointment(ctx, e.ID, testActor)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, firstEnd, *h.get(t, e.ID).ActualEndTime)
}

func TestCompleteAppointment_NotStarted(t *testing.T) {
	h := newHarness(t)
	e := h.walkIn(t, "p-1")

	_, err := h.svc.CompleteAppointment(context.Background(), e.ID, testActor)

	assert.ErrorIs(t, err, ErrBusinessRule)
}

func TestCancelAppointment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.booked(t, "p-1", testBase.Add(time.Hour))

	cancelled, err := h.svc.CancelAppointment(ctx, e.ID, testActor, "patient called to cancel")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = h.svc.CancelAppointment(ctx, e.ID, testActor, "")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = h.svc.CheckInPatient(ctx, e.ID, testActor)
	assert.ErrorIs(t, err, ErrBusinessRule)
}

func TestReorderQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.walkIn(t, "p-1")
	second := h.walkIn(t, "p-2")
	third := h.walkIn(t, "p-3")

	moved, err := h.svc.ReorderQueue(ctx, third.ID, 1, testActor, "urgent")

	require.NoError(t, err)
	assert.Equal(t, 1, moved.QueuePosition)
	assert.Equal(t, 3, h.get(t, first.ID).QueuePosition)
	assert.Equal(t, 2, h.get(t, second.ID).QueuePosition)

	records := h.audit.records
	require.GreaterOrEqual(t, len(records), 2)
	rec := records[len(records)-2]
	assert.Equal(t, third.ID, rec.EntryID)
	assert.Equal(t, ActionReorder, rec.Action)
	assert.Equal(t, "urgent", rec.Reason)
	assert.Equal(t, 3, *rec.PositionBefore)
	assert.Equal(t, 1, *rec.PositionAfter)

	swappedRec := records[len(records)-1]
	assert.Equal(t, first.ID, swappedRec.EntryID)
	assert.Equal(t, ActionReorder, swappedRec.Action)
	assert.Equal(t, "displaced by "+third.ID.String(), swappedRec.Reason)
	assert.Equal(t, 1, *swappedRec.PositionBefore)
	assert.Equal(t, 3, *swappedRec.PositionAfter)

	events := h.publisher.events
	require.GreaterOrEqual(t, len(events), 2)
	evt := events[len(events)-2]
	assert.Equal(t, EventPositionChanged, evt.Type)
	assert.Equal(t, third.ID, evt.EntryID)
	assert.Equal(t, 3, evt.PreviousPosition)
	require.NotNil(t, evt.DisplacedEntryID)
	assert.Equal(t, first.ID, *evt.DisplacedEntryID)

	swapped := events[len(events)-1]
	assert.Equal(t, EventPositionChanged, swapped.Type)
	assert.Equal(t, first.ID, swapped.EntryID)
	assert.Equal(t, 3, swapped.Position)
	assert.Equal(t, 1, swapped.PreviousPosition)
	assert.Nil(t, swapped.DisplacedEntryID)

	called, err := h.callNext(true)
	require.NoError(t, err)
	assert.Equal(t, third.ID, called.ID)
}

func TestReorderQueue_InvalidPosition(t *testing.T) {
	h := newHarness(t)
	e := h.walkIn(t, "p-1")

	for _, pos := range []int{0, -1, -100} {
		_, err := h.svc.ReorderQueue(context.Background(), e.ID, pos, testActor, "")
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestReorderQueue_SamePositionIsNoop(t *testing.T) {
	h := newHarness(t)
	e := h.walkIn(t, "p-1")
	audits := len(h.audit.actions())
	events := len(h.publisher.types())

	got, err := h.svc.ReorderQueue(context.Background(), e.ID, 1, testActor, "")

	require.NoError(t, err)
	assert.Equal(t, 1, got.QueuePosition)
	assert.Equal(t, e.Version, got.Version)
	assert.Len(t, h.audit.actions(), audits)
	assert.Len(t, h.publisher.types(), events)
}

func TestGetDailySchedule_OrdersByMode(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC))
	late := h.booked(t, "p-late", time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC))
	early := h.booked(t, "p-early", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	sched, err := h.svc.GetDailySchedule(context.Background(), testClinic, testStaff, h.day)
	require.NoError(t, err)
	assert.Equal(t, ModeFlow, sched.Mode)
	require.Len(t, sched.Entries, 2)
	assert.Equal(t, late.ID, sched.Entries[0].ID)

	p := DefaultPolicy()
	p.ModeOverrides = map[string]Mode{"tuesday": ModeSlotted}
	h.policies.Set(testClinic, p)

	sched, err = h.svc.GetDailySchedule(context.Background(), testClinic, testStaff, h.day)
	require.NoError(t, err)
	assert.Equal(t, ModeSlotted, sched.Mode)
	assert.Equal(t, early.ID, sched.Entries[0].ID)
	assert.Equal(t, "2026-03-10", sched.Day)
}

func TestExpireAbsences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale := h.walkIn(t, "p-1")
	fresh := h.walkIn(t, "p-2")
	back := h.walkIn(t, "p-3")

	_, err := h.svc.MarkPatientAbsent(ctx, stale.ID, testActor, "", 10*time.Minute)
	require.NoError(t, err)
	_, err = h.svc.MarkPatientAbsent(ctx, back.ID, testActor, "", 10*time.Minute)
	require.NoError(t, err)
	_, err = h.svc.MarkPatientReturned(ctx, back.ID, testActor)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)
	_, err = h.svc.MarkPatientAbsent(ctx, fresh.ID, testActor, "", 10*time.Minute)
	require.NoError(t, err)

	h.clock.Advance(6 * time.Minute)
	cancelled, err := h.svc.ExpireAbsences(ctx, testClinic, time.Time{}, "system:grace-sweeper")

	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, stale.ID, cancelled[0].ID)
	assert.Equal(t, StatusCancelled, h.get(t, stale.ID).Status)
	assert.Equal(t, StatusWaiting, h.get(t, fresh.ID).Status)
	assert.Equal(t, StatusWaiting, h.get(t, back.ID).Status)
	assert.Equal(t, ActionAutoCancel, h.audit.actions()[len(h.audit.actions())-1])

	// a second sweep finds nothing new
	cancelled, err = h.svc.ExpireAbsences(ctx, testClinic, time.Time{}, "system:grace-sweeper")
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestExpireAbsences_PolicyWithoutAutoCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := DefaultPolicy()
	p.AutoCancelOnExpiry = false
	h.policies.Set(testClinic, p)
	e := h.walkIn(t, "p-1")
	_, err := h.svc.MarkPatientAbsent(ctx, e.ID, testActor, "", time.Minute)
	require.NoError(t, err)

	cancelled, err := h.svc.ExpireAbsences(ctx, "", testBase.Add(time.Hour), "sweeper")

	require.NoError(t, err)
	assert.Empty(t, cancelled)
	assert.Equal(t, StatusWaiting, h.get(t, e.ID).Status)
}

func TestSideEffectFailuresAreSuppressed(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	h.svc.WithMetrics(metrics.NewQueueMetrics(reg))
	h.audit.err = errors.New("audit table locked")
	h.publisher.err = errors.New("broker down")

	e := h.walkIn(t, "p-1")
	called, err := h.callNext(true)

	require.NoError(t, err)
	assert.Equal(t, e.ID, called.ID)
	assert.Equal(t, StatusInProgress, h.get(t, e.ID).Status)

	families, err := reg.Gather()
	require.NoError(t, err)
	var failures float64
	for _, f := range families {
		if f.GetName() != "clinicqueue_queue_side_effect_failures_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			failures += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 4.0, failures)
}

func TestOperationsRequireActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.walkIn(t, "p-1")

	_, err := h.svc.CheckInPatient(ctx, e.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.MarkPatientAbsent(ctx, e.ID, " ", "", 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.CallNextPatient(ctx, testClinic, testStaff, h.day, "", true)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.ExpireAbsences(ctx, testClinic, testBase, "")
	assert.ErrorIs(t, err, ErrValidation)
}
