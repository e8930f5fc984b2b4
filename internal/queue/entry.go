// Package queue implements the clinic-day appointment queue: selection of the
// next patient, absence and return handling, audited manual overrides, and the
// flow and slotted scheduling disciplines.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PreService reports whether the entry has not been called yet.
func (s Status) PreService() bool {
	return s == StatusScheduled || s == StatusWaiting
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusWaiting, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// SkipReason explains why an entry is being passed over.
type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipPatientAbsent SkipReason = "patient_absent"
)

// WaitEstimate is estimator output carried on an entry. The queue stores it
// verbatim and never reads it back.
type WaitEstimate struct {
	Minutes        int        `json:"minutes"`
	EstimatedStart *time.Time `json:"estimated_start,omitempty"`
	Source         string     `json:"source,omitempty"`
}

// Entry is one appointment or walk-in visit in a clinic-day queue.
type Entry struct {
	ID              uuid.UUID     `json:"id"`
	ClinicID        string        `json:"clinic_id"`
	StaffID         string        `json:"staff_id"`
	PatientID       string        `json:"patient_id,omitempty"`
	GuestID         string        `json:"guest_id,omitempty"`
	AppointmentType string        `json:"appointment_type"`
	IsWalkIn        bool          `json:"is_walk_in"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Status          Status        `json:"status"`
	QueuePosition   int           `json:"queue_position"`
	IsPresent       bool          `json:"is_present"`
	SkipReason      SkipReason    `json:"skip_reason,omitempty"`
	SkipCount       int           `json:"skip_count"`
	MarkedAbsentAt  *time.Time    `json:"marked_absent_at,omitempty"`
	ReturnedAt      *time.Time    `json:"returned_at,omitempty"`
	CheckedInAt     *time.Time    `json:"checked_in_at,omitempty"`
	ActualStartTime *time.Time    `json:"actual_start_time,omitempty"`
	ActualEndTime   *time.Time    `json:"actual_end_time,omitempty"`
	OverrideBy      string        `json:"override_by,omitempty"`
	WaitEstimate    *WaitEstimate `json:"wait_estimate,omitempty"`
	Version         int           `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsAbsent reports whether the patient was marked absent and has not returned.
func (e *Entry) IsAbsent() bool {
	return e.MarkedAbsentAt != nil && e.ReturnedAt == nil
}

// excludedAsAbsent is the selection-side absence rule.
func (e *Entry) excludedAsAbsent() bool {
	return e.SkipReason == SkipPatientAbsent && e.ReturnedAt == nil
}

// Clone returns a deep copy so callers can't mutate stored state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.MarkedAbsentAt = cloneTime(e.MarkedAbsentAt)
	c.ReturnedAt = cloneTime(e.ReturnedAt)
	c.CheckedInAt = cloneTime(e.CheckedInAt)
	c.ActualStartTime = cloneTime(e.ActualStartTime)
	c.ActualEndTime = cloneTime(e.ActualEndTime)
	if e.WaitEstimate != nil {
		w := *e.WaitEstimate
		w.EstimatedStart = cloneTime(e.WaitEstimate.EstimatedStart)
		c.WaitEstimate = &w
	}
	return &c
}

// Draft is the caller-supplied shape of a new appointment.
type Draft struct {
	ClinicID        string
	StaffID         string
	PatientID       string
	GuestID         string
	AppointmentType string
	IsWalkIn        bool
	StartTime       time.Time
	EndTime         time.Time
}

// Absence records one declared absence of a queue entry.
type Absence struct {
	ID                uuid.UUID  `json:"id"`
	EntryID           uuid.UUID  `json:"entry_id"`
	ClinicID          string     `json:"clinic_id"`
	Reason            string     `json:"reason,omitempty"`
	MarkedAbsentAt    time.Time  `json:"marked_absent_at"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`
	AutoCancelled     bool       `json:"auto_cancelled"`
	AutoCancelledAt   *time.Time `json:"auto_cancelled_at,omitempty"`
	ReturnedAt        *time.Time `json:"returned_at,omitempty"`
}

// Open reports whether the patient has neither returned nor been auto-cancelled.
func (a *Absence) Open() bool {
	return a.ReturnedAt == nil && !a.AutoCancelled
}

// Clone returns a deep copy of the absence.
func (a *Absence) Clone() *Absence {
	if a == nil {
		return nil
	}
	c := *a
	c.GracePeriodEndsAt = cloneTime(a.GracePeriodEndsAt)
	c.AutoCancelledAt = cloneTime(a.AutoCancelledAt)
	c.ReturnedAt = cloneTime(a.ReturnedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func intPtr(v int) *int {
	return &v
}
