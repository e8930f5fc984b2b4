package queue

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mode names a queue discipline.
type Mode string

const (
	// ModeFlow is a continuous first-come-first-served queue.
	ModeFlow Mode = "flow"
	// ModeSlotted is a fixed time grid keyed to scheduled start times.
	ModeSlotted Mode = "slotted"
)

// Policy is the per-clinic scheduling policy. Every default the queue relies
// on lives here.
type Policy struct {
	Mode               Mode            `json:"mode"`
	ModeOverrides      map[string]Mode `json:"mode_overrides,omitempty"` // keyed by lower-case weekday
	Timezone           string          `json:"timezone"`
	DefaultDuration    time.Duration   `json:"default_duration"`
	GracePeriod        time.Duration   `json:"grace_period"`
	EarlyCallWindow    time.Duration   `json:"early_call_window"`
	AppointmentTypes   []string        `json:"appointment_types,omitempty"`
	AutoCancelOnExpiry bool            `json:"auto_cancel_on_expiry"`
}

// DefaultPolicy returns the policy used when a clinic has not configured one.
func DefaultPolicy() Policy {
	return Policy{
		Mode:               ModeFlow,
		Timezone:           "UTC",
		DefaultDuration:    15 * time.Minute,
		GracePeriod:        15 * time.Minute,
		EarlyCallWindow:    30 * time.Minute,
		AppointmentTypes:   []string{"consultation", "follow_up", "walk_in"},
		AutoCancelOnExpiry: true,
	}
}

// Normalize fills unset fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Mode == "" {
		p.Mode = def.Mode
	}
	if strings.TrimSpace(p.Timezone) == "" {
		p.Timezone = def.Timezone
	}
	if p.DefaultDuration <= 0 {
		p.DefaultDuration = def.DefaultDuration
	}
	if p.GracePeriod <= 0 {
		p.GracePeriod = def.GracePeriod
	}
	if p.EarlyCallWindow < 0 {
		p.EarlyCallWindow = 0
	}
	if len(p.AppointmentTypes) == 0 {
		p.AppointmentTypes = def.AppointmentTypes
	}
	return p
}

// Location resolves the policy timezone, falling back to UTC.
func (p Policy) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// ModeFor returns the discipline in force on day.
func (p Policy) ModeFor(day Day) Mode {
	if mode, ok := p.ModeOverrides[strings.ToLower(day.Weekday().String())]; ok && mode != "" {
		return mode
	}
	if p.Mode == "" {
		return ModeFlow
	}
	return p.Mode
}

// DefaultAppointmentType is the type assigned when a draft leaves it empty.
func (p Policy) DefaultAppointmentType(walkIn bool) string {
	if walkIn {
		for _, t := range p.AppointmentTypes {
			if t == "walk_in" {
				return t
			}
		}
	}
	if len(p.AppointmentTypes) > 0 {
		return p.AppointmentTypes[0]
	}
	return "consultation"
}

// AllowsAppointmentType reports whether t is in the clinic's type list.
func (p Policy) AllowsAppointmentType(t string) bool {
	for _, allowed := range p.AppointmentTypes {
		if strings.EqualFold(allowed, t) {
			return true
		}
	}
	return false
}

// PolicyProvider resolves a clinic's scheduling policy.
type PolicyProvider interface {
	Policy(ctx context.Context, clinicID string) (Policy, error)
}

// StaticPolicies is an in-memory PolicyProvider with a shared fallback.
type StaticPolicies struct {
	mu       sync.RWMutex
	fallback Policy
	byClinic map[string]Policy
}

// NewStaticPolicies creates a provider that answers fallback for unknown clinics.
func NewStaticPolicies(fallback Policy) *StaticPolicies {
	return &StaticPolicies{
		fallback: fallback.Normalize(),
		byClinic: make(map[string]Policy),
	}
}

// Set stores a clinic-specific policy.
func (s *StaticPolicies) Set(clinicID string, p Policy) {
	s.mu.Lock()
	s.byClinic[clinicID] = p.Normalize()
	s.mu.Unlock()
}

// Policy implements PolicyProvider.
func (s *StaticPolicies) Policy(ctx context.Context, clinicID string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byClinic[clinicID]; ok {
		return p, nil
	}
	return s.fallback, nil
}
