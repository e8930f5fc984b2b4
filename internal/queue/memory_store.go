package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store backed by process memory. A single mutex makes every
// method atomic, which is enough for tests and single-instance development.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*Entry
	absences map[uuid.UUID]*Absence
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[uuid.UUID]*Entry),
		absences: make(map[uuid.UUID]*Absence),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateEntry(ctx context.Context, e *Entry, scope Window) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := e.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.QueuePosition = s.maxPositionLocked(stored.ClinicID, scope) + 1
	stored.Version = 1
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt
	s.entries[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) ListClinicDay(ctx context.Context, clinicID string, scope Window) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(e *Entry) bool {
		return e.ClinicID == clinicID && scope.Contains(e.StartTime)
	}), nil
}

func (s *MemoryStore) ListStaffDay(ctx context.Context, staffID string, scope Window) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(e *Entry) bool {
		return e.StaffID == staffID && scope.Contains(e.StartTime)
	}), nil
}

func (s *MemoryStore) MaxPosition(ctx context.Context, clinicID string, scope Window) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPositionLocked(clinicID, scope), nil
}

func (s *MemoryStore) UpdateEntry(ctx context.Context, e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(e)
}

func (s *MemoryStore) UpdateWithAbsence(ctx context.Context, e *Entry, a *Absence) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := s.writeLocked(e)
	if err != nil {
		return nil, err
	}
	if a != nil {
		stored := a.Clone()
		if stored.ID == uuid.Nil {
			stored.ID = uuid.New()
		}
		s.absences[stored.ID] = stored
	}
	return updated, nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chosen, ok := s.entries[req.EntryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if !callable(chosen) || chosen.StaffID != req.StaffID {
		return nil, ErrClaimLost
	}

	for _, e := range s.entries {
		if e.StaffID == req.StaffID && e.Status == StatusInProgress && req.StaffDay.Contains(e.StartTime) {
			return nil, ErrVisitInProgress
		}
	}

	for _, id := range req.Bypassed {
		if b, ok := s.entries[id]; ok && b.Status.PreService() {
			b.SkipCount++
			b.UpdatedAt = req.Now
			b.Version++
		}
	}

	chosen.Status = StatusInProgress
	chosen.ActualStartTime = timePtr(req.Now)
	chosen.OverrideBy = req.Actor
	chosen.UpdatedAt = req.Now
	chosen.Version++
	return &ClaimResult{Called: chosen.Clone()}, nil
}

func (s *MemoryStore) Reinsert(ctx context.Context, e *Entry, a *Absence, scope Window) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[e.ID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if current.Version != e.Version {
		return nil, ErrStaleEntry
	}
	next := e.Clone()
	if tail := s.maxPositionLocked(next.ClinicID, scope) + 1; next.QueuePosition < tail {
		next.QueuePosition = tail
	}
	updated, err := s.writeLocked(next)
	if err != nil {
		return nil, err
	}
	if a != nil {
		s.absences[a.ID] = a.Clone()
	}
	return updated, nil
}

func (s *MemoryStore) Reposition(ctx context.Context, e *Entry, scope Window) (*RepositionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[e.ID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if current.Version != e.Version {
		return nil, ErrStaleEntry
	}
	oldPosition := current.QueuePosition

	result := &RepositionResult{}
	for _, other := range s.entries {
		if other.ID == e.ID || other.ClinicID != e.ClinicID || other.Status.Terminal() {
			continue
		}
		if other.QueuePosition != e.QueuePosition || !scope.Contains(other.StartTime) {
			continue
		}
		other.QueuePosition = oldPosition
		other.UpdatedAt = e.UpdatedAt
		other.Version++
		result.Displaced = other.Clone()
		break
	}

	moved, err := s.writeLocked(e)
	if err != nil {
		return nil, err
	}
	result.Moved = moved
	return result, nil
}

func (s *MemoryStore) OpenAbsence(ctx context.Context, entryID uuid.UUID) (*Absence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Absence
	for _, a := range s.absences {
		if a.EntryID != entryID || !a.Open() {
			continue
		}
		if latest == nil || a.MarkedAbsentAt.After(latest.MarkedAbsentAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrAbsenceNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) ListExpiredAbsences(ctx context.Context, clinicID string, asOf time.Time) ([]*Absence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Absence
	for _, a := range s.absences {
		if !a.Open() || a.GracePeriodEndsAt == nil || a.GracePeriodEndsAt.After(asOf) {
			continue
		}
		if clinicID != "" && a.ClinicID != clinicID {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GracePeriodEndsAt.Before(*out[j].GracePeriodEndsAt)
	})
	return out, nil
}

func (s *MemoryStore) writeLocked(e *Entry) (*Entry, error) {
	current, ok := s.entries[e.ID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if current.Version != e.Version {
		return nil, ErrStaleEntry
	}
	stored := e.Clone()
	stored.Version = current.Version + 1
	stored.CreatedAt = current.CreatedAt
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}
	s.entries[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) maxPositionLocked(clinicID string, scope Window) int {
	highest := 0
	for _, e := range s.entries {
		if e.ClinicID == clinicID && scope.Contains(e.StartTime) && e.QueuePosition > highest {
			highest = e.QueuePosition
		}
	}
	return highest
}

func (s *MemoryStore) filterLocked(keep func(*Entry) bool) []*Entry {
	var out []*Entry
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	byPosition(out)
	return out
}
