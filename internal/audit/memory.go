package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-queue/internal/queue"
)

// InMemoryLog keeps audit records in process. Used with the memory store.
type InMemoryLog struct {
	mu      sync.RWMutex
	records []queue.AuditRecord
}

// NewInMemoryLog creates an empty in-memory audit log.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{}
}

// Record appends rec.
func (l *InMemoryLog) Record(_ context.Context, rec queue.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return nil
}

// List applies filter the same way SQLLog does.
func (l *InMemoryLog) List(_ context.Context, filter Filter) ([]queue.AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	wanted := make(map[queue.Action]bool, len(filter.Actions))
	for _, a := range filter.Actions {
		wanted[a] = true
	}

	var out []queue.AuditRecord
	for _, rec := range l.records {
		if rec.ClinicID != filter.ClinicID {
			continue
		}
		if filter.EntryID != uuid.Nil && rec.EntryID != filter.EntryID {
			continue
		}
		if filter.Actor != "" && rec.Actor != filter.Actor {
			continue
		}
		if len(wanted) > 0 && !wanted[rec.Action] {
			continue
		}
		if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && rec.CreatedAt.After(filter.Until) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
