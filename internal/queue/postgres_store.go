package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB abstracts the pgx pool so the store can be exercised with pgxmock.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const entryColumns = `id, clinic_id, staff_id, patient_id, guest_id, appointment_type, is_walk_in,
	start_time, end_time, status, queue_position, is_present, skip_reason, skip_count,
	marked_absent_at, returned_at, checked_in_at, actual_start_time, actual_end_time,
	override_by, wait_estimate, version, created_at, updated_at`

const absenceColumns = `id, entry_id, clinic_id, reason, marked_absent_at, grace_period_ends_at,
	auto_cancelled, auto_cancelled_at, returned_at`

// PostgresStore persists the queue in queue_entries and absence_records.
// Position assignment and claims are serialised with transaction-scoped
// advisory locks keyed by clinic-day and staff-day.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store on a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("queue: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithDB(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func clinicDayLock(clinicID string, scope Window) string {
	return "queue:clinic:" + clinicID + ":" + scope.Start.UTC().Format(time.RFC3339)
}

func staffDayLock(staffID string, scope Window) string {
	return "queue:staff:" + staffID + ":" + scope.Start.UTC().Format(time.RFC3339)
}

func lock(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("queue: advisory lock: %w", err)
	}
	return nil
}

func maxPosition(ctx context.Context, q execer, clinicID string, scope Window) (int, error) {
	var highest int
	err := q.QueryRow(ctx, `
		SELECT COALESCE(MAX(queue_position), 0)
		FROM queue_entries
		WHERE clinic_id = $1 AND start_time >= $2 AND start_time < $3`,
		clinicID, scope.Start, scope.End,
	).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("queue: max position: %w", err)
	}
	return highest, nil
}

func (s *PostgresStore) MaxPosition(ctx context.Context, clinicID string, scope Window) (int, error) {
	return maxPosition(ctx, s.db, clinicID, scope)
}

func (s *PostgresStore) CreateEntry(ctx context.Context, e *Entry, scope Window) (*Entry, error) {
	created := e.Clone()
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	now := time.Now().UTC()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = created.CreatedAt
	created.Version = 1

	estimate, err := encodeEstimate(created.WaitEstimate)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: create entry: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lock(ctx, tx, clinicDayLock(created.ClinicID, scope)); err != nil {
		return nil, err
	}
	highest, err := maxPosition(ctx, tx, created.ClinicID, scope)
	if err != nil {
		return nil, err
	}
	created.QueuePosition = highest + 1

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		created.ID, created.ClinicID, created.StaffID, created.PatientID, created.GuestID, created.AppointmentType, created.IsWalkIn,
		created.StartTime, created.EndTime, string(created.Status), created.QueuePosition, created.IsPresent, string(created.SkipReason), created.SkipCount,
		created.MarkedAbsentAt, created.ReturnedAt, created.CheckedInAt, created.ActualStartTime, created.ActualEndTime,
		created.OverrideBy, estimate, created.Version, created.CreatedAt, created.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: create entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: create entry: commit: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListClinicDay(ctx context.Context, clinicID string, scope Window) ([]*Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY queue_position ASC`, clinicID, scope.Start, scope.End)
	if err != nil {
		return nil, fmt.Errorf("queue: list clinic day: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) ListStaffDay(ctx context.Context, staffID string, scope Window) ([]*Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE staff_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY queue_position ASC`, staffID, scope.Start, scope.End)
	if err != nil {
		return nil, fmt.Errorf("queue: list staff day: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) UpdateEntry(ctx context.Context, e *Entry) (*Entry, error) {
	return updateEntry(ctx, s.db, e)
}

func (s *PostgresStore) UpdateWithAbsence(ctx context.Context, e *Entry, a *Absence) (*Entry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: update with absence: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := updateEntry(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	if err := upsertAbsence(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: update with absence: commit: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: claim next: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lock(ctx, tx, staffDayLock(req.StaffID, req.StaffDay)); err != nil {
		return nil, err
	}

	var busy bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_entries
			WHERE staff_id = $1 AND status = 'in_progress'
			  AND start_time >= $2 AND start_time < $3
		)`, req.StaffID, req.StaffDay.Start, req.StaffDay.End).Scan(&busy)
	if err != nil {
		return nil, fmt.Errorf("queue: claim next: check in progress: %w", err)
	}
	if busy {
		return nil, ErrVisitInProgress
	}

	called, err := scanEntry(tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = 'in_progress', actual_start_time = $1, override_by = $2, updated_at = $1, version = version + 1
		WHERE id = $3 AND staff_id = $4
		  AND status IN ('waiting', 'scheduled')
		  AND is_present
		  AND NOT (skip_reason = 'patient_absent' AND returned_at IS NULL)
		RETURNING `+entryColumns, req.Now, req.Actor, req.EntryID, req.StaffID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim next: %w", err)
	}

	if len(req.Bypassed) > 0 {
		ids := make([]string, 0, len(req.Bypassed))
		for _, id := range req.Bypassed {
			ids = append(ids, id.String())
		}
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET skip_count = skip_count + 1, updated_at = $1, version = version + 1
			WHERE id = ANY($2::uuid[]) AND status IN ('waiting', 'scheduled')`, req.Now, ids)
		if err != nil {
			return nil, fmt.Errorf("queue: claim next: bump skip count: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: claim next: commit: %w", err)
	}
	return &ClaimResult{Called: called}, nil
}

func (s *PostgresStore) Reinsert(ctx context.Context, e *Entry, a *Absence, scope Window) (*Entry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: reinsert: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lock(ctx, tx, clinicDayLock(e.ClinicID, scope)); err != nil {
		return nil, err
	}
	highest, err := maxPosition(ctx, tx, e.ClinicID, scope)
	if err != nil {
		return nil, err
	}
	next := e.Clone()
	if next.QueuePosition <= highest {
		next.QueuePosition = highest + 1
	}

	updated, err := updateEntry(ctx, tx, next)
	if err != nil {
		return nil, err
	}
	if a != nil {
		if err := upsertAbsence(ctx, tx, a); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: reinsert: commit: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) Reposition(ctx context.Context, e *Entry, scope Window) (*RepositionResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: reposition: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lock(ctx, tx, clinicDayLock(e.ClinicID, scope)); err != nil {
		return nil, err
	}

	var oldPosition int
	err = tx.QueryRow(ctx, `
		SELECT queue_position FROM queue_entries WHERE id = $1 AND version = $2 FOR UPDATE`,
		e.ID, e.Version,
	).Scan(&oldPosition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStaleEntry
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reposition: %w", err)
	}

	displaced, err := scanEntry(tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET queue_position = $1, updated_at = $2, version = version + 1
		WHERE clinic_id = $3 AND queue_position = $4 AND id <> $5
		  AND status NOT IN ('completed', 'cancelled')
		  AND start_time >= $6 AND start_time < $7
		RETURNING `+entryColumns,
		oldPosition, e.UpdatedAt, e.ClinicID, e.QueuePosition, e.ID, scope.Start, scope.End))
	if errors.Is(err, pgx.ErrNoRows) {
		displaced = nil
	} else if err != nil {
		return nil, fmt.Errorf("queue: reposition: displace: %w", err)
	}

	moved, err := updateEntry(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: reposition: commit: %w", err)
	}
	return &RepositionResult{Moved: moved, Displaced: displaced}, nil
}

func (s *PostgresStore) OpenAbsence(ctx context.Context, entryID uuid.UUID) (*Absence, error) {
	a, err := scanAbsence(s.db.QueryRow(ctx, `
		SELECT `+absenceColumns+`
		FROM absence_records
		WHERE entry_id = $1 AND returned_at IS NULL AND NOT auto_cancelled
		ORDER BY marked_absent_at DESC
		LIMIT 1`, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAbsenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: open absence: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListExpiredAbsences(ctx context.Context, clinicID string, asOf time.Time) ([]*Absence, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+absenceColumns+`
		FROM absence_records
		WHERE returned_at IS NULL AND NOT auto_cancelled
		  AND grace_period_ends_at <= $1
		  AND ($2 = '' OR clinic_id = $2)
		ORDER BY grace_period_ends_at ASC`, asOf, clinicID)
	if err != nil {
		return nil, fmt.Errorf("queue: list expired absences: %w", err)
	}
	defer rows.Close()

	var out []*Absence
	for rows.Next() {
		a, err := scanAbsence(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan absence: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: list expired absences: %w", err)
	}
	return out, nil
}

func updateEntry(ctx context.Context, q execer, e *Entry) (*Entry, error) {
	estimate, err := encodeEstimate(e.WaitEstimate)
	if err != nil {
		return nil, err
	}
	updated := e.Clone()
	if updated.UpdatedAt.IsZero() {
		updated.UpdatedAt = time.Now().UTC()
	}

	tag, err := q.Exec(ctx, `
		UPDATE queue_entries SET
			status = $1, queue_position = $2, is_present = $3, skip_reason = $4, skip_count = $5,
			marked_absent_at = $6, returned_at = $7, checked_in_at = $8, actual_start_time = $9, actual_end_time = $10,
			override_by = $11, wait_estimate = $12, updated_at = $13, version = version + 1
		WHERE id = $14 AND version = $15`,
		string(updated.Status), updated.QueuePosition, updated.IsPresent, string(updated.SkipReason), updated.SkipCount,
		updated.MarkedAbsentAt, updated.ReturnedAt, updated.CheckedInAt, updated.ActualStartTime, updated.ActualEndTime,
		updated.OverrideBy, estimate, updated.UpdatedAt, updated.ID, updated.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleEntry
	}
	updated.Version++
	return updated, nil
}

func upsertAbsence(ctx context.Context, q execer, a *Absence) error {
	if a == nil {
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO absence_records (`+absenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			grace_period_ends_at = EXCLUDED.grace_period_ends_at,
			auto_cancelled = EXCLUDED.auto_cancelled,
			auto_cancelled_at = EXCLUDED.auto_cancelled_at,
			returned_at = EXCLUDED.returned_at`,
		a.ID, a.EntryID, a.ClinicID, a.Reason, a.MarkedAbsentAt, a.GracePeriodEndsAt,
		a.AutoCancelled, a.AutoCancelledAt, a.ReturnedAt,
	)
	if err != nil {
		return fmt.Errorf("queue: upsert absence: %w", err)
	}
	return nil
}

func encodeEstimate(w *WaitEstimate) ([]byte, error) {
	if w == nil {
		return nil, nil
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("queue: encode wait estimate: %w", err)
	}
	return raw, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e        Entry
		status   string
		skip     string
		estimate []byte
	)
	err := row.Scan(
		&e.ID, &e.ClinicID, &e.StaffID, &e.PatientID, &e.GuestID, &e.AppointmentType, &e.IsWalkIn,
		&e.StartTime, &e.EndTime, &status, &e.QueuePosition, &e.IsPresent, &skip, &e.SkipCount,
		&e.MarkedAbsentAt, &e.ReturnedAt, &e.CheckedInAt, &e.ActualStartTime, &e.ActualEndTime,
		&e.OverrideBy, &estimate, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.SkipReason = SkipReason(skip)
	if len(estimate) > 0 {
		var w WaitEstimate
		if err := json.Unmarshal(estimate, &w); err != nil {
			return nil, fmt.Errorf("queue: decode wait estimate: %w", err)
		}
		e.WaitEstimate = &w
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate entries: %w", err)
	}
	return out, nil
}

func scanAbsence(row pgx.Row) (*Absence, error) {
	var a Absence
	err := row.Scan(
		&a.ID, &a.EntryID, &a.ClinicID, &a.Reason, &a.MarkedAbsentAt, &a.GracePeriodEndsAt,
		&a.AutoCancelled, &a.AutoCancelledAt, &a.ReturnedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
