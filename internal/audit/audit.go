// Package audit persists the override trail written by the queue service.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wolfman30/clinic-queue/internal/queue"
)

// SQLLog stores audit records in queue_audit_overrides.
type SQLLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLLog creates an audit log backed by db.
func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends one override record.
func (l *SQLLog) Record(ctx context.Context, rec queue.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}

	query := `
		INSERT INTO queue_audit_overrides (
			id, entry_id, clinic_id, actor, action,
			reason, position_before, position_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := l.db.ExecContext(ctx, query,
		rec.ID,
		rec.EntryID,
		rec.ClinicID,
		rec.Actor,
		string(rec.Action),
		nullString(rec.Reason),
		nullInt(rec.PositionBefore),
		nullInt(rec.PositionAfter),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record override: %w", err)
	}
	return nil
}

// Filter narrows a List query. ClinicID is required.
type Filter struct {
	ClinicID string
	EntryID  uuid.UUID
	Actor    string
	Actions  []queue.Action
	Since    time.Time
	Until    time.Time
	Limit    int
}

// List returns matching records, newest first.
func (l *SQLLog) List(ctx context.Context, filter Filter) ([]queue.AuditRecord, error) {
	if filter.ClinicID == "" {
		return nil, fmt.Errorf("audit: clinic id required")
	}

	query := `
		SELECT id, entry_id, clinic_id, actor, action,
			   reason, position_before, position_after, created_at
		FROM queue_audit_overrides
		WHERE clinic_id = $1
	`
	args := []interface{}{filter.ClinicID}
	argIdx := 2

	if filter.EntryID != uuid.Nil {
		query += fmt.Sprintf(" AND entry_id = $%d", argIdx)
		args = append(args, filter.EntryID)
		argIdx++
	}
	if filter.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argIdx)
		args = append(args, filter.Actor)
		argIdx++
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		query += fmt.Sprintf(" AND action = ANY($%d)", argIdx)
		args = append(args, pq.Array(actions))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []queue.AuditRecord
	for rows.Next() {
		var rec queue.AuditRecord
		var action string
		var reason sql.NullString
		var before, after sql.NullInt64
		if err := rows.Scan(
			&rec.ID, &rec.EntryID, &rec.ClinicID, &rec.Actor, &action,
			&reason, &before, &after, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("audit: failed to scan override: %w", err)
		}
		rec.Action = queue.Action(action)
		rec.Reason = reason.String
		if before.Valid {
			v := int(before.Int64)
			rec.PositionBefore = &v
		}
		if after.Valid {
			v := int(after.Int64)
			rec.PositionAfter = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read overrides: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
