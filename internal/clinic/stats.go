package clinic

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinic-queue/internal/queue"
)

// DayStats summarises one clinic day of the queue.
type DayStats struct {
	ClinicID       string  `json:"clinic_id"`
	Day            string  `json:"day"`
	Total          int64   `json:"total"`
	Scheduled      int64   `json:"scheduled"`
	Waiting        int64   `json:"waiting"`
	InProgress     int64   `json:"in_progress"`
	Completed      int64   `json:"completed"`
	Cancelled      int64   `json:"cancelled"`
	WalkIns        int64   `json:"walk_ins"`
	Skips          int64   `json:"skips"`
	AutoCancelled  int64   `json:"auto_cancelled"`
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
}

// statsDB defines the database interface needed by StatsRepository
type statsDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StatsRepository queries queue statistics from Postgres.
type StatsRepository struct {
	db statsDB
}

// NewStatsRepository creates a new stats repository.
func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	if pool == nil {
		panic("clinic: pgx pool required for stats")
	}
	return &StatsRepository{db: pool}
}

// NewStatsRepositoryWithDB allows injecting a mock database for testing.
func NewStatsRepositoryWithDB(db statsDB) *StatsRepository {
	return &StatsRepository{db: db}
}

// DayStats aggregates every entry whose start time falls on day in loc.
func (r *StatsRepository) DayStats(ctx context.Context, clinicID string, day queue.Day, loc *time.Location) (*DayStats, error) {
	w := day.Window(loc)
	stats := &DayStats{ClinicID: clinicID, Day: day.String()}
	args := []any{clinicID, w.Start, w.End}

	countsQuery := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'scheduled'),
			COUNT(*) FILTER (WHERE status = 'waiting'),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE is_walk_in),
			COALESCE(SUM(skip_count), 0)
		FROM queue_entries
		WHERE clinic_id = $1 AND start_time >= $2 AND start_time < $3`
	if err := r.db.QueryRow(ctx, countsQuery, args...).Scan(
		&stats.Total, &stats.Scheduled, &stats.Waiting, &stats.InProgress,
		&stats.Completed, &stats.Cancelled, &stats.WalkIns, &stats.Skips,
	); err != nil {
		return nil, fmt.Errorf("clinic stats: count entries: %w", err)
	}

	waitQuery := `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (actual_start_time - checked_in_at))), 0)::float8
		FROM queue_entries
		WHERE clinic_id = $1 AND start_time >= $2 AND start_time < $3
			AND actual_start_time IS NOT NULL AND checked_in_at IS NOT NULL`
	if err := r.db.QueryRow(ctx, waitQuery, args...).Scan(&stats.AvgWaitSeconds); err != nil {
		return nil, fmt.Errorf("clinic stats: average wait: %w", err)
	}

	autoQuery := `
		SELECT COUNT(*)
		FROM absence_records a
		JOIN queue_entries e ON e.id = a.entry_id
		WHERE e.clinic_id = $1 AND e.start_time >= $2 AND e.start_time < $3 AND a.auto_cancelled`
	if err := r.db.QueryRow(ctx, autoQuery, args...).Scan(&stats.AutoCancelled); err != nil {
		return nil, fmt.Errorf("clinic stats: count auto-cancelled: %w", err)
	}

	return stats, nil
}
