// Package expiryworker periodically cancels queue entries whose absence
// grace period has run out.
package expiryworker

import (
	"context"
	"time"

	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

type absenceExpirer interface {
	ExpireAbsences(ctx context.Context, clinicID string, asOf time.Time, actor string) ([]*queue.Entry, error)
}

// Sweeper calls ExpireAbsences across all clinics on a fixed interval.
type Sweeper struct {
	svc      absenceExpirer
	logger   *logging.Logger
	actor    string
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(svc absenceExpirer, actor string, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	if actor == "" {
		actor = "system:grace-sweeper"
	}
	return &Sweeper{
		svc:      svc,
		logger:   logger,
		actor:    actor,
		interval: time.Minute,
		now:      time.Now,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	if s.svc == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) int {
	cancelled, err := s.svc.ExpireAbsences(ctx, "", s.now(), s.actor)
	if err != nil {
		s.logger.Error("grace sweep failed", "error", err)
		return 0
	}
	if len(cancelled) > 0 {
		s.logger.Info("grace sweep cancelled entries", "count", len(cancelled))
	}
	return len(cancelled)
}
