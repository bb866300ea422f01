// Package sweep runs the periodic cleanup of expired sessions, undelivered
// passthrough content, and stale storage entries on a cron schedule.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Target is the surface the sweeper drives. *gateway.Gateway implements it.
type Target interface {
	Sweep(ctx context.Context) (sessionsSwept, contentSwept int, storageSwept int64)
}

// Sweeper checks its cron schedule once a minute and sweeps when due.
type Sweeper struct {
	target   Target
	schedule string
	log      *slog.Logger
	gron     *gronx.Gronx

	// interval is the schedule check granularity. Cron resolution is one
	// minute; tests shrink this.
	interval time.Duration
}

// New creates a sweeper for the given cron schedule.
func New(target Target, schedule string) (*Sweeper, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	return &Sweeper{
		target:   target,
		schedule: schedule,
		log:      slog.Default(),
		gron:     g,
		interval: time.Minute,
	}, nil
}

// Run blocks until ctx is cancelled, sweeping whenever the schedule is due.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweep.started", "schedule", s.schedule)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep.stopped")
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.schedule, now)
			if err != nil {
				s.log.Warn("sweep.schedule_check_failed", "error", err)
				continue
			}
			if due {
				s.RunOnce(ctx)
			}
		}
	}
}

// RunOnce performs one sweep immediately, regardless of the schedule.
func (s *Sweeper) RunOnce(ctx context.Context) {
	start := time.Now()
	sessions, content, storageBytes := s.target.Sweep(ctx)
	if sessions == 0 && content == 0 && storageBytes == 0 {
		return
	}
	s.log.Info("sweep.completed",
		"sessions", sessions,
		"content", content,
		"storageBytes", storageBytes,
		"durationMs", time.Since(start).Milliseconds(),
	)
}
