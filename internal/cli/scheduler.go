package cli

import (
	"context"
	"log/slog"
	"time"

	"fleet-monitor/analytics/internal/batch"
)

type fleetTrigger interface {
	DispatchFleetComputation(ctx context.Context, date time.Time, chunkSize int) (*batch.Run, error)
	SweepTaskStatus(ctx context.Context) (*batch.Run, error)
}

// scheduler starts the daily fleet run and the periodic task sweep.
type scheduler struct {
	orch       fleetTrigger
	hour       int
	loc        *time.Location
	sweepEvery time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// nextDailyRun is the first instant after now at hour:00 in loc.
func nextDailyRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}

// runDaily computes yesterday once per day until ctx is done.
func (s *scheduler) runDaily(ctx context.Context) {
	for {
		next := nextDailyRun(s.now(), s.hour, s.loc)
		s.log.Info("next daily run scheduled", "at", next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		date, _ := parseDate("", s.now(), s.loc)
		run, err := s.orch.DispatchFleetComputation(ctx, date, 0)
		if err != nil {
			s.log.Error("daily run failed to start", "error", err)
			continue
		}
		s.log.Info("daily run started", "run_id", run.ID, "window", run.Window)
	}
}

// runSweeps evaluates current tasks every sweepEvery. A sweep still in
// flight suppresses the next tick.
func (s *scheduler) runSweeps(ctx context.Context) {
	if s.sweepEvery <= 0 {
		return
	}
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	var last *batch.Run
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if last != nil && !last.Finished() {
			s.log.Warn("previous task sweep still running, skipping", "run_id", last.ID)
			continue
		}
		run, err := s.orch.SweepTaskStatus(ctx)
		if err != nil {
			s.log.Error("task sweep failed to start", "error", err)
			continue
		}
		last = run
	}
}
