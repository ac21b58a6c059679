/*
scheduler.go - Background maintenance jobs

PURPOSE:
  Runs periodic jobs on a cron schedule:
  - Goal expiry: open goals past their expiry move to "expired" so the
    verifier never selects a stale goal.
  - Rate limiter sweep: forget idle per-patient buckets.

DESIGN:
  - robfig/cron with Recover and SkipIfStillRunning, so a slow sweep never
    overlaps itself and a panic never kills the process.
  - Each job gets a context bounded by JobTimeout.
  - Stop waits for running jobs.

USAGE:
  s := NewScheduler(log)
  s.Add("@every 15m", "expire-goals", sweeper.Run)
  s.Start()
  defer s.Stop(ctx)

SEE ALSO:
  - goals/service.go: goal lifecycle
  - cmd/server/main.go: job registration
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/pointmotion/progression-engine/metrics"
	"github.com/pointmotion/progression-engine/progression"
)

// JobTimeout bounds one run of a scheduled job.
const JobTimeout = time.Minute

// Scheduler runs maintenance jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	log  logrus.FieldLogger
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	clog := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		log:  log,
	}
}

// Add registers job under schedule (standard 5-field or @every descriptor).
func (s *Scheduler) Add(schedule, name string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), JobTimeout)
		defer cancel()

		start := time.Now()
		entry := s.log.WithField("job", name)
		if err := job(ctx); err != nil {
			entry.WithError(err).Error("scheduled job failed")
			return
		}
		entry.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("scheduled job finished")
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
}

// Stop prevents new runs and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

// =============================================================================
// GOAL EXPIRY
// =============================================================================

// ExpirySweeper expires open goals whose expiry has passed.
type ExpirySweeper struct {
	Goals   progression.GoalRepository
	Metrics *metrics.Recorder
	Log     logrus.FieldLogger
	Now     func() time.Time
}

// Run performs one sweep.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	n, err := s.Goals.ExpireGoals(ctx, now)
	if err != nil {
		return progression.External("goal repository", "expire", err)
	}
	s.Metrics.GoalsExpired(n)
	if n > 0 && s.Log != nil {
		s.Log.WithField("expired", n).Info("expired stale goals")
	}
	return nil
}

// LimiterSweep returns a job that drops buckets idle for longer than idle.
func LimiterSweep(rl *RateLimiter, idle time.Duration) func(context.Context) error {
	return func(context.Context) error {
		if rl != nil {
			rl.Sweep(idle)
		}
		return nil
	}
}
