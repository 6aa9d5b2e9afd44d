package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/catalog"
	"github.com/Checker-Finance/instrument-catalog/internal/lease"
	"github.com/Checker-Finance/instrument-catalog/internal/metrics"
)

const (
	JobRefresh = "refresh"
	JobPurge   = "purge"

	refreshLeaseKey = "refresh"
)

// Catalog is the subset of *catalog.Catalog the scheduler drives.
type Catalog interface {
	EnsureFresh(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (*catalog.Build, error)
	Purge(ctx context.Context) error
}

// TimeOfDay is a wall-clock HH:MM in the scheduler's location.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "15:04" formatted text.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Clock converts a GetEnvTime result.
func Clock(t time.Time) TimeOfDay { return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()} }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// NextRun returns the first occurrence of at strictly after now, in loc.
func NextRun(now time.Time, at TimeOfDay, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Missed reports whether a run scheduled for scheduled and fired at fired is beyond grace.
func Missed(scheduled, fired time.Time, grace time.Duration) bool {
	return fired.Sub(scheduled) > grace
}

type Config struct {
	Enabled      bool
	RefreshAt    TimeOfDay
	PurgeAt      TimeOfDay
	Location     *time.Location
	MisfireGrace time.Duration
	LeaseTTL     time.Duration
}

type Option func(*Scheduler)

// WithLease adds a cross-process guard around scheduled and manual refreshes.
func WithLease(l lease.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs the daily refresh and purge jobs.
type Scheduler struct {
	cat    Catalog
	cfg    Config
	logger *zap.Logger
	locker lease.Locker
	now    func() time.Time
	after  func(time.Duration) (<-chan time.Time, func() bool)

	refreshing atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

func New(cat Catalog, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = 5 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	s := &Scheduler{
		cat:    cat,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		after: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches both daily jobs. Calling it again returns the running scheduler.
func (s *Scheduler) Start(ctx context.Context) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return s
	}
	s.started = true

	if !s.cfg.Enabled {
		s.logger.Info("scheduler.disabled")
		return s
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Go(func() { s.loop(runCtx, JobRefresh, s.cfg.RefreshAt, s.scheduledRefresh) })
	s.wg.Go(func() { s.loop(runCtx, JobPurge, s.cfg.PurgeAt, s.TriggerPurge) })

	now := s.now()
	s.logger.Info("scheduler.started",
		zap.String("refresh_at", s.cfg.RefreshAt.String()),
		zap.String("purge_at", s.cfg.PurgeAt.String()),
		zap.String("tz", s.cfg.Location.String()),
		zap.Time("next_refresh", NextRun(now, s.cfg.RefreshAt, s.cfg.Location)),
		zap.Time("next_purge", NextRun(now, s.cfg.PurgeAt, s.cfg.Location)))
	return s
}

// Stop cancels the jobs and waits for any in-flight run to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler.stopped")
}

func (s *Scheduler) loop(ctx context.Context, job string, at TimeOfDay, run func(context.Context) error) {
	var last time.Time
	for {
		from := s.now()
		if from.Before(last) {
			from = last
		}
		scheduled := NextRun(from, at, s.cfg.Location)
		last = scheduled
		fire, stop := s.after(scheduled.Sub(s.now()))
		select {
		case <-ctx.Done():
			stop()
			return
		case <-fire:
		}
		s.fire(ctx, job, scheduled, run)
	}
}

func (s *Scheduler) fire(ctx context.Context, job string, scheduled time.Time, run func(context.Context) error) {
	fired := s.now()
	if Missed(scheduled, fired, s.cfg.MisfireGrace) {
		s.logger.Warn("scheduler.job_missed",
			zap.String("job", job),
			zap.Time("scheduled", scheduled),
			zap.Duration("late_by", fired.Sub(scheduled)))
		metrics.IncJob(job, "missed")
		return
	}

	s.logger.Info("scheduler.job_running", zap.String("job", job), zap.Time("scheduled", scheduled))
	if err := run(ctx); err != nil {
		s.logger.Error("scheduler.job_failed", zap.String("job", job), zap.Error(err))
		return
	}
	s.logger.Info("scheduler.job_finished", zap.String("job", job), zap.Duration("elapsed", s.now().Sub(fired)))
}

func (s *Scheduler) scheduledRefresh(ctx context.Context) error {
	_, err := s.runRefresh(ctx, false)
	return err
}

// TriggerRefresh forces a rebuild unless one is already running here or, with a lease,
// on another replica. ran reports whether this call performed the refresh.
func (s *Scheduler) TriggerRefresh(ctx context.Context) (bool, error) {
	return s.runRefresh(ctx, true)
}

func (s *Scheduler) runRefresh(ctx context.Context, force bool) (bool, error) {
	if !s.refreshing.CompareAndSwap(false, true) {
		s.logger.Info("scheduler.refresh_in_flight")
		metrics.IncJob(JobRefresh, "skipped")
		return false, nil
	}
	defer s.refreshing.Store(false)

	if s.locker != nil {
		held, ok, err := s.locker.Acquire(ctx, refreshLeaseKey, s.cfg.LeaseTTL)
		if err != nil {
			metrics.IncJob(JobRefresh, "error")
			metrics.IncError("scheduler", "lease_acquire")
			return false, err
		}
		if !ok {
			s.logger.Info("scheduler.refresh_leased_elsewhere")
			metrics.IncJob(JobRefresh, "skipped")
			return false, nil
		}
		defer func() {
			if err := held.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("scheduler.lease_release_failed", zap.Error(err))
			}
		}()
	}

	var (
		ran bool
		err error
	)
	if force {
		_, err = s.cat.Refresh(ctx)
		ran = err == nil
	} else {
		ran, err = s.cat.EnsureFresh(ctx)
	}
	if err != nil {
		metrics.IncJob(JobRefresh, "error")
		return false, err
	}
	metrics.IncJob(JobRefresh, "ok")
	return ran, nil
}

// TriggerPurge removes the snapshot and clears the index.
func (s *Scheduler) TriggerPurge(ctx context.Context) error {
	if err := s.cat.Purge(ctx); err != nil {
		metrics.IncJob(JobPurge, "error")
		return err
	}
	metrics.IncJob(JobPurge, "ok")
	return nil
}
