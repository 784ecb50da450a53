// Package scheduler runs the periodic payment sweep and stale order cleanup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"ms-admission/internal/config"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/payment/syncengine"
)

type Reconciler interface {
	BulkReconcile(ctx context.Context) (*syncengine.BulkResult, error)
}

type Cleaner interface {
	CleanupStale(ctx context.Context) (*models.CleanupResult, error)
}

type Scheduler struct {
	Reconciler Reconciler
	Cleaner    Cleaner
	Logger     *logger.Logger

	cfg config.SchedulerConfig
	s   gocron.Scheduler
	ctx context.Context
}

func New(reconciler Reconciler, cleaner Cleaner, cfg config.SchedulerConfig, log *logger.Logger) (*Scheduler, error) {
	loc := time.UTC
	if cfg.SchedulerTZ != "" {
		l, err := time.LoadLocation(cfg.SchedulerTZ)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.SchedulerTZ, err)
		}
		loc = l
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		Reconciler: reconciler,
		Cleaner:    cleaner,
		Logger:     log,
		cfg:        cfg,
		s:          s,
		ctx:        context.Background(),
	}, nil
}

// Start registers the jobs and starts running them. Jobs with a zero
// interval are not registered. Runs never overlap with themselves.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	jobs := []struct {
		name  string
		every time.Duration
		run   func(ctx context.Context)
	}{
		{"bulk-reconcile", s.cfg.ReconcileEvery, s.RunReconcile},
		{"stale-cleanup", s.cfg.CleanupEvery, s.RunCleanup},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			s.Logger.LogScheduler(j.name, "disabled")
			continue
		}
		run := j.run
		_, err := s.s.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() { run(s.ctx) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
		s.Logger.LogScheduler(j.name, fmt.Sprintf("every %s", j.every))
	}

	s.s.Start()
	return nil
}

// Shutdown stops scheduling and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}

func (s *Scheduler) RunReconcile(ctx context.Context) {
	res, err := s.Reconciler.BulkReconcile(ctx)
	if err != nil {
		s.Logger.Error("SCHEDULER", fmt.Sprintf("bulk-reconcile failed: %v", err))
		return
	}
	if res.Skipped {
		s.Logger.LogScheduler("bulk-reconcile", "skipped, another instance holds the sweep lock")
		return
	}
	s.Logger.LogScheduler("bulk-reconcile", fmt.Sprintf("checked=%d updated=%d ignored=%d not_found=%d unreachable=%d failed=%d in %s",
		res.Checked, res.Updated, res.Ignored, res.NotFound, res.Unreachable, res.Failed, res.Duration))
}

func (s *Scheduler) RunCleanup(ctx context.Context) {
	res, err := s.Cleaner.CleanupStale(ctx)
	if err != nil {
		s.Logger.Error("SCHEDULER", fmt.Sprintf("stale-cleanup failed: %v", err))
		return
	}
	msg := fmt.Sprintf("expired=%d stale=%d tickets=%d", res.ExpiredOrders, res.StaleOrders, res.ExpiredTickets+res.StaleTickets)
	if len(res.Errors) > 0 {
		msg += fmt.Sprintf(" errors=%v", res.Errors)
	}
	s.Logger.LogScheduler("stale-cleanup", msg)
}
