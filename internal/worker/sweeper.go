package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cleanbox/internal/model"
	"cleanbox/internal/scanner"
	"cleanbox/internal/scheduler"
	"cleanbox/internal/taskstore"
)

const sweepBatch = 200

// SweepReport counts one sweep.
type SweepReport struct {
	StalledJobs int
	StaleTasks  int
	Reenqueued  int
	PrunedJobs  int64
}

// Sweeper repairs state a lost worker or a failed enqueue can leave behind.
type Sweeper struct {
	sched  *scheduler.Scheduler
	tasks  *taskstore.TaskStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewSweeper(sched *scheduler.Scheduler, tasks *taskstore.TaskStore, cfg Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		sched:  sched,
		tasks:  tasks,
		cfg:    cfg.WithDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a sweep immediately and then every SweepInterval until ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting sweeper", zap.Duration("interval", s.cfg.SweepInterval))
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	rep, err := s.SweepOnce(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("Sweep failed", zap.Error(err))
	}
	if rep.StalledJobs+rep.StaleTasks+rep.Reenqueued > 0 || rep.PrunedJobs > 0 {
		s.logger.Info("Sweep completed",
			zap.Int("stalled_jobs", rep.StalledJobs),
			zap.Int("stale_tasks", rep.StaleTasks),
			zap.Int("reenqueued", rep.Reenqueued),
			zap.Int64("pruned_jobs", rep.PrunedJobs),
		)
	}
}

// SweepOnce runs every repair step once. A failing step is reported but
// does not stop the later ones.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := s.sched.RecoverStalled(ctx, s.cfg.StaleAfter)
	rep.StalledJobs = n
	keep(err)

	n, err = s.failStaleTasks(ctx)
	rep.StaleTasks = n
	keep(err)

	n, err = s.reenqueueOrphans(ctx)
	rep.Reenqueued = n
	keep(err)

	pruned, err := s.sched.Prune(ctx)
	rep.PrunedJobs = pruned
	keep(err)

	return rep, firstErr
}

// failStaleTasks fails tasks stuck in processing with no live job left.
func (s *Sweeper) failStaleTasks(ctx context.Context) (int, error) {
	stuck, err := s.tasks.Stuck(ctx, model.StatusProcessing, s.now().Add(-s.cfg.StaleAfter), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}
	failed := 0
	for _, t := range stuck {
		live, err := s.sched.HasLiveJob(ctx, scanner.ExecuteJobFor(t).Key())
		if err != nil {
			return failed, err
		}
		if live {
			continue
		}
		if _, err := s.tasks.FailStale(ctx, t.ID, "worker lost while processing"); err != nil {
			s.logger.Warn("Failed to fail stale task", zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		failed++
	}
	return failed, nil
}

// reenqueueOrphans enqueues queued tasks that have no live job.
func (s *Sweeper) reenqueueOrphans(ctx context.Context) (int, error) {
	queued, err := s.tasks.Stuck(ctx, model.StatusQueued, s.now().Add(-s.cfg.OrphanAfter), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list queued tasks: %w", err)
	}
	n := 0
	for _, t := range queued {
		_, created, err := s.sched.Enqueue(ctx, scanner.ExecuteJobFor(t))
		if err != nil {
			return n, err
		}
		if created {
			s.logger.Info("Re-enqueued orphan task", zap.Int64("task_id", t.ID))
			n++
		}
	}
	return n, nil
}
