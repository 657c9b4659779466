package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cleanbox/contracts/mq"
	"cleanbox/internal/model"
	"cleanbox/pkg/metrics"
	"cleanbox/pkg/trace"
)

// Start runs the dispatch loop until Shutdown or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("Starting job dispatcher",
		zap.Duration("interval", s.cfg.DispatchInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("max_attempts", s.cfg.MaxAttempts),
	)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.DispatchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Job dispatcher stopped")
				return
			case <-ticker.C:
				if _, err := s.DispatchDue(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("Failed to dispatch due jobs", zap.Error(err))
				}
			}
		}
	}()
}

// Shutdown stops the dispatch loop and waits for the in-flight batch.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchDue claims due jobs and publishes them. A job whose publish fails
// goes back to waiting for the next tick.
func (s *Scheduler) DispatchDue(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ClaimDueJobs(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	s.logger.Debug("Dispatching due jobs", zap.Int("count", len(jobs)))

	sent := 0
	for _, j := range jobs {
		if err := s.publish(ctx, j); err != nil {
			metrics.IncrementJobsDispatched(j.Kind, "error")
			s.logger.Error("Failed to publish job",
				zap.Int64("job_id", j.ID),
				zap.String("key", j.Key),
				zap.Error(err),
			)
			// 发布失败，放回 waiting
			if err := s.jobs.ReleaseJob(context.WithoutCancel(ctx), j.ID, s.now()); err != nil {
				s.logger.Error("Failed to release job", zap.Int64("job_id", j.ID), zap.Error(err))
			}
			continue
		}
		metrics.IncrementJobsDispatched(j.Kind, "ok")
		sent++
	}
	return sent, nil
}

func (s *Scheduler) publish(ctx context.Context, j *model.JobRecord) error {
	routingKey, err := mq.RoutingKeyFor(j.Kind)
	if err != nil {
		return err
	}
	if j.TraceID != "" {
		ctx = trace.WithContext(ctx, j.TraceID)
	}
	return s.publisher.Publish(ctx, routingKey, mq.Envelope{
		JobID:   j.ID,
		Kind:    j.Kind,
		Attempt: j.AttemptsMade + 1,
		TraceID: j.TraceID,
		Payload: j.Payload,
	})
}

// DueSince is how long a delivered job waited past its run time.
func DueSince(j *model.JobRecord, now time.Time) time.Duration {
	if j.NextRunAt.IsZero() || now.Before(j.NextRunAt) {
		return 0
	}
	return now.Sub(j.NextRunAt)
}
