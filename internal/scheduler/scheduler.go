// Package scheduler is the durable job queue. Job state lives in a JobStore;
// the broker only carries deliveries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"cleanbox/contracts/mq"
	"cleanbox/internal/model"
	"cleanbox/internal/store"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/metrics"
	"cleanbox/pkg/trace"
	"cleanbox/pkg/util"
)

// ErrStalled is recorded against jobs that stayed active past the stall
// threshold. It classifies as retryable.
var ErrStalled = errors.New("job stalled: no outcome recorded")

// Publisher delivers an envelope to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type RetentionRule struct {
	Count int           `yaml:"count"`
	Age   time.Duration `yaml:"age"`
}

type Config struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffStrategy  string        `yaml:"backoff_strategy"` // exponential / fixed
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	BatchSize        int           `yaml:"batch_size"`
	Retention        struct {
		Completed RetentionRule `yaml:"completed"`
		Failed    RetentionRule `yaml:"failed"`
	} `yaml:"retention"`
}

func DefaultConfig() Config {
	cfg := Config{
		MaxAttempts:      3,
		BackoffBase:      5 * time.Second,
		BackoffStrategy:  BackoffExponential,
		DispatchInterval: time.Second,
		BatchSize:        100,
	}
	cfg.Retention.Completed = RetentionRule{Count: 1000, Age: 24 * time.Hour}
	cfg.Retention.Failed = RetentionRule{Count: 5000, Age: 7 * 24 * time.Hour}
	return cfg
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffStrategy == "" {
		c.BackoffStrategy = d.BackoffStrategy
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = d.DispatchInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Retention.Completed.Count <= 0 {
		c.Retention.Completed = d.Retention.Completed
	}
	if c.Retention.Failed.Count <= 0 {
		c.Retention.Failed = d.Retention.Failed
	}
	return c
}

// Decision is the outcome of a recorded failure.
type Decision struct {
	Retry     bool
	Attempt   int // attempts made, including the one that just failed
	NextRunAt time.Time
	Reason    string
}

// FailureHook runs before a failure is recorded on the job row. An error
// leaves the job active so the delivery can be retried.
type FailureHook func(ctx context.Context, job mq.Job, cause error, d Decision) error

type Scheduler struct {
	jobs      store.JobStore
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	hooksMu sync.RWMutex
	hooks   map[string]FailureHook

	cancel context.CancelFunc
	done   chan struct{}
}

func New(jobs store.JobStore, publisher Publisher, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:      jobs,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		hooks:     make(map[string]FailureHook),
	}
}

// OnFailed registers the failure hook for a job kind, replacing any previous one.
func (s *Scheduler) OnFailed(kind string, hook FailureHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks[kind] = hook
}

func (s *Scheduler) hook(kind string) FailureHook {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return s.hooks[kind]
}

// Enqueue inserts job unless a live job already holds its key, in which case
// the existing job id is returned and created is false.
func (s *Scheduler) Enqueue(ctx context.Context, job mq.Job) (jobID int64, created bool, err error) {
	payload, err := mq.EncodePayload(job)
	if err != nil {
		return 0, false, err
	}
	now := s.now()
	rec, created, err := s.jobs.InsertJob(ctx, &model.JobRecord{
		Key:         job.Key(),
		Kind:        job.Kind(),
		Payload:     payload,
		Status:      model.JobWaiting,
		MaxAttempts: s.cfg.MaxAttempts,
		NextRunAt:   now,
		TraceID:     trace.FromContext(ctx),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return 0, false, fmt.Errorf("enqueue %s: %w", job.Key(), err)
	}
	if created {
		metrics.IncrementJobsEnqueued(job.Kind())
		logger.WithTrace(ctx, s.logger).Debug("Job enqueued",
			zap.Int64("job_id", rec.ID),
			zap.String("key", rec.Key),
		)
	}
	return rec.ID, created, nil
}

// HasLiveJob reports whether a waiting, delayed or active job holds key.
func (s *Scheduler) HasLiveJob(ctx context.Context, key string) (bool, error) {
	_, err := s.jobs.GetLiveJob(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Job returns the stored job. store.ErrNotFound when absent.
func (s *Scheduler) Job(ctx context.Context, id int64) (*model.JobRecord, error) {
	return s.jobs.GetJob(ctx, id)
}

// Jobs lists jobs newest first. An empty status lists all.
func (s *Scheduler) Jobs(ctx context.Context, status model.JobStatus, limit int) ([]*model.JobRecord, error) {
	return s.jobs.ListJobs(ctx, status, limit)
}

func (s *Scheduler) Complete(ctx context.Context, jobID int64) error {
	rec, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.jobs.CompleteJob(ctx, jobID, s.now()); err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	metrics.IncrementJobOutcome(rec.Kind, "completed")
	return nil
}

// Fail records a failed attempt. The job is retried with backoff while the
// cause is retryable and attempts remain, otherwise it fails for good. The
// kind's failure hook runs first with the decision.
func (s *Scheduler) Fail(ctx context.Context, jobID int64, cause error) (Decision, error) {
	rec, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Decision{}, err
	}
	if rec.Status != model.JobActive {
		return Decision{}, fmt.Errorf("fail job %d: status %s: %w", jobID, rec.Status, store.ErrNotFound)
	}

	now := s.now()
	retryable, reason := util.IsRetryableError(cause)
	d := Decision{
		Attempt: rec.AttemptsMade + 1,
		Reason:  reason,
	}
	d.Retry = util.ShouldRetry(d.Attempt, rec.MaxAttempts, retryable)
	if d.Retry {
		d.NextRunAt = now.Add(s.Backoff(d.Attempt))
	}

	if hook := s.hook(rec.Kind); hook != nil {
		job, err := mq.DecodePayload(rec.Kind, rec.Payload)
		if err != nil {
			return d, err
		}
		if err := hook(ctx, job, cause, d); err != nil {
			return d, fmt.Errorf("failure hook for job %d: %w", jobID, err)
		}
	}

	msg := errorMessage(cause)
	if d.Retry {
		err = s.jobs.RetryJob(ctx, jobID, msg, d.NextRunAt, now)
	} else {
		err = s.jobs.FailJob(ctx, jobID, msg, now)
	}
	if err != nil {
		return d, fmt.Errorf("record failure of job %d: %w", jobID, err)
	}

	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("job_id", jobID),
		zap.String("key", rec.Key),
		zap.Int("attempt", d.Attempt),
		zap.String("error_type", reason),
		zap.Error(cause),
	)
	if d.Retry {
		metrics.IncrementJobOutcome(rec.Kind, "retried")
		log.Warn("Job attempt failed, retry scheduled", zap.Time("next_run_at", d.NextRunAt))
	} else {
		metrics.IncrementJobOutcome(rec.Kind, "failed")
		log.Error("Job failed permanently")
	}
	return d, nil
}

// RecoverStalled fails jobs that have been active longer than olderThan.
func (s *Scheduler) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	stalled, err := s.jobs.ListStalledJobs(ctx, s.now().Add(-olderThan), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, j := range stalled {
		// 任务可能刚好在这期间完成
		if _, err := s.Fail(ctx, j.ID, ErrStalled); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("Failed to recover stalled job", zap.Int64("job_id", j.ID), zap.Error(err))
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Prune applies the retention policy to finished jobs.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	now := s.now()
	c, err := s.jobs.PruneJobs(ctx, model.JobCompleted, s.cfg.Retention.Completed.Count, now.Add(-s.cfg.Retention.Completed.Age))
	if err != nil {
		return 0, fmt.Errorf("prune completed jobs: %w", err)
	}
	f, err := s.jobs.PruneJobs(ctx, model.JobFailed, s.cfg.Retention.Failed.Count, now.Add(-s.cfg.Retention.Failed.Age))
	if err != nil {
		return c, fmt.Errorf("prune failed jobs: %w", err)
	}
	return c + f, nil
}

const maxErrorLen = 1000

// errorMessage returns valid UTF-8 of at most maxErrorLen bytes; last_error
// is a TEXT column.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToValidUTF8(err.Error(), "\uFFFD")
	if len(msg) > maxErrorLen {
		n := maxErrorLen
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	return msg
}
