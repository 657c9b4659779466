// Package worker consumes job deliveries and runs them: scans through the
// Scanner, unsubscribe actions through an ActionExecutor.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cleanbox/contracts/mq"
	"cleanbox/internal/executor"
	"cleanbox/internal/model"
	"cleanbox/internal/scanner"
	"cleanbox/internal/scheduler"
	"cleanbox/internal/store"
	"cleanbox/internal/taskstore"
	"cleanbox/pkg/logger"
	"cleanbox/pkg/metrics"
	"cleanbox/pkg/trace"
	"cleanbox/pkg/util"
)

const lockScopeExecute = "execute"

// errSkipped means another delivery owns the job; nothing is recorded.
var errSkipped = errors.New("delivery skipped")

type ScanRunner interface {
	Scan(ctx context.Context, accountID int64) (*scanner.Result, error)
}

type AccountReader interface {
	GetAccount(ctx context.Context, id int64) (*model.MailboxAccount, error)
}

// Locker guards one task against concurrent execution.
type Locker interface {
	Acquire(ctx context.Context, scope string, id int64) (string, bool)
	Release(ctx context.Context, scope string, id int64, token string)
}

type Config struct {
	Concurrency    int           `yaml:"concurrency"`
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	OrphanAfter    time.Duration `yaml:"orphan_after"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    5,
		ExecuteTimeout: time.Minute,
		SweepInterval:  time.Minute,
		StaleAfter:     10 * time.Minute,
		OrphanAfter:    time.Minute,
		LockTTL:        5 * time.Minute,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = d.ExecuteTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = d.OrphanAfter
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

type Runner struct {
	sched    *scheduler.Scheduler
	tasks    *taskstore.TaskStore
	accounts AccountReader
	exec     executor.ActionExecutor
	scanner  ScanRunner
	locker   Locker
	cfg      Config
	logger   *zap.Logger
}

// NewRunner wires the runner and registers its failure hooks on sched.
func NewRunner(sched *scheduler.Scheduler, tasks *taskstore.TaskStore, accounts AccountReader,
	exec executor.ActionExecutor, scan ScanRunner, locker Locker, cfg Config, logger *zap.Logger) *Runner {

	r := &Runner{
		sched:    sched,
		tasks:    tasks,
		accounts: accounts,
		exec:     exec,
		scanner:  scan,
		locker:   locker,
		cfg:      cfg.WithDefaults(),
		logger:   logger,
	}
	sched.OnFailed(mq.KindExecute, r.onExecuteFailed)
	sched.OnFailed(mq.KindScan, r.onScanFailed)
	return r
}

// HandleMessage is the broker handler. It returns an error only when the
// outcome could not be recorded, so the delivery is redelivered.
func (r *Runner) HandleMessage(ctx context.Context, data json.RawMessage) error {
	var env mq.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Error("Dropping undecodable delivery", zap.Error(err))
		return nil
	}
	if env.TraceID != "" {
		ctx = trace.WithContext(ctx, env.TraceID)
	}
	log := logger.WithTrace(ctx, r.logger).With(zap.Int64("job_id", env.JobID), zap.String("kind", env.Kind))

	rec, err := r.sched.Job(ctx, env.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Delivery for unknown job, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", env.JobID, err)
	}
	if rec.Status != model.JobActive {
		log.Info("Duplicate delivery, job not active", zap.String("status", string(rec.Status)))
		return nil
	}
	metrics.RecordJobPickupLatency(rec.Kind, scheduler.DueSince(rec, time.Now().UTC()))

	job, err := mq.DecodePayload(rec.Kind, rec.Payload)
	if err == nil {
		err = r.run(ctx, job)
	}
	if errors.Is(err, errSkipped) {
		return nil
	}

	// 结果记录不受 ctx 取消影响
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err == nil {
		if cerr := r.sched.Complete(octx, rec.ID); cerr != nil {
			return fmt.Errorf("complete job %d: %w", rec.ID, cerr)
		}
		log.Debug("Job completed")
		return nil
	}
	if _, ferr := r.sched.Fail(octx, rec.ID, err); ferr != nil {
		return fmt.Errorf("record failure of job %d: %w", rec.ID, ferr)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, job mq.Job) error {
	switch j := job.(type) {
	case mq.ScanJob:
		_, err := r.scanner.Scan(ctx, j.AccountID)
		return err
	case mq.ExecuteJob:
		return r.execute(ctx, j)
	default:
		return util.Permanent(fmt.Errorf("unsupported job %T", job))
	}
}

func (r *Runner) execute(ctx context.Context, j mq.ExecuteJob) error {
	log := logger.WithTrace(ctx, r.logger).With(zap.Int64("task_id", j.TaskID))

	token, ok := r.locker.Acquire(ctx, lockScopeExecute, j.TaskID)
	if !ok {
		log.Info("Task is being executed elsewhere, skipping delivery")
		return errSkipped
	}
	defer r.locker.Release(context.WithoutCancel(ctx), lockScopeExecute, j.TaskID, token)

	task, err := r.tasks.StartProcessing(ctx, j.TaskID)
	if errors.Is(err, taskstore.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		// 已完成、未审批或已删除，直接结束这个 job
		log.Info("Task not executable, completing job", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	acct, err := r.accounts.GetAccount(ctx, task.AccountID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !acct.IsActive) {
		return util.Credential(fmt.Errorf("account %d is not connected", task.AccountID))
	}
	if err != nil {
		return err
	}

	ectx, cancel := context.WithTimeout(ctx, r.cfg.ExecuteTimeout)
	defer cancel()
	res, err := r.exec.Execute(ectx, executor.Request{
		URL:      task.URL,
		Kind:     task.Kind,
		OneClick: task.OneClick,
		From:     acct.Email,
	})
	if err != nil {
		return err
	}

	if _, err := r.tasks.MarkSuccess(context.WithoutCancel(ctx), task.ID, res.Detail); err != nil {
		return fmt.Errorf("mark task %d succeeded: %w", task.ID, err)
	}
	return nil
}

// onExecuteFailed writes the decision onto the task: queued with the error
// while retries remain, failed otherwise.
func (r *Runner) onExecuteFailed(ctx context.Context, job mq.Job, cause error, d scheduler.Decision) error {
	j, ok := job.(mq.ExecuteJob)
	if !ok {
		return nil
	}
	_, err := r.tasks.RecordFailure(ctx, j.TaskID, cause.Error(), d.Retry)
	if errors.Is(err, taskstore.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		// 任务没在 processing（例如 stall 恢复时任务尚未开始）
		return nil
	}
	return err
}

func (r *Runner) onScanFailed(ctx context.Context, job mq.Job, cause error, d scheduler.Decision) error {
	if j, ok := job.(mq.ScanJob); ok {
		logger.WithTrace(ctx, r.logger).Warn("Scan job failed",
			zap.Int64("account_id", j.AccountID),
			zap.Bool("retry", d.Retry),
			zap.Bool("reconnect_required", util.IsCredentialError(cause)),
			zap.Error(cause),
		)
	}
	return nil
}
