// Package taskstore owns every status write on unsubscribe tasks. Each write
// locks the row, checks the transition and commits in one transaction.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
	"cleanbox/pkg/logger"
)

var (
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrNotFound          = store.ErrNotFound
)

// ApproveResult buckets the ids of one Approve call.
type ApproveResult struct {
	Approved     []*model.UnsubscribeTask
	NotFound     []int64
	InvalidState []int64
	DBErrors     []int64
}

type TaskStore struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func New(st store.Store, logger *zap.Logger) *TaskStore {
	return &TaskStore{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// transition locks task id, verifies it belongs to accountID (0 skips the
// check) and may move to next, then lets mutate adjust the row before saving.
func (s *TaskStore) transition(ctx context.Context, accountID, id int64, next model.TaskStatus,
	mutate func(q store.Querier, t *model.UnsubscribeTask, now time.Time) error) (*model.UnsubscribeTask, error) {

	var out *model.UnsubscribeTask
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		t, err := q.GetTaskForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if accountID != 0 && t.AccountID != accountID {
			return store.ErrNotFound
		}
		if !t.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: task %d %s -> %s", ErrInvalidTransition, id, t.Status, next)
		}

		now := s.now()
		t.Status = next
		t.UpdatedAt = now
		if next.IsTerminal() {
			t.FinishedAt = &now
		}
		if mutate != nil {
			if err := mutate(q, t, now); err != nil {
				return err
			}
		}
		if err := q.UpdateTask(ctx, t); err != nil {
			return fmt.Errorf("update task %d: %w", id, err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Approve moves each pending task of the account to queued. Ids are handled
// independently; one failure does not roll back the others.
func (s *TaskStore) Approve(ctx context.Context, accountID int64, ids []int64) ApproveResult {
	var res ApproveResult
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		t, err := s.transition(ctx, accountID, id, model.StatusQueued, nil)
		switch {
		case err == nil:
			res.Approved = append(res.Approved, t)
		case errors.Is(err, store.ErrNotFound):
			res.NotFound = append(res.NotFound, id)
		case errors.Is(err, ErrInvalidTransition):
			res.InvalidState = append(res.InvalidState, id)
		default:
			logger.WithTrace(ctx, s.logger).Error("Failed to approve task", zap.Int64("task_id", id), zap.Error(err))
			res.DBErrors = append(res.DBErrors, id)
		}
	}
	return res
}

// Ignore dismisses a pending task for good.
func (s *TaskStore) Ignore(ctx context.Context, accountID, id int64) (*model.UnsubscribeTask, error) {
	return s.transition(ctx, accountID, id, model.StatusIgnored, nil)
}

// StartProcessing claims a queued task for execution and counts the attempt.
func (s *TaskStore) StartProcessing(ctx context.Context, id int64) (*model.UnsubscribeTask, error) {
	return s.transition(ctx, 0, id, model.StatusProcessing, func(_ store.Querier, t *model.UnsubscribeTask, now time.Time) error {
		t.StartedAt = &now
		t.Attempts++
		return nil
	})
}

// MarkSuccess finishes the task and flags its subscription unsubscribed in
// the same transaction.
func (s *TaskStore) MarkSuccess(ctx context.Context, id int64, detail string) (*model.UnsubscribeTask, error) {
	t, err := s.transition(ctx, 0, id, model.StatusSuccess, func(q store.Querier, t *model.UnsubscribeTask, now time.Time) error {
		t.ErrorMessage = nil
		if err := q.MarkSubscriptionUnsubscribed(ctx, t.SubscriptionID, now); err != nil {
			return fmt.Errorf("mark subscription %d unsubscribed: %w", t.SubscriptionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("Unsubscribe succeeded",
		zap.Int64("task_id", id),
		zap.Int64("subscription_id", t.SubscriptionID),
		zap.String("detail", detail),
	)
	return t, nil
}

// RecordFailure stores msg and returns the task to queued when retry is
// true, otherwise fails it.
func (s *TaskStore) RecordFailure(ctx context.Context, id int64, msg string, retry bool) (*model.UnsubscribeTask, error) {
	next := model.StatusFailed
	if retry {
		next = model.StatusQueued
	}
	return s.transition(ctx, 0, id, next, func(_ store.Querier, t *model.UnsubscribeTask, _ time.Time) error {
		t.ErrorMessage = &msg
		return nil
	})
}

// FailStale fails a task left in processing by a lost worker.
func (s *TaskStore) FailStale(ctx context.Context, id int64, msg string) (*model.UnsubscribeTask, error) {
	var out *model.UnsubscribeTask
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		t, err := q.GetTaskForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != model.StatusProcessing {
			return fmt.Errorf("%w: task %d is %s, not processing", ErrInvalidTransition, id, t.Status)
		}
		now := s.now()
		t.Status = model.StatusFailed
		t.ErrorMessage = &msg
		t.UpdatedAt = now
		t.FinishedAt = &now
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// Get returns a task of the account. accountID 0 skips the ownership check.
func (s *TaskStore) Get(ctx context.Context, accountID, id int64) (*model.UnsubscribeTask, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if accountID != 0 && t.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (s *TaskStore) List(ctx context.Context, f model.TaskFilter) ([]*model.TaskView, error) {
	return s.store.ListTasks(ctx, f)
}

func (s *TaskStore) Stats(ctx context.Context, accountID int64) (model.TaskStats, error) {
	return s.store.TaskStats(ctx, accountID)
}

// Stuck lists tasks in status untouched since before.
func (s *TaskStore) Stuck(ctx context.Context, status model.TaskStatus, before time.Time, limit int) ([]*model.UnsubscribeTask, error) {
	return s.store.ListTasksUpdatedBefore(ctx, status, before, limit)
}
