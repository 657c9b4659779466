package store

import (
	"context"
	"time"

	"cleanbox/internal/model"
)

// JobStore persists scheduler jobs. State-changing calls on a job that is
// not active return ErrNotFound.
type JobStore interface {
	// InsertJob is a no-op returning the live job when one holds the key.
	InsertJob(ctx context.Context, j *model.JobRecord) (job *model.JobRecord, created bool, err error)
	GetJob(ctx context.Context, id int64) (*model.JobRecord, error)
	GetLiveJob(ctx context.Context, key string) (*model.JobRecord, error)
	// ClaimDueJobs moves up to limit due waiting/delayed jobs to active.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.JobRecord, error)
	ReleaseJob(ctx context.Context, id int64, at time.Time) error
	CompleteJob(ctx context.Context, id int64, at time.Time) error
	RetryJob(ctx context.Context, id int64, lastErr string, nextRunAt, at time.Time) error
	FailJob(ctx context.Context, id int64, lastErr string, at time.Time) error
	ListStalledJobs(ctx context.Context, activeBefore time.Time, limit int) ([]*model.JobRecord, error)
	ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]*model.JobRecord, error)
	// PruneJobs deletes finished jobs in status beyond the newest keep rows
	// or finished before olderThan.
	PruneJobs(ctx context.Context, status model.JobStatus, keep int, olderThan time.Time) (int64, error)
}
