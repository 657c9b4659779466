package postgres

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
)

// JobStore keeps scheduler jobs in the jobs table. The partial unique index
// jobs_live_key holds one live job per key.
type JobStore struct {
	db DBTX
}

var _ store.JobStore = (*JobStore)(nil)

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{db: pool}
}

const jobColumns = `id, job_key, kind, payload, status, attempts_made, max_attempts,
	next_run_at, last_error, trace_id, created_at, updated_at, finished_at`

const liveStatuses = `('waiting', 'active', 'delayed')`

func scanJob(row pgx.Row) (*model.JobRecord, error) {
	var j model.JobRecord
	var payload []byte
	err := row.Scan(
		&j.ID,
		&j.Key,
		&j.Kind,
		&payload,
		&j.Status,
		&j.AttemptsMade,
		&j.MaxAttempts,
		&j.NextRunAt,
		&j.LastError,
		&j.TraceID,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.FinishedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	j.Payload = payload
	return &j, nil
}

func collectJobs(rows pgx.Rows, err error) ([]*model.JobRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *JobStore) InsertJob(ctx context.Context, in *model.JobRecord) (*model.JobRecord, bool, error) {
	status := in.Status
	if status == "" {
		status = model.JobWaiting
	}
	now := time.Now().UTC()
	if !in.CreatedAt.IsZero() {
		now = in.CreatedAt
	}
	nextRun := in.NextRunAt
	if nextRun.IsZero() {
		nextRun = now
	}

	j, err := scanJob(s.db.QueryRow(ctx, `
        INSERT INTO jobs (job_key, kind, payload, status, max_attempts, next_run_at, trace_id, created_at, updated_at)
        VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8, $8)
        ON CONFLICT (job_key) WHERE status IN `+liveStatuses+` DO NOTHING
        RETURNING `+jobColumns,
		in.Key, in.Kind, string(in.Payload), status, in.MaxAttempts, nextRun, in.TraceID, now))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	live, err := s.GetLiveJob(ctx, in.Key)
	if err != nil {
		return nil, false, err
	}
	return live, false, nil
}

func (s *JobStore) GetJob(ctx context.Context, id int64) (*model.JobRecord, error) {
	return scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *JobStore) GetLiveJob(ctx context.Context, key string) (*model.JobRecord, error) {
	return scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_key = $1 AND status IN `+liveStatuses, key))
}

// ClaimDueJobs uses SKIP LOCKED so concurrent dispatchers claim disjoint rows.
func (s *JobStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.JobRecord, error) {
	jobs, err := collectJobs(s.db.Query(ctx, `
        UPDATE jobs SET status = 'active', updated_at = $1
        WHERE id IN (
            SELECT id FROM jobs
            WHERE status IN ('waiting', 'delayed') AND next_run_at <= $1
            ORDER BY next_run_at, id
            LIMIT NULLIF($2::int, 0)
            FOR UPDATE SKIP LOCKED
        )
        RETURNING `+jobColumns,
		now, limit))
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].NextRunAt.Equal(jobs[k].NextRunAt) {
			return jobs[i].NextRunAt.Before(jobs[k].NextRunAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
	return jobs, nil
}

// updateActive runs an UPDATE guarded by status = 'active'.
func (s *JobStore) updateActive(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *JobStore) ReleaseJob(ctx context.Context, id int64, at time.Time) error {
	return s.updateActive(ctx, `
        UPDATE jobs SET status = 'waiting', updated_at = $2
        WHERE id = $1 AND status = 'active'
    `, id, at)
}

func (s *JobStore) CompleteJob(ctx context.Context, id int64, at time.Time) error {
	return s.updateActive(ctx, `
        UPDATE jobs
        SET status = 'completed', attempts_made = attempts_made + 1, updated_at = $2, finished_at = $2
        WHERE id = $1 AND status = 'active'
    `, id, at)
}

func (s *JobStore) RetryJob(ctx context.Context, id int64, lastErr string, nextRunAt, at time.Time) error {
	return s.updateActive(ctx, `
        UPDATE jobs
        SET status = 'delayed', attempts_made = attempts_made + 1,
            last_error = $2, next_run_at = $3, updated_at = $4
        WHERE id = $1 AND status = 'active'
    `, id, lastErr, nextRunAt, at)
}

func (s *JobStore) FailJob(ctx context.Context, id int64, lastErr string, at time.Time) error {
	return s.updateActive(ctx, `
        UPDATE jobs
        SET status = 'failed', attempts_made = attempts_made + 1,
            last_error = $2, updated_at = $3, finished_at = $3
        WHERE id = $1 AND status = 'active'
    `, id, lastErr, at)
}

func (s *JobStore) ListStalledJobs(ctx context.Context, activeBefore time.Time, limit int) ([]*model.JobRecord, error) {
	return collectJobs(s.db.Query(ctx, `
        SELECT `+jobColumns+` FROM jobs
        WHERE status = 'active' AND updated_at < $1
        ORDER BY updated_at
        LIMIT NULLIF($2::int, 0)
    `, activeBefore, limit))
}

func (s *JobStore) ListJobs(ctx context.Context, status model.JobStatus, limit int) ([]*model.JobRecord, error) {
	return collectJobs(s.db.Query(ctx, `
        SELECT `+jobColumns+` FROM jobs
        WHERE ($1::text = '' OR status = $1)
        ORDER BY id DESC
        LIMIT NULLIF($2::int, 0)
    `, string(status), limit))
}

func (s *JobStore) PruneJobs(ctx context.Context, status model.JobStatus, keep int, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
        DELETE FROM jobs WHERE id IN (
            SELECT id FROM (
                SELECT id,
                       COALESCE(finished_at, updated_at) AS done_at,
                       ROW_NUMBER() OVER (ORDER BY COALESCE(finished_at, updated_at) DESC, id DESC) AS rn
                FROM jobs
                WHERE status = $1
            ) ranked
            WHERE rn > $2 OR done_at < $3
        )
    `, string(status), keep, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
