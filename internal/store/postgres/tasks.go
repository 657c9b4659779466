package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"cleanbox/internal/model"
	"cleanbox/internal/store"
)

const taskColumns = `id, subscription_id, account_id, url, kind, one_click, status,
	error_message, attempts, started_at, finished_at, created_at, updated_at`

func scanTask(row pgx.Row) (*model.UnsubscribeTask, error) {
	var t model.UnsubscribeTask
	err := row.Scan(
		&t.ID,
		&t.SubscriptionID,
		&t.AccountID,
		&t.URL,
		&t.Kind,
		&t.OneClick,
		&t.Status,
		&t.ErrorMessage,
		&t.Attempts,
		&t.StartedAt,
		&t.FinishedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (q *querier) InsertTaskIfAbsent(ctx context.Context, in *model.UnsubscribeTask) (*model.UnsubscribeTask, bool, error) {
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	t, err := scanTask(q.db.QueryRow(ctx, `
        INSERT INTO unsubscribe_tasks
            (subscription_id, account_id, url, kind, one_click, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
        ON CONFLICT (subscription_id, url) DO NOTHING
        RETURNING `+taskColumns,
		in.SubscriptionID, in.AccountID, in.URL, in.Kind, in.OneClick, in.Status, created))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	// 冲突：返回已有的行
	t, err = scanTask(q.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM unsubscribe_tasks WHERE subscription_id = $1 AND url = $2`,
		in.SubscriptionID, in.URL))
	if err != nil {
		return nil, false, err
	}
	return t, false, nil
}

func (q *querier) GetTask(ctx context.Context, id int64) (*model.UnsubscribeTask, error) {
	return scanTask(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM unsubscribe_tasks WHERE id = $1`, id))
}

func (q *querier) GetTaskForUpdate(ctx context.Context, id int64) (*model.UnsubscribeTask, error) {
	return scanTask(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM unsubscribe_tasks WHERE id = $1 FOR UPDATE`, id))
}

func (q *querier) UpdateTask(ctx context.Context, t *model.UnsubscribeTask) error {
	tag, err := q.db.Exec(ctx, `
        UPDATE unsubscribe_tasks
        SET status = $2,
            error_message = $3,
            attempts = $4,
            started_at = $5,
            finished_at = $6,
            updated_at = $7
        WHERE id = $1
    `, t.ID, t.Status, t.ErrorMessage, t.Attempts, t.StartedAt, t.FinishedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *querier) ListTasks(ctx context.Context, f model.TaskFilter) ([]*model.TaskView, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}

	rows, err := q.db.Query(ctx, `
        SELECT
            t.id, t.subscription_id, t.account_id, t.url, t.kind, t.one_click, t.status,
            t.error_message, t.attempts, t.started_at, t.finished_at, t.created_at, t.updated_at,
            s.domain, s.name, sub.canonical_id
        FROM unsubscribe_tasks t
        JOIN subscriptions sub ON sub.id = t.subscription_id
        JOIN senders s ON s.id = sub.sender_id
        WHERE ($1::bigint = 0 OR t.account_id = $1)
          AND (cardinality($2::text[]) = 0 OR t.status = ANY($2::text[]))
        ORDER BY t.updated_at DESC, t.id DESC
        LIMIT NULLIF($3::int, 0)
    `, f.AccountID, statuses, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TaskView
	for rows.Next() {
		var v model.TaskView
		if err := rows.Scan(
			&v.ID,
			&v.SubscriptionID,
			&v.AccountID,
			&v.URL,
			&v.Kind,
			&v.OneClick,
			&v.Status,
			&v.ErrorMessage,
			&v.Attempts,
			&v.StartedAt,
			&v.FinishedAt,
			&v.CreatedAt,
			&v.UpdatedAt,
			&v.SenderDomain,
			&v.SenderName,
			&v.CanonicalID,
		); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (q *querier) ListTasksUpdatedBefore(ctx context.Context, status model.TaskStatus, before time.Time, limit int) ([]*model.UnsubscribeTask, error) {
	rows, err := q.db.Query(ctx, `
        SELECT `+taskColumns+`
        FROM unsubscribe_tasks
        WHERE status = $1 AND updated_at < $2
        ORDER BY updated_at
        LIMIT NULLIF($3::int, 0)
    `, status, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.UnsubscribeTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *querier) TaskStats(ctx context.Context, accountID int64) (model.TaskStats, error) {
	var st model.TaskStats
	err := q.db.QueryRow(ctx, `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE status = 'success'),
            COUNT(*) FILTER (WHERE status = 'failed'),
            COUNT(*) FILTER (WHERE status = 'pending_approval')
        FROM unsubscribe_tasks
        WHERE account_id = $1
    `, accountID).Scan(&st.TotalAttempted, &st.Successful, &st.Failed, &st.Pending)
	if err != nil {
		return st, err
	}
	st.EmailsAvoidedEstimate = st.Successful * model.EmailsAvoidedPerUnsubscribe
	return st, nil
}
